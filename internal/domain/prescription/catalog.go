package prescription

import (
	"context"

	"github.com/google/uuid"

	"github.com/micfava/emed/internal/domain"
)

// ErxItem is one catalog entry (drug or service). Each insurer assigns its
// own code to the same clinical item, so gateway payloads pick the column
// matching the prescription's insurer.
type ErxItem struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`

	Name        string   `gorm:"column:name;type:varchar(255);not null"`
	Type        ItemType `gorm:"column:type;type:varchar(20);not null;index"`
	SalamatCode string   `gorm:"column:salamat_code;type:varchar(50);index"`
	TaminCode   string   `gorm:"column:tamin_code;type:varchar(50);index"`
}

func (ErxItem) TableName() string {
	return "prescription.erx_items"
}

// Code returns the insurer-specific national code for this item.
func (i *ErxItem) Code(insurer domain.InsurerType) string {
	if insurer == domain.InsurerTamin {
		return i.TaminCode
	}
	return i.SalamatCode
}

type ErxConsumption struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`

	Name        string `gorm:"column:name;type:varchar(100);not null"`
	SalamatCode string `gorm:"column:salamat_code;type:varchar(50)"`
	TaminCode   string `gorm:"column:tamin_code;type:varchar(50)"`
}

func (ErxConsumption) TableName() string {
	return "prescription.erx_consumptions"
}

func (c *ErxConsumption) Code(insurer domain.InsurerType) string {
	if insurer == domain.InsurerTamin {
		return c.TaminCode
	}
	return c.SalamatCode
}

type ErxInstruction struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`

	Name        string `gorm:"column:name;type:varchar(100);not null"`
	SalamatCode string `gorm:"column:salamat_code;type:varchar(50)"`
	TaminCode   string `gorm:"column:tamin_code;type:varchar(50)"`
}

func (ErxInstruction) TableName() string {
	return "prescription.erx_instructions"
}

func (i *ErxInstruction) Code(insurer domain.InsurerType) string {
	if insurer == domain.InsurerTamin {
		return i.TaminCode
	}
	return i.SalamatCode
}

// CatalogRepository resolves catalog identifiers into insurer-keyed codes
// when building gateway payloads.
type CatalogRepository interface {
	GetItem(ctx context.Context, id uuid.UUID) (*ErxItem, error)
	GetConsumption(ctx context.Context, id uuid.UUID) (*ErxConsumption, error)
	GetInstruction(ctx context.Context, id uuid.UUID) (*ErxInstruction, error)
}
