package prescription

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/micfava/emed/internal/domain"
)

type ItemType string

const (
	ItemTypeDrug    ItemType = "drug"
	ItemTypeService ItemType = "service"
)

// Prescription is the aggregate root for one patient encounter. It is
// created empty when the patient is called, items are attached afterward,
// and it becomes immutable for registration purposes once a Registration
// carries a tracking code (resend excepted).
type Prescription struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	CreatedAt time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
	// Cancellation soft-deletes: the row stays for the audit trail but
	// drops out of every query.
	DeletedAt gorm.DeletedAt `gorm:"index"`

	UserID     uuid.UUID `gorm:"column:user_id;type:uuid;not null;index"`
	ProviderID uuid.UUID `gorm:"column:provider_id;type:uuid;index"`

	NationalCode string             `gorm:"column:national_code;type:varchar(10);not null;index"`
	IssuerType   domain.InsurerType `gorm:"column:issuer_type;type:varchar(1);not null;index"`

	// Samad code obtained at call time; required for Salamat fetch/delete.
	SamadCode *string `gorm:"column:samad_code;type:varchar(50)"`

	ResCode int `gorm:"column:res_code"`

	Items         []Item         `gorm:"foreignKey:PrescriptionID;constraint:OnDelete:CASCADE"`
	Registrations []Registration `gorm:"foreignKey:PrescriptionID;constraint:OnDelete:CASCADE"`
}

func (Prescription) TableName() string {
	return "prescription.prescriptions"
}

// OwnedBy reports whether the prescription belongs to the given physician.
func (p *Prescription) OwnedBy(userID uuid.UUID) bool {
	return p.UserID == userID
}

// Registered reports whether any registration attempt secured a tracking code.
func (p *Prescription) Registered() bool {
	for i := range p.Registrations {
		if p.Registrations[i].TrackingCode != nil {
			return true
		}
	}
	return false
}

// Item is one prescribed drug or service line. CheckCode is set by item
// authorization for Salamat prescriptions and stays nil for Tamin, where
// items are authorized implicitly at registration time.
type Item struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	PrescriptionID uuid.UUID `gorm:"column:prescription_id;type:uuid;not null;index:idx_items_presc_catalog,unique"`
	ErxItemID      uuid.UUID `gorm:"column:erx_item_id;type:uuid;not null;index:idx_items_presc_catalog,unique"`
	ErxTypeID      uuid.UUID `gorm:"column:erx_type_id;type:uuid;not null"`
	ConsumptionID  uuid.UUID `gorm:"column:erx_consumption_id;type:uuid"`
	InstructionID  uuid.UUID `gorm:"column:erx_instruction_id;type:uuid"`

	Type        ItemType `gorm:"column:type;type:varchar(20);not null"`
	Mode        string   `gorm:"column:mode;type:varchar(20)"`
	Count       int      `gorm:"column:count;not null"`
	Period      int      `gorm:"column:period"`
	BulkID      int      `gorm:"column:bulk_id;default:1"`
	ActiveForm  string   `gorm:"column:active_form;type:varchar(20)"`
	Description string   `gorm:"column:description;type:text"`

	CheckCode *string `gorm:"column:check_code;type:varchar(50)"`
	// Set when the gateway later reports the check code as revoked; any
	// revoked code blocks new item submissions on the same prescription.
	CheckRevoked bool `gorm:"column:check_revoked;default:false;index"`

	CreatedBy uuid.UUID `gorm:"column:created_by;type:uuid;not null"`
}

func (Item) TableName() string {
	return "prescription.items"
}

// Registration is one gateway registration attempt. The tracking code, once
// set, is stable for the life of the record: resend refreshes response
// fields on this row instead of creating a new one.
type Registration struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	CreatedAt time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	PrescriptionID uuid.UUID `gorm:"column:prescription_id;type:uuid;not null;index"`

	TrackingCode *string `gorm:"column:tracking_code;type:varchar(50);index"`
	Sequence     string  `gorm:"column:sequence;type:varchar(50)"`
	ResCode      int     `gorm:"column:res_code"`
	ResMessage   string  `gorm:"column:res_message;type:text"`
	Message      string  `gorm:"column:message;type:text"`
}

func (Registration) TableName() string {
	return "prescription.registrations"
}

// ItemLog captures the gateway's verdict for one item-authorization call.
type ItemLog struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	CreatedAt time.Time `gorm:"autoCreateTime"`

	ItemID uuid.UUID `gorm:"column:prescription_item_id;type:uuid;not null;index"`

	ResCode    *int    `gorm:"column:res_code"`
	IsAllowed  bool    `gorm:"column:is_allowed;default:true"`
	Contract   *bool   `gorm:"column:contract"`
	MaxCovered int     `gorm:"column:max_covered;default:0"`
	Message    string  `gorm:"column:message;type:text"`
	CheckCode  *string `gorm:"column:check_code;type:varchar(50)"`

	CreatedBy uuid.UUID `gorm:"column:created_by;type:uuid;not null"`
}

func (ItemLog) TableName() string {
	return "prescription.item_logs"
}

// ErrorLog is a deduplicated catalog of gateway response codes and their
// messages, keyed by response code.
type ErrorLog struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	CreatedAt time.Time `gorm:"autoCreateTime"`

	ResCode     int    `gorm:"column:res_code;uniqueIndex;not null"`
	ResMessage  string `gorm:"column:res_message;type:text"`
	Description string `gorm:"column:description;type:varchar(255)"`
}

func (ErrorLog) TableName() string {
	return "prescription.error_logs"
}

type AddItemCommand struct {
	PrescriptionID uuid.UUID
	ErxItemID      uuid.UUID
	ErxTypeID      uuid.UUID
	ConsumptionID  uuid.UUID
	InstructionID  uuid.UUID
	Mode           string
	Count          int
	Period         int
	BulkID         int
	ActiveForm     string
	Description    string
}

type ListRegistrationsQuery struct {
	UserID   uuid.UUID
	Since    time.Time
	Page     int
	PageSize int
}

type PagedRegistrations struct {
	Registrations []*Registration
	TotalCount    int64
	Page          int
	PageSize      int
}
