package admission

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Admission is one row of the local eligibility fast path. Upstream hospital
// systems push admissions here so that calling a patient does not always
// need a remote gateway session. Rows expire out of the queue after the
// rolling window rather than being deleted.
type Admission struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	CreatedAt time.Time `gorm:"autoCreateTime"`

	// Insurer type as reported by the admitting hospital system. When set,
	// eligibility resolves locally with no gateway call.
	IssuerType string `gorm:"column:issuer_type;type:varchar(1)"`

	ProviderSiamCode string  `gorm:"column:provider_siam_code;type:varchar(50);not null;index"`
	Hospital         string  `gorm:"column:hospital;type:varchar(255)"`
	MedicalNo        *string `gorm:"column:medical_no;type:varchar(20);index"`
	NationalCode     string  `gorm:"column:national_code;type:varchar(10);not null;index"`
	FirstName        string  `gorm:"column:fname;type:varchar(100)"`
	LastName         string  `gorm:"column:lname;type:varchar(100)"`
	SpecialtyName    string  `gorm:"column:specialty_name;type:varchar(100)"`
	SpecialtyCode    string  `gorm:"column:specialty_code;type:varchar(20)"`
	Payment          string  `gorm:"column:payment;type:varchar(50)"`
	Validity         string  `gorm:"column:validity;type:varchar(50)"`

	Datetime  time.Time `gorm:"column:datetime;not null;index"`
	IsVisited bool      `gorm:"column:is_visited;default:false;index"`
}

func (Admission) TableName() string {
	return "prescription.admissions"
}

// Window is the rolling period an admission stays eligible for.
const Window = 24 * time.Hour

type Repository interface {
	Create(ctx context.Context, a *Admission) error
	// FindActive returns the newest unvisited admission inside the rolling
	// window for this patient at this provider. A nil medicalNo matches
	// admissions not bound to a specific physician.
	FindActive(ctx context.Context, nationalCode, siamCode string, medicalNo *string, since time.Time) (*Admission, error)
	// MarkVisited removes the patient from the queue once they are called.
	MarkVisited(ctx context.Context, nationalCode string) error
	Queue(ctx context.Context, siamCode string, medicalNo *string, since time.Time) ([]*Admission, error)
}
