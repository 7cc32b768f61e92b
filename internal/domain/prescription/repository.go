package prescription

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	GetByTrackingCode(ctx context.Context, trackingCode string) (*Prescription, error)
	// Delete removes the prescription and, by cascade, its items and
	// registrations. Only called after a gateway-confirmed cancellation.
	Delete(ctx context.Context, id uuid.UUID) error
}

type ItemRepository interface {
	Create(ctx context.Context, item *Item) error
	Update(ctx context.Context, item *Item) error
	Delete(ctx context.Context, id uuid.UUID) error
	GetByCatalogItem(ctx context.Context, prescriptionID, erxItemID uuid.UUID) (*Item, error)
	ListByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*Item, error)
	// CheckCodes returns the non-null check codes attached to a prescription.
	CheckCodes(ctx context.Context, prescriptionID uuid.UUID) ([]string, error)
	// RevokedCheckCodes returns check codes the gateway has revoked.
	RevokedCheckCodes(ctx context.Context, prescriptionID uuid.UUID) ([]string, error)
}

type RegistrationRepository interface {
	Create(ctx context.Context, r *Registration) error
	Update(ctx context.Context, r *Registration) error
	GetByID(ctx context.Context, id uuid.UUID) (*Registration, error)
	// List returns registrations for prescriptions owned by the querying
	// physician, deduplicated by tracking code.
	List(ctx context.Context, q *ListRegistrationsQuery) (*PagedRegistrations, error)
}

type ItemLogRepository interface {
	Create(ctx context.Context, l *ItemLog) error
	DeleteByItem(ctx context.Context, itemID uuid.UUID) error
}

type ErrorLogRepository interface {
	// Upsert inserts a (response code, message) pair once; subsequent calls
	// with the same code are no-ops.
	Upsert(ctx context.Context, resCode int, message, description string) error
}
