package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/micfava/emed/internal/domain/prescription"
)

type PrescriptionRepository struct {
	db *gorm.DB
}

func NewPrescriptionRepository(db *gorm.DB) *PrescriptionRepository {
	return &PrescriptionRepository{db: db}
}

func (r *PrescriptionRepository) Create(ctx context.Context, p *prescription.Prescription) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("creating prescription: %w", err)
	}
	return nil
}

func (r *PrescriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	var p prescription.Prescription
	err := r.db.WithContext(ctx).
		Preload("Items").
		Preload("Registrations").
		First(&p, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, prescription.ErrPrescriptionNotFound
		}
		return nil, fmt.Errorf("getting prescription: %w", err)
	}
	return &p, nil
}

func (r *PrescriptionRepository) GetByTrackingCode(ctx context.Context, trackingCode string) (*prescription.Prescription, error) {
	var p prescription.Prescription
	err := r.db.WithContext(ctx).
		Preload("Items").
		Preload("Registrations").
		Joins("JOIN prescription.registrations reg ON reg.prescription_id = prescriptions.id").
		Where("reg.tracking_code = ?", trackingCode).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, prescription.ErrPrescriptionNotFound
		}
		return nil, fmt.Errorf("getting prescription by tracking code: %w", err)
	}
	return &p, nil
}

// Delete soft-deletes: the row keeps its registrations and audit trail but
// disappears from every read path.
func (r *PrescriptionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&prescription.Prescription{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("deleting prescription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return prescription.ErrPrescriptionNotFound
	}
	return nil
}
