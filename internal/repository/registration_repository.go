package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/micfava/emed/internal/domain/prescription"
)

type RegistrationRepository struct {
	db *gorm.DB
}

func NewRegistrationRepository(db *gorm.DB) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

func (r *RegistrationRepository) Create(ctx context.Context, reg *prescription.Registration) error {
	if err := r.db.WithContext(ctx).Create(reg).Error; err != nil {
		return fmt.Errorf("creating registration: %w", err)
	}
	return nil
}

func (r *RegistrationRepository) Update(ctx context.Context, reg *prescription.Registration) error {
	res := r.db.WithContext(ctx).Model(reg).
		Select("tracking_code", "sequence", "res_code", "res_message", "message").
		Updates(reg)
	if res.Error != nil {
		return fmt.Errorf("updating registration: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return prescription.ErrRegistrationNotFound
	}
	return nil
}

func (r *RegistrationRepository) GetByID(ctx context.Context, id uuid.UUID) (*prescription.Registration, error) {
	var reg prescription.Registration
	err := r.db.WithContext(ctx).First(&reg, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, prescription.ErrRegistrationNotFound
		}
		return nil, fmt.Errorf("getting registration: %w", err)
	}
	return &reg, nil
}

func (r *RegistrationRepository) List(ctx context.Context, q *prescription.ListRegistrationsQuery) (*prescription.PagedRegistrations, error) {
	page := q.Page
	if page < 1 {
		page = 1
	}
	pageSize := q.PageSize
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	// One row per tracking code: the same prescription may have been resent
	// several times, and only the newest attempt is interesting.
	base := r.db.WithContext(ctx).
		Model(&prescription.Registration{}).
		Joins("JOIN prescription.prescriptions p ON p.id = registrations.prescription_id").
		Where("p.user_id = ? AND p.deleted_at IS NULL", q.UserID).
		Where("registrations.tracking_code IS NOT NULL").
		Where("registrations.created_at >= ?", q.Since).
		Where(`registrations.id IN (
			SELECT DISTINCT ON (tracking_code) id
			FROM prescription.registrations
			WHERE tracking_code IS NOT NULL
			ORDER BY tracking_code, created_at DESC
		)`)

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("counting registrations: %w", err)
	}

	var regs []*prescription.Registration
	err := base.
		Order("registrations.created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&regs).Error
	if err != nil {
		return nil, fmt.Errorf("listing registrations: %w", err)
	}

	return &prescription.PagedRegistrations{
		Registrations: regs,
		TotalCount:    total,
		Page:          page,
		PageSize:      pageSize,
	}, nil
}
