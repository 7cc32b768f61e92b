package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/micfava/emed/internal/domain/admission"
)

type AdmissionRepository struct {
	db *gorm.DB
}

func NewAdmissionRepository(db *gorm.DB) *AdmissionRepository {
	return &AdmissionRepository{db: db}
}

func (r *AdmissionRepository) Create(ctx context.Context, a *admission.Admission) error {
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("creating admission: %w", err)
	}
	return nil
}

func (r *AdmissionRepository) FindActive(ctx context.Context, nationalCode, siamCode string, medicalNo *string, since time.Time) (*admission.Admission, error) {
	q := r.db.WithContext(ctx).
		Where("national_code = ? AND provider_siam_code = ?", nationalCode, siamCode).
		Where("is_visited = false AND created_at >= ?", since)
	if medicalNo != nil {
		q = q.Where("medical_no = ? OR medical_no IS NULL", *medicalNo)
	}

	var a admission.Admission
	err := q.Order("created_at DESC").First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, admission.ErrNotFound
		}
		return nil, fmt.Errorf("finding active admission: %w", err)
	}
	return &a, nil
}

func (r *AdmissionRepository) MarkVisited(ctx context.Context, nationalCode string) error {
	err := r.db.WithContext(ctx).
		Model(&admission.Admission{}).
		Where("national_code = ? AND is_visited = false", nationalCode).
		Update("is_visited", true).Error
	if err != nil {
		return fmt.Errorf("marking admissions visited: %w", err)
	}
	return nil
}

func (r *AdmissionRepository) Queue(ctx context.Context, siamCode string, medicalNo *string, since time.Time) ([]*admission.Admission, error) {
	q := r.db.WithContext(ctx).
		Where("provider_siam_code = ?", siamCode).
		Where("is_visited = false AND created_at >= ?", since)
	if medicalNo != nil {
		q = q.Where("medical_no = ? OR medical_no IS NULL", *medicalNo)
	}

	var list []*admission.Admission
	if err := q.Order("created_at ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("listing admission queue: %w", err)
	}
	return list, nil
}
