package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/micfava/emed/internal/domain/prescription"
)

type ItemLogRepository struct {
	db *gorm.DB
}

func NewItemLogRepository(db *gorm.DB) *ItemLogRepository {
	return &ItemLogRepository{db: db}
}

func (r *ItemLogRepository) Create(ctx context.Context, l *prescription.ItemLog) error {
	if err := r.db.WithContext(ctx).Create(l).Error; err != nil {
		return fmt.Errorf("creating item log: %w", err)
	}
	return nil
}

func (r *ItemLogRepository) DeleteByItem(ctx context.Context, itemID uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Delete(&prescription.ItemLog{}, "prescription_item_id = ?", itemID).Error
	if err != nil {
		return fmt.Errorf("deleting item logs: %w", err)
	}
	return nil
}

type ErrorLogRepository struct {
	db *gorm.DB
}

func NewErrorLogRepository(db *gorm.DB) *ErrorLogRepository {
	return &ErrorLogRepository{db: db}
}

// Upsert keeps exactly one row per gateway response code. Conflicts on the
// code are silently ignored so the first observed message wins.
func (r *ErrorLogRepository) Upsert(ctx context.Context, resCode int, message, description string) error {
	l := &prescription.ErrorLog{
		ResCode:     resCode,
		ResMessage:  message,
		Description: description,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "res_code"}},
			DoNothing: true,
		}).
		Create(l).Error
	if err != nil {
		return fmt.Errorf("upserting error log: %w", err)
	}
	return nil
}
