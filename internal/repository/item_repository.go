package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/micfava/emed/internal/domain/prescription"
)

type ItemRepository struct {
	db *gorm.DB
}

func NewItemRepository(db *gorm.DB) *ItemRepository {
	return &ItemRepository{db: db}
}

func (r *ItemRepository) Create(ctx context.Context, item *prescription.Item) error {
	err := r.db.WithContext(ctx).Create(item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return prescription.ErrDuplicateItem
		}
		return fmt.Errorf("creating item: %w", err)
	}
	return nil
}

func (r *ItemRepository) Update(ctx context.Context, item *prescription.Item) error {
	res := r.db.WithContext(ctx).Model(item).
		Select("erx_consumption_id", "erx_instruction_id", "count", "period",
			"bulk_id", "active_form", "description", "check_code", "check_revoked").
		Updates(item)
	if res.Error != nil {
		return fmt.Errorf("updating item: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return prescription.ErrItemNotFound
	}
	return nil
}

func (r *ItemRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&prescription.Item{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("deleting item: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return prescription.ErrItemNotFound
	}
	return nil
}

func (r *ItemRepository) GetByCatalogItem(ctx context.Context, prescriptionID, erxItemID uuid.UUID) (*prescription.Item, error) {
	var item prescription.Item
	err := r.db.WithContext(ctx).
		First(&item, "prescription_id = ? AND erx_item_id = ?", prescriptionID, erxItemID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, prescription.ErrItemNotFound
		}
		return nil, fmt.Errorf("getting item by catalog entry: %w", err)
	}
	return &item, nil
}

func (r *ItemRepository) ListByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*prescription.Item, error) {
	var items []*prescription.Item
	err := r.db.WithContext(ctx).
		Where("prescription_id = ?", prescriptionID).
		Order("created_at ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	return items, nil
}

func (r *ItemRepository) CheckCodes(ctx context.Context, prescriptionID uuid.UUID) ([]string, error) {
	var codes []string
	err := r.db.WithContext(ctx).
		Model(&prescription.Item{}).
		Where("prescription_id = ? AND check_code IS NOT NULL AND check_revoked = false", prescriptionID).
		Pluck("check_code", &codes).Error
	if err != nil {
		return nil, fmt.Errorf("collecting check codes: %w", err)
	}
	return codes, nil
}

func (r *ItemRepository) RevokedCheckCodes(ctx context.Context, prescriptionID uuid.UUID) ([]string, error) {
	var codes []string
	err := r.db.WithContext(ctx).
		Model(&prescription.Item{}).
		Where("prescription_id = ? AND check_revoked = true AND check_code IS NOT NULL", prescriptionID).
		Pluck("check_code", &codes).Error
	if err != nil {
		return nil, fmt.Errorf("collecting revoked check codes: %w", err)
	}
	return codes, nil
}
