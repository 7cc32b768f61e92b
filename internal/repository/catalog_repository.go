package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/micfava/emed/internal/domain/prescription"
)

type CatalogRepository struct {
	db *gorm.DB
}

func NewCatalogRepository(db *gorm.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

func (r *CatalogRepository) GetItem(ctx context.Context, id uuid.UUID) (*prescription.ErxItem, error) {
	var item prescription.ErxItem
	if err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, prescription.ErrCatalogEntryNotFound
		}
		return nil, fmt.Errorf("getting catalog item: %w", err)
	}
	return &item, nil
}

func (r *CatalogRepository) GetConsumption(ctx context.Context, id uuid.UUID) (*prescription.ErxConsumption, error) {
	var c prescription.ErxConsumption
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, prescription.ErrCatalogEntryNotFound
		}
		return nil, fmt.Errorf("getting consumption: %w", err)
	}
	return &c, nil
}

func (r *CatalogRepository) GetInstruction(ctx context.Context, id uuid.UUID) (*prescription.ErxInstruction, error) {
	var i prescription.ErxInstruction
	if err := r.db.WithContext(ctx).First(&i, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, prescription.ErrCatalogEntryNotFound
		}
		return nil, fmt.Errorf("getting instruction: %w", err)
	}
	return &i, nil
}
