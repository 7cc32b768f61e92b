package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/micfava/emed/internal/domain"
)

var ErrUserNotFound = errors.New("user not found")

// ErrNoActiveProvider is returned when a physician has no active clinic
// binding; prescription flows cannot start without one.
var ErrNoActiveProvider = errors.New("user has no active provider binding")

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(ctx context.Context, u *domain.User) error {
	if err := r.db.WithContext(ctx).Create(u).Error; err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	var u domain.User
	err := r.db.WithContext(ctx).
		Preload("Employee").
		First(&u, "email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("getting user by email: %w", err)
	}
	return &u, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var u domain.User
	err := r.db.WithContext(ctx).
		Preload("Employee").
		First(&u, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return &u, nil
}

func (r *UserRepository) UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error {
	res := r.db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", id).
		Update("password_hash", hash)
	if res.Error != nil {
		return fmt.Errorf("updating password: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetPhysician assembles the per-request physician context from the user's
// employee profile and their active provider binding.
func (r *UserRepository) GetPhysician(ctx context.Context, userID uuid.UUID) (*domain.Physician, error) {
	var emp domain.Employee
	err := r.db.WithContext(ctx).First(&emp, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("getting employee profile: %w", err)
	}

	var binding domain.UserProvider
	err = r.db.WithContext(ctx).
		Preload("Provider").
		Where("user_id = ? AND is_active = true", userID).
		First(&binding).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActiveProvider
		}
		return nil, fmt.Errorf("getting active provider binding: %w", err)
	}

	phys := &domain.Physician{
		UserID:       userID,
		NationalCode: emp.NationalCode,
		MedicalNo:    emp.MedicalNo,
		TaminMobile:  emp.TaminMobile,
		GatewayUser:  emp.SalamatUser,
		GatewayPass:  emp.SalamatPass,
		ProviderID:   binding.ProviderID,
	}
	if binding.Provider != nil {
		phys.SiamCode = binding.Provider.SiamCode
	}
	return phys, nil
}

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Create(ctx context.Context, entry *domain.AuditLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("creating audit log: %w", err)
	}
	return nil
}
