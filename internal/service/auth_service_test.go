package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/micfava/emed/internal/config"
	"github.com/micfava/emed/internal/domain"
	"github.com/micfava/emed/pkg/auth"
)

type fakeUserRepo struct {
	byEmail    map[string]*domain.User
	byID       map[uuid.UUID]*domain.User
	physicians map[uuid.UUID]*domain.Physician
	passwords  map[uuid.UUID]string
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		byEmail:    make(map[string]*domain.User),
		byID:       make(map[uuid.UUID]*domain.User),
		physicians: make(map[uuid.UUID]*domain.Physician),
		passwords:  make(map[uuid.UUID]string),
	}
}

func (r *fakeUserRepo) Create(ctx context.Context, u *domain.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	r.byEmail[u.Email] = u
	r.byID[u.ID] = u
	return nil
}

func (r *fakeUserRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	u, ok := r.byEmail[email]
	if !ok {
		return nil, errors.New("user not found")
	}
	return u, nil
}

func (r *fakeUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	u, ok := r.byID[id]
	if !ok {
		return nil, errors.New("user not found")
	}
	return u, nil
}

func (r *fakeUserRepo) UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error {
	r.passwords[id] = hash
	return nil
}

func (r *fakeUserRepo) GetPhysician(ctx context.Context, userID uuid.UUID) (*domain.Physician, error) {
	p, ok := r.physicians[userID]
	if !ok {
		return nil, errors.New("physician not found")
	}
	return p, nil
}

func newAuthFixture(t *testing.T) (*AuthService, *fakeUserRepo) {
	t.Helper()
	repo := newFakeUserRepo()
	jwtManager := auth.NewJWTManager(config.JWTConfig{
		Secret:          "test-secret-for-auth-service",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
		Issuer:          "emed-test",
	})
	return NewAuthService(repo, jwtManager, zap.NewNop()), repo
}

func seedUser(t *testing.T, repo *fakeUserRepo, email, password string, active bool) *domain.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	u := &domain.User{
		Email:        email,
		PasswordHash: string(hash),
		Role:         domain.RoleDoctor,
		IsActive:     active,
	}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	return u
}

func TestLogin(t *testing.T) {
	svc, repo := newAuthFixture(t)
	seedUser(t, repo, "doc@example.com", "correct horse battery", true)
	seedUser(t, repo, "inactive@example.com", "correct horse battery", false)

	t.Run("valid credentials", func(t *testing.T) {
		pair, err := svc.Login(context.Background(), "doc@example.com", "correct horse battery", "127.0.0.1")
		if err != nil {
			t.Fatalf("Login: %v", err)
		}
		if pair.AccessToken == "" || pair.RefreshToken == "" {
			t.Fatal("token pair is incomplete")
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := svc.Login(context.Background(), "doc@example.com", "wrong", "127.0.0.1")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err = %v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("unknown email", func(t *testing.T) {
		_, err := svc.Login(context.Background(), "nobody@example.com", "whatever", "127.0.0.1")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err = %v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("inactive account", func(t *testing.T) {
		_, err := svc.Login(context.Background(), "inactive@example.com", "correct horse battery", "127.0.0.1")
		if !errors.Is(err, ErrAccountInactive) {
			t.Fatalf("err = %v, want ErrAccountInactive", err)
		}
	})
}

func TestRefreshToken(t *testing.T) {
	svc, repo := newAuthFixture(t)
	user := seedUser(t, repo, "doc@example.com", "correct horse battery", true)

	pair, err := svc.Login(context.Background(), "doc@example.com", "correct horse battery", "127.0.0.1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	next, err := svc.RefreshToken(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if next.AccessToken == "" {
		t.Fatal("refreshed pair is incomplete")
	}

	t.Run("access token is rejected as refresh token", func(t *testing.T) {
		if _, err := svc.RefreshToken(context.Background(), pair.AccessToken); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err = %v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("deactivated user cannot refresh", func(t *testing.T) {
		user.IsActive = false
		defer func() { user.IsActive = true }()
		if _, err := svc.RefreshToken(context.Background(), pair.RefreshToken); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err = %v, want ErrInvalidCredentials", err)
		}
	})
}

func TestChangePassword(t *testing.T) {
	svc, repo := newAuthFixture(t)
	user := seedUser(t, repo, "doc@example.com", "correct horse battery", true)

	t.Run("wrong current password", func(t *testing.T) {
		err := svc.ChangePassword(context.Background(), user.ID, "wrong", "a long enough password")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err = %v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("too short replacement", func(t *testing.T) {
		err := svc.ChangePassword(context.Background(), user.ID, "correct horse battery", "short")
		var validErr *ValidationError
		if !errors.As(err, &validErr) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})

	t.Run("success stores a new hash", func(t *testing.T) {
		err := svc.ChangePassword(context.Background(), user.ID, "correct horse battery", "a long enough password")
		if err != nil {
			t.Fatalf("ChangePassword: %v", err)
		}
		hash, ok := repo.passwords[user.ID]
		if !ok {
			t.Fatal("no password update recorded")
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte("a long enough password")) != nil {
			t.Fatal("stored hash does not match the new password")
		}
	})
}
