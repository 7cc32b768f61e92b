package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/micfava/emed/internal/config"
	"github.com/micfava/emed/internal/domain"
	"github.com/micfava/emed/internal/domain/admission"
	"github.com/micfava/emed/internal/domain/prescription"
)

func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		PrepareStmt:                              true,
		DisableForeignKeyConstraintWhenMigrating: false,
		DisableAutomaticPing:                     false,
	}

	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DSN(),
		PreferSimpleProtocol: false,
	}), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

func Migrate(db *gorm.DB, log *zap.Logger) error {
	log.Info("running database migrations")
	start := time.Now()

	schemas := []string{"identity", "prescription", "audit"} // logical namespace
	for _, schema := range schemas {
		if err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)).Error; err != nil {
			return fmt.Errorf("creating schema %s: %w", schema, err)
		}
	}

	models := []any{
		&domain.User{},
		&domain.Employee{},
		&domain.Provider{},
		&domain.UserProvider{},
		&domain.AuditLog{},
		&prescription.ErxItem{},
		&prescription.ErxConsumption{},
		&prescription.ErxInstruction{},
		&prescription.Prescription{},
		&prescription.Item{},
		&prescription.Registration{},
		&prescription.ItemLog{},
		&prescription.ErrorLog{},
		&admission.Admission{},
	}

	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto-migrating models: %w", err)
	}

	if err := createIndexes(db); err != nil {
		return fmt.Errorf("creating indexes: %w", err)
	}

	log.Info("migrations completed", zap.Duration("duration", time.Since(start)))
	return nil
}

func createIndexes(db *gorm.DB) error {
	indexes := []struct {
		name  string
		query string
	}{
		// The admission fast path scans a 24h window by patient and provider
		{
			name:  "idx_admissions_queue",
			query: `CREATE INDEX IF NOT EXISTS idx_admissions_queue ON prescription.admissions (national_code, provider_siam_code, created_at) WHERE is_visited = false`,
		},
		{
			name:  "idx_prescriptions_owner",
			query: `CREATE INDEX IF NOT EXISTS idx_prescriptions_owner ON prescription.prescriptions (user_id, created_at) WHERE deleted_at IS NULL`,
		},
		{
			name:  "idx_registrations_tracking",
			query: `CREATE INDEX IF NOT EXISTS idx_registrations_tracking ON prescription.registrations (tracking_code) WHERE tracking_code IS NOT NULL`,
		},
		{
			name:  "idx_audit_logs_user_time",
			query: `CREATE INDEX IF NOT EXISTS idx_audit_logs_user_time ON audit.logs (user_id, created_at)`,
		},
	}

	for _, idx := range indexes {
		if err := db.Exec(idx.query).Error; err != nil {
			_ = err
		}
	}

	return nil
}
