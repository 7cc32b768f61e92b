package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/micfava/emed/internal/config"
	"github.com/micfava/emed/internal/gateway"
	v1 "github.com/micfava/emed/internal/handler/v1"
	"github.com/micfava/emed/internal/repository"
	"github.com/micfava/emed/internal/service"
	"github.com/micfava/emed/pkg/auth"
	"github.com/micfava/emed/pkg/database"
	"github.com/micfava/emed/pkg/logger"
	"github.com/micfava/emed/pkg/metrics"
	"github.com/micfava/emed/pkg/tracer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	tp, err := tracer.Init(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := database.Migrate(db, log); err != nil {
		return err
	}

	collector := metrics.NewCollector("emed")
	jwtManager := auth.NewJWTManager(cfg.JWT)
	gw := gateway.NewDitasClient(cfg.Gateway, log.Named("gateway"), collector)

	userRepo := repository.NewUserRepository(db)
	prescriptionRepo := repository.NewPrescriptionRepository(db)
	itemRepo := repository.NewItemRepository(db)
	registrationRepo := repository.NewRegistrationRepository(db)
	itemLogRepo := repository.NewItemLogRepository(db)
	errorLogRepo := repository.NewErrorLogRepository(db)
	admissionRepo := repository.NewAdmissionRepository(db)
	catalogRepo := repository.NewCatalogRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	auditSvc := service.NewAuditService(auditRepo, errorLogRepo, log.Named("audit"), collector)
	defer auditSvc.Shutdown()

	// Item authorization and registration share one lock table so writes to
	// a prescription's item list never interleave with its registration.
	locks := service.NewPrescriptionLocks()

	authSvc := service.NewAuthService(userRepo, jwtManager, log.Named("auth"))
	eligSvc := service.NewEligibilityService(gw, prescriptionRepo, admissionRepo, auditSvc, log.Named("eligibility"), collector)
	itemSvc := service.NewItemService(gw, prescriptionRepo, itemRepo, itemLogRepo, catalogRepo, auditSvc, locks, log.Named("items"), collector)
	regSvc := service.NewRegistrationService(gw, prescriptionRepo, itemRepo, registrationRepo, catalogRepo, auditSvc, locks, log.Named("registration"), collector)

	router := v1.NewRouter(v1.RouterDeps{
		JWTManager:          jwtManager,
		Metrics:             collector,
		Log:                 log.Named("http"),
		AuthHandler:         v1.NewAuthHandler(authSvc),
		PrescriptionHandler: v1.NewPrescriptionHandler(authSvc, eligSvc, itemSvc, regSvc),
		HisHandler:          v1.NewHisHandler(eligSvc),
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}

	log.Info("server stopped")
	return nil
}
