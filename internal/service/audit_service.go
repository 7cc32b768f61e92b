package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/micfava/emed/internal/domain"
	"github.com/micfava/emed/internal/domain/prescription"
	"github.com/micfava/emed/internal/gateway"
	"github.com/micfava/emed/pkg/metrics"
)

type AuditRepository interface {
	Create(ctx context.Context, entry *domain.AuditLog) error
}

type AuditEntry struct {
	UserID       uuid.UUID
	Action       domain.AuditAction
	ResourceType string
	ResourceID   string
	IPAddress    string
	RequestID    string

	// Gateway fields; zero for local actions.
	Operation  string
	ResCode    *int
	ResMessage string
	Succeeded  bool
}

type AuditService struct {
	repo     AuditRepository
	errorLog prescription.ErrorLogRepository
	log      *zap.Logger
	metrics  *metrics.Collector
	entries  chan *domain.AuditLog
	done     chan struct{}
}

const auditBufferSize = 10_000

func NewAuditService(repo AuditRepository, errorLog prescription.ErrorLogRepository, log *zap.Logger, collector *metrics.Collector) *AuditService {
	svc := &AuditService{
		repo:     repo,
		errorLog: errorLog,
		log:      log,
		metrics:  collector,
		entries:  make(chan *domain.AuditLog, auditBufferSize),
		done:     make(chan struct{}),
	}
	go svc.worker()
	return svc
}

// LogAsync enqueues an audit entry for async persistence.
// If the buffer is full, the entry is dropped and a warning is emitted.
func (s *AuditService) LogAsync(ctx context.Context, entry AuditEntry) {
	al := &domain.AuditLog{
		UserID:       entry.UserID,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		IPAddress:    entry.IPAddress,
		RequestID:    entry.RequestID,
		Operation:    entry.Operation,
		ResCode:      entry.ResCode,
		ResMessage:   entry.ResMessage,
		Succeeded:    entry.Succeeded,
	}

	select {
	case s.entries <- al:
	default:
		s.log.Warn("audit log buffer full, dropping entry",
			zap.String("action", string(entry.Action)),
			zap.String("resource", entry.ResourceType),
		)
		if s.metrics != nil {
			s.metrics.AuditBufferDropped.Inc()
		}
	}
}

// RecordGatewayOutcome audits a gateway call and, when the gateway reported
// a non-success response code, stores its code and message in the error
// catalog exactly once.
func (s *AuditService) RecordGatewayOutcome(ctx context.Context, userID uuid.UUID, operation, resourceID string, resCode *int, resMessage string, succeeded bool) {
	s.LogAsync(ctx, AuditEntry{
		UserID:       userID,
		Action:       domain.ActionGateway,
		ResourceType: "gateway",
		ResourceID:   resourceID,
		Operation:    operation,
		ResCode:      resCode,
		ResMessage:   resMessage,
		Succeeded:    succeeded,
	})

	if succeeded || resCode == nil {
		return
	}
	if err := s.errorLog.Upsert(ctx, *resCode, resMessage, operation); err != nil {
		s.log.Error("failed to record gateway error code",
			zap.Int("res_code", *resCode),
			zap.Error(err),
		)
	}
}

// RecordGatewayError audits a failed gateway attempt of any kind. Explicit
// refusals keep their response code for the error catalog; transport and
// session failures are ledgered with no code.
func (s *AuditService) RecordGatewayError(ctx context.Context, userID uuid.UUID, operation, resourceID string, err error) {
	var callErr *gateway.CallError
	if errors.As(err, &callErr) {
		code := callErr.ResCode
		s.RecordGatewayOutcome(ctx, userID, operation, resourceID, &code, callErr.Message, false)
		return
	}
	s.RecordGatewayOutcome(ctx, userID, operation, resourceID, nil, err.Error(), false)
}

func (s *AuditService) Shutdown() {
	close(s.entries)
	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
		s.log.Warn("audit service shutdown timed out; some entries may be lost")
	}
}

func (s *AuditService) worker() {
	defer close(s.done)
	for entry := range s.entries {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.repo.Create(ctx, entry); err != nil {
			s.log.Error("failed to persist audit log", zap.Error(err))
		} else if s.metrics != nil {
			s.metrics.AuditEntriesTotal.Inc()
		}
		cancel()
	}
}
