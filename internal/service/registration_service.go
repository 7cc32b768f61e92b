package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/micfava/emed/internal/domain"
	"github.com/micfava/emed/internal/domain/prescription"
	"github.com/micfava/emed/internal/gateway"
	"github.com/micfava/emed/pkg/metrics"
)

// PrescriptionLocks serializes every write path that touches one
// prescription's item list or registration state. Item authorization and the
// aggregate registration call share rows a concurrent attempt could observe
// half-written, so both services take the same lock instance.
type PrescriptionLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewPrescriptionLocks() *PrescriptionLocks {
	return &PrescriptionLocks{locks: make(map[uuid.UUID]*lockEntry)}
}

func (l *PrescriptionLocks) lock(id uuid.UUID) {
	l.mu.Lock()
	e, ok := l.locks[id]
	if !ok {
		e = &lockEntry{}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()
	e.mu.Lock()
}

func (l *PrescriptionLocks) unlock(id uuid.UUID) {
	l.mu.Lock()
	e := l.locks[id]
	e.refs--
	if e.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()
	e.mu.Unlock()
}

// registrationOutcome is the insurer-neutral result of one registration or
// resend call.
type registrationOutcome struct {
	trackingCode string
	sequence     string
	resCode      int
	resMessage   string
	message      string
}

// registrar is the per-insurer registration strategy. Both implementations
// share one contract so the coordinator stays insurer-agnostic.
type registrar interface {
	register(ctx context.Context, phys *domain.Physician, p *prescription.Prescription) (*registrationOutcome, error)
	resend(ctx context.Context, phys *domain.Physician, p *prescription.Prescription) (*registrationOutcome, error)
}

type RegistrationService struct {
	gw            gateway.Client
	prescriptions prescription.Repository
	items         prescription.ItemRepository
	registrations prescription.RegistrationRepository
	catalog       prescription.CatalogRepository
	auditSvc      *AuditService
	log           *zap.Logger
	metrics       *metrics.Collector
	locks         *PrescriptionLocks
}

func NewRegistrationService(
	gw gateway.Client,
	prescriptions prescription.Repository,
	items prescription.ItemRepository,
	registrations prescription.RegistrationRepository,
	catalog prescription.CatalogRepository,
	auditSvc *AuditService,
	locks *PrescriptionLocks,
	log *zap.Logger,
	collector *metrics.Collector,
) *RegistrationService {
	return &RegistrationService{
		gw:            gw,
		prescriptions: prescriptions,
		items:         items,
		registrations: registrations,
		catalog:       catalog,
		auditSvc:      auditSvc,
		log:           log,
		metrics:       collector,
		locks:         locks,
	}
}

func (s *RegistrationService) registrarFor(insurer domain.InsurerType) registrar {
	if insurer == domain.InsurerTamin {
		return &taminRegistrar{gw: s.gw, items: s.items, catalog: s.catalog}
	}
	return &salamatRegistrar{gw: s.gw, items: s.items}
}

// Register submits the prescription's accumulated items to its insurer and
// persists the attempt. A row with a tracking code is only written when the
// gateway confirms.
func (s *RegistrationService) Register(ctx context.Context, phys *domain.Physician, prescriptionID uuid.UUID, ip string) (*prescription.Registration, error) {
	s.locks.lock(prescriptionID)
	defer s.locks.unlock(prescriptionID)

	p, err := s.prescriptions.GetByID(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	if !p.OwnedBy(phys.UserID) {
		return nil, prescription.ErrNotOwner
	}
	if p.Registered() {
		return nil, prescription.ErrAlreadyRegistered
	}

	out, err := s.registrarFor(p.IssuerType).register(ctx, phys, p)
	s.recordRegistration(ctx, phys, p, "register", out, err)
	if err != nil {
		// An explicit gateway refusal still leaves an attempt row so the
		// failure is visible next to the prescription.
		var callErr *gateway.CallError
		if errors.As(err, &callErr) {
			attempt := &prescription.Registration{
				PrescriptionID: p.ID,
				ResCode:        callErr.ResCode,
				ResMessage:     callErr.Message,
			}
			if createErr := s.registrations.Create(ctx, attempt); createErr != nil {
				s.log.Error("failed to persist registration attempt", zap.Error(createErr))
			}
		}
		return nil, err
	}

	reg := &prescription.Registration{
		PrescriptionID: p.ID,
		TrackingCode:   &out.trackingCode,
		Sequence:       out.sequence,
		ResCode:        out.resCode,
		ResMessage:     out.resMessage,
		Message:        out.message,
	}
	if err := s.registrations.Create(ctx, reg); err != nil {
		return nil, err
	}

	s.log.Info("prescription registered",
		zap.String("prescription_id", p.ID.String()),
		zap.String("insurer", string(p.IssuerType)),
		zap.String("tracking_code", out.trackingCode),
	)
	return reg, nil
}

// Resend re-issues the registration call with the item and check-code set
// already on file. It never creates a second Registration row; it refreshes
// the stored one when the gateway answers with new fields.
func (s *RegistrationService) Resend(ctx context.Context, phys *domain.Physician, registrationID uuid.UUID, ip string) (*prescription.Registration, error) {
	reg, err := s.registrations.GetByID(ctx, registrationID)
	if err != nil {
		return nil, err
	}

	s.locks.lock(reg.PrescriptionID)
	defer s.locks.unlock(reg.PrescriptionID)

	p, err := s.prescriptions.GetByID(ctx, reg.PrescriptionID)
	if err != nil {
		return nil, err
	}
	if !p.OwnedBy(phys.UserID) {
		return nil, prescription.ErrNotOwner
	}

	out, err := s.registrarFor(p.IssuerType).resend(ctx, phys, p)
	s.recordRegistration(ctx, phys, p, "resend", out, err)
	if err != nil {
		return nil, err
	}

	if out.trackingCode != "" {
		reg.TrackingCode = &out.trackingCode
	}
	if out.sequence != "" {
		reg.Sequence = out.sequence
	}
	reg.ResCode = out.resCode
	reg.ResMessage = out.resMessage
	reg.Message = out.message
	if err := s.registrations.Update(ctx, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// Cancel removes a registered prescription. Salamat only: the local cascade
// delete runs strictly after the gateway confirms its own delete.
func (s *RegistrationService) Cancel(ctx context.Context, phys *domain.Physician, prescriptionID uuid.UUID, ip string) error {
	s.locks.lock(prescriptionID)
	defer s.locks.unlock(prescriptionID)

	p, err := s.prescriptions.GetByID(ctx, prescriptionID)
	if err != nil {
		return err
	}
	if !p.OwnedBy(phys.UserID) {
		return prescription.ErrNotOwner
	}
	if p.IssuerType == domain.InsurerTamin {
		return prescription.ErrCancellationNotSupported
	}
	if p.SamadCode == nil || *p.SamadCode == "" {
		return &ValidationError{Fields: []string{"prescription has no samad code"}}
	}

	res, err := s.gw.Delete(ctx, s.credentials(phys), p.NationalCode, *p.SamadCode)
	if err != nil {
		s.auditSvc.RecordGatewayError(ctx, phys.UserID, "delete", p.ID.String(), err)
		return err
	}
	s.auditSvc.RecordGatewayOutcome(ctx, phys.UserID, "delete", p.ID.String(), nil, res.TrackingCode, true)

	if err := s.prescriptions.Delete(ctx, p.ID); err != nil {
		return err
	}

	s.auditSvc.LogAsync(ctx, AuditEntry{
		UserID:       phys.UserID,
		Action:       domain.ActionDelete,
		ResourceType: "prescription",
		ResourceID:   p.ID.String(),
		IPAddress:    ip,
	})
	s.log.Info("prescription canceled", zap.String("prescription_id", p.ID.String()))
	return nil
}

// Fetch retrieves the registered document from the gateway by tracking code.
func (s *RegistrationService) Fetch(ctx context.Context, phys *domain.Physician, trackingCode string) (*gateway.FetchedPrescription, error) {
	p, err := s.prescriptions.GetByTrackingCode(ctx, trackingCode)
	if err != nil {
		return nil, err
	}
	if !p.OwnedBy(phys.UserID) {
		return nil, prescription.ErrNotOwner
	}
	if p.IssuerType != domain.InsurerSalamat {
		return nil, prescription.ErrSalamatOnly
	}
	if p.SamadCode == nil || *p.SamadCode == "" {
		return nil, &ValidationError{Fields: []string{"prescription has no samad code"}}
	}
	return s.gw.Fetch(ctx, s.credentials(phys), p.NationalCode, *p.SamadCode)
}

// DecoratedItem is the portal's presentation of one fetched line. Tamin and
// Salamat payloads name quantity fields differently; decoration folds both
// into this shape.
type DecoratedItem struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Count       string `json:"count"`
	Consumption string `json:"consumption"`
	Instruction string `json:"instruction"`
}

type DecoratedPrescription struct {
	TrackingCode string          `json:"tracking_code"`
	Items        []DecoratedItem `json:"items"`
}

// FetchDecorated fetches and decorates the registered document into the
// portal's item shape keyed by insurer type.
func (s *RegistrationService) FetchDecorated(ctx context.Context, phys *domain.Physician, trackingCode string) (*DecoratedPrescription, error) {
	p, err := s.prescriptions.GetByTrackingCode(ctx, trackingCode)
	if err != nil {
		return nil, err
	}
	if !p.OwnedBy(phys.UserID) {
		return nil, prescription.ErrNotOwner
	}
	if p.IssuerType != domain.InsurerSalamat {
		return nil, prescription.ErrSalamatOnly
	}
	if p.SamadCode == nil || *p.SamadCode == "" {
		return nil, &ValidationError{Fields: []string{"prescription has no samad code"}}
	}

	raw, err := s.gw.Fetch(ctx, s.credentials(phys), p.NationalCode, *p.SamadCode)
	if err != nil {
		return nil, err
	}
	return decorate(p.IssuerType, raw), nil
}

func decorate(insurer domain.InsurerType, raw *gateway.FetchedPrescription) *DecoratedPrescription {
	out := &DecoratedPrescription{TrackingCode: raw.TrackingCode}
	for _, it := range raw.Items {
		d := DecoratedItem{
			Name:        it.Name,
			Code:        it.Code,
			Consumption: it.Consumption,
			Instruction: it.Instruction,
		}
		if insurer == domain.InsurerTamin {
			d.Count = it.Amount
		} else {
			d.Count = strconv.Itoa(it.Count)
		}
		out.Items = append(out.Items, d)
	}
	return out
}

// List returns the physician's registrations, deduplicated by tracking code,
// defaulting to the last 24 hours.
func (s *RegistrationService) List(ctx context.Context, phys *domain.Physician, q *prescription.ListRegistrationsQuery) (*prescription.PagedRegistrations, error) {
	q.UserID = phys.UserID
	if q.Since.IsZero() {
		q.Since = time.Now().Add(-24 * time.Hour)
	}
	return s.registrations.List(ctx, q)
}

// Print returns the read-only projection of a prescription with its items
// and registrations, for rendering by the caller.
func (s *RegistrationService) Print(ctx context.Context, phys *domain.Physician, prescriptionID uuid.UUID) (*prescription.Prescription, error) {
	p, err := s.prescriptions.GetByID(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	if !p.OwnedBy(phys.UserID) {
		return nil, prescription.ErrNotOwner
	}
	return p, nil
}

func (s *RegistrationService) recordRegistration(ctx context.Context, phys *domain.Physician, p *prescription.Prescription, operation string, out *registrationOutcome, err error) {
	outcome := "ok"
	if err == nil {
		s.auditSvc.RecordGatewayOutcome(ctx, phys.UserID, operation, p.ID.String(), &out.resCode, out.resMessage, true)
	} else {
		outcome = "error"
		s.auditSvc.RecordGatewayError(ctx, phys.UserID, operation, p.ID.String(), err)
	}
	if s.metrics != nil {
		s.metrics.RegistrationsTotal.WithLabelValues(string(p.IssuerType), outcome).Inc()
	}
}

func (s *RegistrationService) credentials(phys *domain.Physician) gateway.Credentials {
	return gateway.Credentials{Username: phys.GatewayUser, Password: phys.GatewayPass}
}

