package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/micfava/emed/internal/domain"
	"github.com/micfava/emed/internal/domain/admission"
	"github.com/micfava/emed/internal/domain/prescription"
	"github.com/micfava/emed/internal/gateway"
	"github.com/micfava/emed/pkg/metrics"
)

var nationalCodePattern = regexp.MustCompile(`^\d{10}$`)

// Eligibility is the outcome of resolving a patient against the insurers.
type Eligibility struct {
	Insurer       domain.InsurerType
	FirstName     string
	LastName      string
	FromAdmission bool
	Message       string
}

// CalledPatient is the result of calling a patient into a visit: their
// resolved eligibility plus the freshly opened prescription.
type CalledPatient struct {
	Eligibility
	Prescription *prescription.Prescription
}

type EligibilityService struct {
	gw            gateway.Client
	prescriptions prescription.Repository
	admissions    admission.Repository
	auditSvc      *AuditService
	log           *zap.Logger
	metrics       *metrics.Collector
}

func NewEligibilityService(
	gw gateway.Client,
	prescriptions prescription.Repository,
	admissions admission.Repository,
	auditSvc *AuditService,
	log *zap.Logger,
	collector *metrics.Collector,
) *EligibilityService {
	return &EligibilityService{
		gw:            gw,
		prescriptions: prescriptions,
		admissions:    admissions,
		auditSvc:      auditSvc,
		log:           log,
		metrics:       collector,
	}
}

// CheckPatient resolves a patient's insurer without opening a prescription.
func (s *EligibilityService) CheckPatient(ctx context.Context, phys *domain.Physician, nationalCode string) (*Eligibility, error) {
	if !nationalCodePattern.MatchString(nationalCode) {
		return nil, &ValidationError{Fields: []string{"national_code must be 10 digits"}}
	}
	if phys.SiamCode == "" {
		return nil, prescription.ErrInvalidProviderBinding
	}
	return s.resolve(ctx, phys, nationalCode)
}

// CallPatient resolves eligibility, consumes any queued admission, and opens
// an empty prescription for the visit.
func (s *EligibilityService) CallPatient(ctx context.Context, phys *domain.Physician, nationalCode, ip, requestID string) (*CalledPatient, error) {
	if !nationalCodePattern.MatchString(nationalCode) {
		return nil, &ValidationError{Fields: []string{"national_code must be 10 digits"}}
	}
	if phys.SiamCode == "" {
		return nil, prescription.ErrInvalidProviderBinding
	}

	elig, err := s.resolve(ctx, phys, nationalCode)
	if err != nil {
		return nil, err
	}

	// Salamat prescriptions need a samad code for later fetch and delete;
	// it is only issuable while the visit session is fresh.
	var samadCode *string
	if elig.Insurer == domain.InsurerSalamat && phys.HasGatewayCredentials() {
		code, err := s.gw.CreateSamadCode(ctx, s.credentials(phys), nationalCode)
		if err != nil {
			s.log.Warn("samad code unavailable",
				zap.String("national_code", nationalCode),
				zap.Error(err),
			)
		} else if code != "" {
			samadCode = &code
		}
	}

	p := &prescription.Prescription{
		UserID:       phys.UserID,
		ProviderID:   phys.ProviderID,
		NationalCode: nationalCode,
		IssuerType:   elig.Insurer,
		SamadCode:    samadCode,
	}
	if err := s.prescriptions.Create(ctx, p); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.PrescriptionsCreated.Inc()
	}

	// The patient leaves the waiting queue once called. A failure here must
	// not undo the already-created prescription.
	if err := s.admissions.MarkVisited(ctx, nationalCode); err != nil {
		s.log.Error("failed to mark admissions visited",
			zap.String("national_code", nationalCode),
			zap.Error(err),
		)
	}

	s.auditSvc.LogAsync(ctx, AuditEntry{
		UserID:       phys.UserID,
		Action:       domain.ActionCreate,
		ResourceType: "prescription",
		ResourceID:   p.ID.String(),
		IPAddress:    ip,
		RequestID:    requestID,
	})

	s.log.Info("patient called",
		zap.String("prescription_id", p.ID.String()),
		zap.String("insurer", string(elig.Insurer)),
		zap.Bool("from_admission", elig.FromAdmission),
	)

	return &CalledPatient{Eligibility: *elig, Prescription: p}, nil
}

// resolve determines the patient's insurer. A queued admission that carries
// an issuer type answers locally with no gateway call. Otherwise entitlement
// is authoritative; when it cannot answer, a citizen session decides by the
// issuer type it reports.
func (s *EligibilityService) resolve(ctx context.Context, phys *domain.Physician, nationalCode string) (*Eligibility, error) {
	elig := &Eligibility{}

	since := time.Now().Add(-admission.Window)
	adm, err := s.admissions.FindActive(ctx, nationalCode, phys.SiamCode, &phys.MedicalNo, since)
	if err == nil {
		elig.FromAdmission = true
		elig.FirstName = adm.FirstName
		elig.LastName = adm.LastName
		if adm.IssuerType != "" {
			elig.Insurer = domain.InsurerFromIssuerType(adm.IssuerType)
			return elig, nil
		}
	} else if !errors.Is(err, admission.ErrNotFound) {
		return nil, err
	}

	ent, err := s.gw.PatientEntitlement(ctx, phys.MedicalNo, nationalCode, phys.SiamCode)
	if err == nil && ent.ResCode == gateway.ResCodeSuccess {
		elig.Insurer = ent.Insurer()
		if ent.FirstName != "" {
			elig.FirstName = ent.FirstName
			elig.LastName = ent.LastName
		}
		elig.Message = ent.Message
		s.auditSvc.RecordGatewayOutcome(ctx, phys.UserID, "entitlement", nationalCode, &ent.ResCode, ent.Message, true)
		return elig, nil
	}
	if err != nil && !errors.Is(err, gateway.ErrUnreachable) {
		var callErr *gateway.CallError
		if !errors.As(err, &callErr) {
			return nil, err
		}
	}
	if ent != nil {
		s.auditSvc.RecordGatewayOutcome(ctx, phys.UserID, "entitlement", nationalCode, &ent.ResCode, ent.Message, false)
	}

	if !phys.HasGatewayCredentials() {
		return nil, fmt.Errorf("resolving insurer for %s: entitlement unavailable and no gateway credentials: %w", nationalCode, gateway.ErrUnreachable)
	}

	// A citizen session rides on the physician's user session, so that login
	// runs first. Its two-step interruption always surfaces to the caller.
	if _, err := s.gw.CreateUserSession(ctx, s.credentials(phys)); err != nil {
		s.auditSvc.RecordGatewayError(ctx, phys.UserID, "user_session", nationalCode, err)
		return nil, err
	}

	sess, err := s.gw.CreateCitizenSession(ctx, s.credentials(phys), nationalCode)
	if err != nil {
		s.auditSvc.RecordGatewayError(ctx, phys.UserID, "citizen_session", nationalCode, err)
		return nil, err
	}
	elig.Insurer = sess.Insurer()
	if sess.FirstName != "" {
		elig.FirstName = sess.FirstName
		elig.LastName = sess.LastName
	}
	return elig, nil
}

// VerifyGatewayOTP completes a two-step gateway login with the one-time code
// the insurer sent to the physician.
func (s *EligibilityService) VerifyGatewayOTP(ctx context.Context, phys *domain.Physician, otp string) error {
	if otp == "" {
		return &ValidationError{Fields: []string{"otp is required"}}
	}
	if !phys.HasGatewayCredentials() {
		return fmt.Errorf("verifying otp: no gateway credentials: %w", gateway.ErrUnreachable)
	}
	if _, err := s.gw.VerifyUserSessionOTP(ctx, s.credentials(phys), otp); err != nil {
		s.auditSvc.RecordGatewayError(ctx, phys.UserID, "user_session_otp", phys.UserID.String(), err)
		return err
	}
	return nil
}

// IngestAdmission stores one admission pushed by a hospital information
// system into the waiting queue.
func (s *EligibilityService) IngestAdmission(ctx context.Context, a *admission.Admission, ip string) error {
	var fields []string
	if !nationalCodePattern.MatchString(a.NationalCode) {
		fields = append(fields, "national_code must be 10 digits")
	}
	if a.ProviderSiamCode == "" {
		fields = append(fields, "provider_siam_code is required")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}

	if a.Datetime.IsZero() {
		a.Datetime = time.Now()
	}
	if err := s.admissions.Create(ctx, a); err != nil {
		return err
	}

	s.log.Info("admission ingested",
		zap.String("admission_id", a.ID.String()),
		zap.String("siam_code", a.ProviderSiamCode),
		zap.String("ip", ip),
	)
	return nil
}

// Queue lists the physician's unvisited admissions inside the rolling window.
func (s *EligibilityService) Queue(ctx context.Context, phys *domain.Physician) ([]*admission.Admission, error) {
	if phys.SiamCode == "" {
		return nil, prescription.ErrInvalidProviderBinding
	}
	since := time.Now().Add(-admission.Window)
	return s.admissions.Queue(ctx, phys.SiamCode, &phys.MedicalNo, since)
}

func (s *EligibilityService) credentials(phys *domain.Physician) gateway.Credentials {
	return gateway.Credentials{Username: phys.GatewayUser, Password: phys.GatewayPass}
}
