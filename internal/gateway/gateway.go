// Package gateway is the low-level transport to the DITAS insurance gateway.
// It normalizes the upstream duck-typed envelopes into typed results and
// typed errors so no downstream code re-interprets raw maps.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/micfava/emed/internal/domain"
)

// ResCodeSuccess is the gateway's success response code. Anything else in
// resCode is a refusal, with resCode 2 being terminal for registrations.
const ResCodeSuccess = 1

var (
	// ErrUnreachable covers transport-level failures: connection errors,
	// timeouts, 5xx responses and payloads that cannot be decoded.
	ErrUnreachable = errors.New("insurer gateway unreachable")
	// ErrTwoStepLogin means the physician's gateway account has OTP login
	// enabled. Not retryable without out-of-band action.
	ErrTwoStepLogin = errors.New("two-step login is enabled for this gateway account")
)

// CallError is an explicit non-success envelope from the gateway. The
// transport call itself succeeded; the gateway declined the operation.
type CallError struct {
	Operation string
	ResCode   int
	Message   string
}

func (e *CallError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway %s failed: %s (resCode=%d)", e.Operation, e.Message, e.ResCode)
	}
	return fmt.Sprintf("gateway %s failed (resCode=%d)", e.Operation, e.ResCode)
}

// Credentials are a physician's gateway login for session creation.
type Credentials struct {
	Username string
	Password string
}

type UserSession struct {
	SessionID string
	IsTwoStep bool
}

type CitizenSession struct {
	SessionID  string
	IssuerType string
	FirstName  string
	LastName   string
	BirthDate  string
	Gender     string
}

// Insurer derives the insurer type from the citizen session payload.
func (c *CitizenSession) Insurer() domain.InsurerType {
	return domain.InsurerFromIssuerType(c.IssuerType)
}

// Entitlement is the local entitlement service's answer; it can resolve the
// insurer without opening a gateway session.
type Entitlement struct {
	ResCode     int
	InsurerCode string // "1" means Tamin
	FirstName   string
	LastName    string
	Message     string
}

func (e *Entitlement) Insurer() domain.InsurerType {
	if e.InsurerCode == "1" {
		return domain.InsurerTamin
	}
	return domain.InsurerSalamat
}

// ItemCheckRequest is the normalized per-item authorization payload.
type ItemCheckRequest struct {
	NationalNumber         string `json:"nationalNumber"`
	Count                  int    `json:"count"`
	Type                   string `json:"type"`
	Mode                   string `json:"mode"`
	Description            string `json:"description"`
	Consumption            string `json:"consumption"`
	ConsumptionInstruction string `json:"consumptionInstruction"`
	NumberOfPeriod         int    `json:"numberOfPeriod"`
	BulkID                 int    `json:"bulkId"`
	ActiveForm             string `json:"activeForm"`
}

type ItemCheck struct {
	ResCode         int
	CheckCode       string
	IsAllowed       bool
	HasContract     *bool
	MaxCoveredCount int
	Message         string
}

type SalamatRegistration struct {
	ResCode        int
	ResMessage     string
	Message        string
	TrackingCode   string
	SequenceNumber string
}

type TaminRegistration struct {
	TrackingCode string
	Message      string
}

// TaminItem is one prescription line in the Tamin bulk registration payload;
// Tamin has no per-item check step, the full list goes in one call.
type TaminItem struct {
	NationalNumber         string `json:"nationalNumber"`
	Count                  int    `json:"count"`
	Consumption            string `json:"consumption"`
	ConsumptionInstruction string `json:"consumptionInstruction"`
	NumberOfPeriod         int    `json:"numberOfPeriod"`
	Description            string `json:"description"`
}

// PhysicianIdentity is the prescriber identity Tamin registration requires.
type PhysicianIdentity struct {
	NationalCode string `json:"nationalCode"`
	MedicalNo    string `json:"medicalNo"`
	Mobile       string `json:"mobile"`
}

type FetchedItem struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Count       int    `json:"count"`
	Consumption string `json:"consumption"`
	Instruction string `json:"instruction"`
	// Tamin payloads use a different code set for quantities.
	Amount string `json:"amount"`
}

type FetchedPrescription struct {
	TrackingCode string
	Items        []FetchedItem
}

type DeleteResult struct {
	TrackingCode string
}

// Client is the insurer gateway contract, one operation per protocol step.
// All operations are synchronous, blocking network I/O bounded by the
// context deadline; none of them retries writes.
type Client interface {
	CreateUserSession(ctx context.Context, creds Credentials) (*UserSession, error)
	VerifyUserSessionOTP(ctx context.Context, creds Credentials, otp string) (*UserSession, error)
	CreateCitizenSession(ctx context.Context, creds Credentials, nationalCode string) (*CitizenSession, error)
	CreateSamadCode(ctx context.Context, creds Credentials, nationalCode string) (string, error)
	PatientEntitlement(ctx context.Context, medicalNo, nationalCode, siamCode string) (*Entitlement, error)
	CheckItem(ctx context.Context, creds Credentials, nationalCode string, req *ItemCheckRequest) (*ItemCheck, error)
	RegisterSalamat(ctx context.Context, creds Credentials, nationalCode string, checkCodes []string) (*SalamatRegistration, error)
	ResendSalamat(ctx context.Context, creds Credentials, nationalCode string, checkCodes []string) (*SalamatRegistration, error)
	RegisterTamin(ctx context.Context, doc PhysicianIdentity, nationalCode, siamCode string, items []TaminItem) (*TaminRegistration, error)
	ResendTamin(ctx context.Context, doc PhysicianIdentity, nationalCode, siamCode string, items []TaminItem) (*TaminRegistration, error)
	Fetch(ctx context.Context, creds Credentials, nationalCode, samadCode string) (*FetchedPrescription, error)
	Delete(ctx context.Context, creds Credentials, nationalCode, samadCode string) (*DeleteResult, error)
}

var tokenSanitizer = regexp.MustCompile(`[^a-zA-Z0-9.?;:!@#$%^&*(){}_+=|-]`)

// SanitizeBasicToken strips every character outside the allowed set from a
// stored credential string and re-prefixes it with "Basic ". Tokens arrive
// from provider bootstrap with stray whitespace and control characters.
func SanitizeBasicToken(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "Basic ")
	return "Basic " + tokenSanitizer.ReplaceAllString(raw, "")
}
