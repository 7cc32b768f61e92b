package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/micfava/emed/internal/config"
	"github.com/micfava/emed/pkg/metrics"
)

type operation string

const (
	opUserSession    operation = "user_session"
	opUserSessionOTP operation = "user_session_otp"
	opCitizenSession operation = "citizen_session"
	opSamadCode      operation = "samad_code"
	opEntitlement    operation = "entitlement"
	opCheckItem      operation = "check_item"
	opRegister       operation = "register"
	opResend         operation = "resend"
	opTaminRegister  operation = "tamin_register"
	opTaminResend    operation = "tamin_resend"
	opFetch          operation = "fetch"
	opDelete         operation = "delete"
)

type endpoint struct {
	method string
	path   string
}

// Endpoints are table-driven rather than hard-coded per call site; the
// payload shapes stay insurer-specific but the transport does not care.
var endpoints = map[operation]endpoint{
	opUserSession:    {http.MethodPost, "/api/v1/salamat/session/user"},
	opUserSessionOTP: {http.MethodPost, "/api/v1/salamat/session/user/otp"},
	opCitizenSession: {http.MethodPost, "/api/v1/salamat/session/citizen"},
	opSamadCode:      {http.MethodPost, "/api/v1/salamat/samad"},
	opEntitlement:    {http.MethodPost, "/api/v1/estehghagh"},
	opCheckItem:      {http.MethodPost, "/api/v1/salamat/prescription/item"},
	opRegister:       {http.MethodPost, "/api/v1/salamat/prescription/register"},
	opResend:         {http.MethodPost, "/api/v1/salamat/prescription/resend"},
	opTaminRegister:  {http.MethodPost, "/api/v1/tamin/prescription/register"},
	opTaminResend:    {http.MethodPost, "/api/v1/tamin/prescription/resend"},
	opFetch:          {http.MethodPost, "/api/v1/salamat/prescription/fetch"},
	opDelete:         {http.MethodPost, "/api/v1/salamat/prescription/delete"},
}

// envelope is the gateway's outer response shape. Success is a pointer on
// purpose: many endpoints omit the flag entirely, and absence only counts as
// success when the payload itself is well-formed.
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type resultData struct {
	Data struct {
		ResCode    int             `json:"resCode"`
		ResMessage string          `json:"resMessage"`
		Info       json.RawMessage `json:"info"`
	} `json:"data"`
}

// DitasClient talks HTTP to the integration gateway. Every call carries the
// sanitized Basic token, is bounded by the configured timeout, and goes
// through a shared circuit breaker.
type DitasClient struct {
	baseURL string
	token   string
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Collector
}

func NewDitasClient(cfg config.GatewayConfig, log *zap.Logger, collector *metrics.Collector) *DitasClient {
	c := &DitasClient{
		baseURL: cfg.BaseURL,
		token:   SanitizeBasicToken(cfg.BasicToken),
		httpc:   &http.Client{Timeout: cfg.CallTimeout},
		timeout: cfg.CallTimeout,
		log:     log,
		metrics: collector,
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "ditas",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("gateway breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if collector != nil {
				if to == gobreaker.StateOpen {
					collector.GatewayBreakerOpen.Set(1)
				} else {
					collector.GatewayBreakerOpen.Set(0)
				}
			}
		},
	})

	return c
}

// call performs one gateway operation and returns the decoded envelope.
// Upstream bodies occasionally contain raw newlines inside JSON strings, so
// the body is newline-stripped before decoding.
func (c *DitasClient) call(ctx context.Context, op operation, payload any) (*envelope, error) {
	ep, ok := endpoints[op]
	if !ok {
		return nil, fmt.Errorf("unknown gateway operation %q", op)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, ep.method, c.baseURL+ep.path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.token)

	start := time.Now()
	raw, err := c.breaker.Execute(func() ([]byte, error) {
		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
		}

		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
	c.observe(op, time.Since(start), err)
	if err != nil {
		c.log.Error("gateway call failed",
			zap.String("operation", string(op)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, op, err)
	}

	raw = bytes.ReplaceAll(raw, []byte("\r\n"), nil)
	raw = bytes.ReplaceAll(raw, []byte("\n"), nil)

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: malformed payload: %v", ErrUnreachable, op, err)
	}

	if env.Success != nil && !*env.Success {
		callErr := &CallError{Operation: string(op), Message: env.Message}
		// Failure envelopes usually still carry the data block; its response
		// code keys the error catalog, so pull it out when present.
		var rd resultData
		if len(env.Result) > 0 && json.Unmarshal(env.Result, &rd) == nil {
			callErr.ResCode = rd.Data.ResCode
			if callErr.Message == "" {
				callErr.Message = rd.Data.ResMessage
			}
		}
		return &env, callErr
	}
	return &env, nil
}

func (c *DitasClient) observe(op operation, d time.Duration, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.GatewayCallsTotal.WithLabelValues(string(op), outcome).Inc()
	c.metrics.GatewayCallDuration.WithLabelValues(string(op)).Observe(d.Seconds())
}

func (c *DitasClient) data(env *envelope, op operation) (*resultData, error) {
	var rd resultData
	if err := json.Unmarshal(env.Result, &rd); err != nil {
		return nil, fmt.Errorf("%w: %s: malformed result: %v", ErrUnreachable, op, err)
	}
	return &rd, nil
}

type sessionInfo struct {
	SessionID string `json:"sessionId"`
	IsTwoStep bool   `json:"isTwoStep"`
}

func (c *DitasClient) CreateUserSession(ctx context.Context, creds Credentials) (*UserSession, error) {
	env, err := c.call(ctx, opUserSession, map[string]string{
		"username": creds.Username,
		"password": creds.Password,
	})
	if err != nil {
		return nil, err
	}
	rd, err := c.data(env, opUserSession)
	if err != nil {
		return nil, err
	}

	var info sessionInfo
	if len(rd.Data.Info) > 0 {
		if err := json.Unmarshal(rd.Data.Info, &info); err != nil {
			return nil, fmt.Errorf("%w: %s: malformed session info: %v", ErrUnreachable, opUserSession, err)
		}
	}
	// The OTP gate always runs here; callers can never skip it.
	if info.IsTwoStep {
		return nil, ErrTwoStepLogin
	}
	return &UserSession{SessionID: info.SessionID}, nil
}

func (c *DitasClient) VerifyUserSessionOTP(ctx context.Context, creds Credentials, otp string) (*UserSession, error) {
	env, err := c.call(ctx, opUserSessionOTP, map[string]string{
		"username": creds.Username,
		"password": creds.Password,
		"otp":      otp,
	})
	if err != nil {
		return nil, err
	}
	rd, err := c.data(env, opUserSessionOTP)
	if err != nil {
		return nil, err
	}

	var info sessionInfo
	if len(rd.Data.Info) > 0 {
		if err := json.Unmarshal(rd.Data.Info, &info); err != nil {
			return nil, fmt.Errorf("%w: %s: malformed session info: %v", ErrUnreachable, opUserSessionOTP, err)
		}
	}
	return &UserSession{SessionID: info.SessionID}, nil
}

func (c *DitasClient) CreateCitizenSession(ctx context.Context, creds Credentials, nationalCode string) (*CitizenSession, error) {
	env, err := c.call(ctx, opCitizenSession, map[string]string{
		"username":     creds.Username,
		"password":     creds.Password,
		"nationalCode": nationalCode,
	})
	if err != nil {
		return nil, err
	}
	rd, err := c.data(env, opCitizenSession)
	if err != nil {
		return nil, err
	}

	var info struct {
		SessionID  string `json:"sessionId"`
		IssuerType string `json:"issuerType"`
		FirstName  string `json:"firstName"`
		LastName   string `json:"lastName"`
		BirthDate  string `json:"birthDate"`
		Gender     string `json:"gender"`
	}
	if err := json.Unmarshal(rd.Data.Info, &info); err != nil {
		return nil, fmt.Errorf("%w: %s: malformed citizen info: %v", ErrUnreachable, opCitizenSession, err)
	}
	return &CitizenSession{
		SessionID:  info.SessionID,
		IssuerType: info.IssuerType,
		FirstName:  info.FirstName,
		LastName:   info.LastName,
		BirthDate:  info.BirthDate,
		Gender:     info.Gender,
	}, nil
}

// CreateSamadCode returns the supplementary code Salamat requires for later
// fetch and delete operations. This endpoint returns the code as a bare
// result value instead of the usual data envelope.
func (c *DitasClient) CreateSamadCode(ctx context.Context, creds Credentials, nationalCode string) (string, error) {
	env, err := c.call(ctx, opSamadCode, map[string]string{
		"username":     creds.Username,
		"password":     creds.Password,
		"nationalCode": nationalCode,
	})
	if err != nil {
		return "", err
	}

	var code string
	if err := json.Unmarshal(env.Result, &code); err != nil {
		return "", fmt.Errorf("%w: %s: malformed result: %v", ErrUnreachable, opSamadCode, err)
	}
	return code, nil
}

func (c *DitasClient) PatientEntitlement(ctx context.Context, medicalNo, nationalCode, siamCode string) (*Entitlement, error) {
	env, err := c.call(ctx, opEntitlement, map[string]string{
		"medicalNo":    medicalNo,
		"nationalCode": nationalCode,
		"siamCode":     siamCode,
	})
	if err != nil {
		return nil, err
	}
	rd, err := c.data(env, opEntitlement)
	if err != nil {
		return nil, err
	}

	var info struct {
		Insurer struct {
			CodedString string `json:"coded_string"`
		} `json:"insurer"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(rd.Data.Info, &info); err != nil {
		return nil, fmt.Errorf("%w: %s: malformed entitlement info: %v", ErrUnreachable, opEntitlement, err)
	}
	return &Entitlement{
		ResCode:     rd.Data.ResCode,
		InsurerCode: info.Insurer.CodedString,
		FirstName:   info.FirstName,
		LastName:    info.LastName,
		Message:     info.Message,
	}, nil
}

func (c *DitasClient) CheckItem(ctx context.Context, creds Credentials, nationalCode string, req *ItemCheckRequest) (*ItemCheck, error) {
	env, err := c.call(ctx, opCheckItem, struct {
		Username     string `json:"username"`
		Password     string `json:"password"`
		NationalCode string `json:"nationalCode"`
		*ItemCheckRequest
	}{creds.Username, creds.Password, nationalCode, req})
	if err != nil {
		return nil, err
	}
	rd, err := c.data(env, opCheckItem)
	if err != nil {
		return nil, err
	}

	var info struct {
		CheckCode       string          `json:"checkCode"`
		IsAllowed       bool            `json:"isAllowed"`
		HasContract     *bool           `json:"hasContract"`
		MaxCoveredCount int             `json:"maxCoveredCount"`
		Message         json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(rd.Data.Info, &info); err != nil {
		return nil, fmt.Errorf("%w: %s: malformed check info: %v", ErrUnreachable, opCheckItem, err)
	}
	return &ItemCheck{
		ResCode:         rd.Data.ResCode,
		CheckCode:       info.CheckCode,
		IsAllowed:       info.IsAllowed,
		HasContract:     info.HasContract,
		MaxCoveredCount: info.MaxCoveredCount,
		Message:         string(info.Message),
	}, nil
}

func (c *DitasClient) RegisterSalamat(ctx context.Context, creds Credentials, nationalCode string, checkCodes []string) (*SalamatRegistration, error) {
	return c.salamatRegistration(ctx, opRegister, creds, nationalCode, checkCodes)
}

func (c *DitasClient) ResendSalamat(ctx context.Context, creds Credentials, nationalCode string, checkCodes []string) (*SalamatRegistration, error) {
	return c.salamatRegistration(ctx, opResend, creds, nationalCode, checkCodes)
}

func (c *DitasClient) salamatRegistration(ctx context.Context, op operation, creds Credentials, nationalCode string, checkCodes []string) (*SalamatRegistration, error) {
	env, err := c.call(ctx, op, struct {
		Username     string   `json:"username"`
		Password     string   `json:"password"`
		NationalCode string   `json:"nationalCode"`
		CheckCodes   []string `json:"checkCodes"`
	}{creds.Username, creds.Password, nationalCode, checkCodes})
	if err != nil {
		return nil, err
	}
	rd, err := c.data(env, op)
	if err != nil {
		return nil, err
	}

	// Register and resend answer with different key casings for the same
	// tracking code field.
	var info struct {
		TrackingCode    string          `json:"trackingCode"`
		TrackingCodeAlt string          `json:"tracking_code"`
		SequenceNumber  string          `json:"sequenceNumber"`
		Message         json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(rd.Data.Info, &info); err != nil {
		return nil, fmt.Errorf("%w: %s: malformed registration info: %v", ErrUnreachable, op, err)
	}
	tracking := info.TrackingCode
	if tracking == "" {
		tracking = info.TrackingCodeAlt
	}
	return &SalamatRegistration{
		ResCode:        rd.Data.ResCode,
		ResMessage:     rd.Data.ResMessage,
		Message:        string(info.Message),
		TrackingCode:   tracking,
		SequenceNumber: info.SequenceNumber,
	}, nil
}

func (c *DitasClient) RegisterTamin(ctx context.Context, doc PhysicianIdentity, nationalCode, siamCode string, items []TaminItem) (*TaminRegistration, error) {
	return c.taminRegistration(ctx, opTaminRegister, doc, nationalCode, siamCode, items)
}

func (c *DitasClient) ResendTamin(ctx context.Context, doc PhysicianIdentity, nationalCode, siamCode string, items []TaminItem) (*TaminRegistration, error) {
	return c.taminRegistration(ctx, opTaminResend, doc, nationalCode, siamCode, items)
}

func (c *DitasClient) taminRegistration(ctx context.Context, op operation, doc PhysicianIdentity, nationalCode, siamCode string, items []TaminItem) (*TaminRegistration, error) {
	env, err := c.call(ctx, op, struct {
		Doc          PhysicianIdentity `json:"doc"`
		NationalCode string            `json:"nationalCode"`
		SiamCode     string            `json:"siamCode"`
		Items        []TaminItem       `json:"items"`
	}{doc, nationalCode, siamCode, items})

	// Tamin failures carry a per-prescription message list the caller needs
	// for classification, so decode the body even on an explicit failure.
	var callErr *CallError
	if err != nil && !errors.As(err, &callErr) {
		return nil, err
	}

	var out struct {
		TrackingCode    string `json:"trackingCode"`
		TrackingCodeAlt string `json:"tracking_code"`
		Prescriptions   []struct {
			Message string `json:"message"`
		} `json:"prescriptions"`
	}
	if decodeErr := json.Unmarshal(env.Result, &out); decodeErr != nil {
		if callErr != nil {
			return nil, callErr
		}
		return nil, fmt.Errorf("%w: %s: malformed result: %v", ErrUnreachable, op, decodeErr)
	}

	message := ""
	if len(out.Prescriptions) > 0 {
		message = out.Prescriptions[0].Message
	}
	if callErr != nil {
		if message != "" {
			callErr.Message = message
		}
		return nil, callErr
	}

	tracking := out.TrackingCode
	if tracking == "" {
		tracking = out.TrackingCodeAlt
	}
	return &TaminRegistration{TrackingCode: tracking, Message: message}, nil
}

func (c *DitasClient) Fetch(ctx context.Context, creds Credentials, nationalCode, samadCode string) (*FetchedPrescription, error) {
	env, err := c.call(ctx, opFetch, map[string]string{
		"username":     creds.Username,
		"password":     creds.Password,
		"nationalCode": nationalCode,
		"samadCode":    samadCode,
	})
	if err != nil {
		return nil, err
	}
	rd, err := c.data(env, opFetch)
	if err != nil {
		return nil, err
	}

	var info struct {
		TrackingCode string        `json:"trackingCode"`
		Items        []FetchedItem `json:"items"`
	}
	if err := json.Unmarshal(rd.Data.Info, &info); err != nil {
		return nil, fmt.Errorf("%w: %s: malformed fetch info: %v", ErrUnreachable, opFetch, err)
	}
	return &FetchedPrescription{TrackingCode: info.TrackingCode, Items: info.Items}, nil
}

func (c *DitasClient) Delete(ctx context.Context, creds Credentials, nationalCode, samadCode string) (*DeleteResult, error) {
	env, err := c.call(ctx, opDelete, map[string]string{
		"username":     creds.Username,
		"password":     creds.Password,
		"nationalCode": nationalCode,
		"samadCode":    samadCode,
	})
	if err != nil {
		return nil, err
	}
	rd, err := c.data(env, opDelete)
	if err != nil {
		return nil, err
	}

	var info struct {
		TrackingCode string `json:"trackingCode"`
	}
	if err := json.Unmarshal(rd.Data.Info, &info); err != nil {
		return nil, fmt.Errorf("%w: %s: malformed delete info: %v", ErrUnreachable, opDelete, err)
	}
	return &DeleteResult{TrackingCode: info.TrackingCode}, nil
}
