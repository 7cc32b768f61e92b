package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/micfava/emed/internal/domain"
	"github.com/micfava/emed/internal/domain/prescription"
	"github.com/micfava/emed/internal/gateway"
)

// salamatRegistrar submits the check codes accumulated by item
// authorization in one bulk call.
type salamatRegistrar struct {
	gw    gateway.Client
	items prescription.ItemRepository
}

func (r *salamatRegistrar) register(ctx context.Context, phys *domain.Physician, p *prescription.Prescription) (*registrationOutcome, error) {
	codes, err := r.checkCodes(ctx, p)
	if err != nil {
		return nil, err
	}
	return r.submit(ctx, phys, p, codes, false)
}

func (r *salamatRegistrar) resend(ctx context.Context, phys *domain.Physician, p *prescription.Prescription) (*registrationOutcome, error) {
	codes, err := r.checkCodes(ctx, p)
	if err != nil {
		return nil, err
	}
	return r.submit(ctx, phys, p, codes, true)
}

// checkCodes enforces the registration precondition locally: every item must
// carry a live check code before any gateway call is spent.
func (r *salamatRegistrar) checkCodes(ctx context.Context, p *prescription.Prescription) ([]string, error) {
	items, err := r.items.ListByPrescription(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, &ValidationError{Fields: []string{"prescription has no items"}}
	}

	codes := make([]string, 0, len(items))
	for _, item := range items {
		if item.CheckRevoked {
			return nil, prescription.ErrRevokedCheckCode
		}
		if item.CheckCode == nil || *item.CheckCode == "" {
			return nil, prescription.ErrMissingCheckCodes
		}
		codes = append(codes, *item.CheckCode)
	}
	return codes, nil
}

func (r *salamatRegistrar) submit(ctx context.Context, phys *domain.Physician, p *prescription.Prescription, codes []string, resend bool) (*registrationOutcome, error) {
	creds := gateway.Credentials{Username: phys.GatewayUser, Password: phys.GatewayPass}

	// The user session must be live before any Salamat write; a two-step
	// login interruption surfaces here, before check codes are spent.
	if _, err := r.gw.CreateUserSession(ctx, creds); err != nil {
		return nil, err
	}

	var (
		res *gateway.SalamatRegistration
		err error
	)
	if resend {
		res, err = r.gw.ResendSalamat(ctx, creds, p.NationalCode, codes)
	} else {
		res, err = r.gw.RegisterSalamat(ctx, creds, p.NationalCode, codes)
	}
	if err != nil {
		return nil, err
	}

	// A well-formed reply with a non-success code is terminal for this
	// attempt; the row persisted by the coordinator keeps the diagnostics.
	if res.ResCode != gateway.ResCodeSuccess || res.TrackingCode == "" {
		return nil, &gateway.CallError{
			Operation: "register",
			ResCode:   res.ResCode,
			Message:   firstNonEmpty(res.Message, res.ResMessage),
		}
	}

	return &registrationOutcome{
		trackingCode: res.TrackingCode,
		sequence:     res.SequenceNumber,
		resCode:      res.ResCode,
		resMessage:   res.ResMessage,
		message:      res.Message,
	}, nil
}

// taminRegistrar registers the full item list in one call; Tamin issues no
// per-item check codes.
type taminRegistrar struct {
	gw      gateway.Client
	items   prescription.ItemRepository
	catalog prescription.CatalogRepository
}

func (r *taminRegistrar) register(ctx context.Context, phys *domain.Physician, p *prescription.Prescription) (*registrationOutcome, error) {
	return r.submit(ctx, phys, p, false)
}

func (r *taminRegistrar) resend(ctx context.Context, phys *domain.Physician, p *prescription.Prescription) (*registrationOutcome, error) {
	return r.submit(ctx, phys, p, true)
}

func (r *taminRegistrar) submit(ctx context.Context, phys *domain.Physician, p *prescription.Prescription, resend bool) (*registrationOutcome, error) {
	if phys.SiamCode == "" {
		return nil, prescription.ErrInvalidProviderBinding
	}

	payload, err := r.buildItems(ctx, p)
	if err != nil {
		return nil, err
	}

	doc := gateway.PhysicianIdentity{
		NationalCode: phys.NationalCode,
		MedicalNo:    phys.MedicalNo,
		Mobile:       phys.TaminMobile,
	}

	var res *gateway.TaminRegistration
	if resend {
		res, err = r.gw.ResendTamin(ctx, doc, p.NationalCode, phys.SiamCode, payload)
	} else {
		res, err = r.gw.RegisterTamin(ctx, doc, p.NationalCode, phys.SiamCode, payload)
	}
	if err != nil {
		// Tamin rejects registrations for patients whose mobile number is
		// not on file with them; that case gets its own error kind so the
		// caller can prompt for mobile verification instead of retrying.
		var callErr *gateway.CallError
		if errors.As(err, &callErr) && isMobileComplaint(callErr.Message) {
			// Keep the gateway error in the chain so auditing and the
			// attempt row still see the response code and message.
			return nil, fmt.Errorf("%w: %w", prescription.ErrMobileRegistrationNeeded, err)
		}
		return nil, err
	}

	if res.TrackingCode == "" {
		return nil, &gateway.CallError{Operation: "register", Message: res.Message}
	}

	return &registrationOutcome{
		trackingCode: res.TrackingCode,
		resCode:      gateway.ResCodeSuccess,
		message:      res.Message,
	}, nil
}

func (r *taminRegistrar) buildItems(ctx context.Context, p *prescription.Prescription) ([]gateway.TaminItem, error) {
	items, err := r.items.ListByPrescription(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, &ValidationError{Fields: []string{"prescription has no items"}}
	}

	payload := make([]gateway.TaminItem, 0, len(items))
	for _, item := range items {
		catalogItem, err := r.catalog.GetItem(ctx, item.ErxItemID)
		if err != nil {
			return nil, err
		}

		ti := gateway.TaminItem{
			NationalNumber: catalogItem.Code(domain.InsurerTamin),
			Count:          item.Count,
			NumberOfPeriod: item.Period,
			Description:    item.Description,
		}
		if item.ConsumptionID != uuid.Nil {
			c, err := r.catalog.GetConsumption(ctx, item.ConsumptionID)
			if err != nil {
				return nil, err
			}
			ti.Consumption = c.Code(domain.InsurerTamin)
		}
		if item.InstructionID != uuid.Nil {
			i, err := r.catalog.GetInstruction(ctx, item.InstructionID)
			if err != nil {
				return nil, err
			}
			ti.ConsumptionInstruction = i.Code(domain.InsurerTamin)
		}
		payload = append(payload, ti)
	}
	return payload, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
