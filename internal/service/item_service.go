package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/micfava/emed/internal/domain"
	"github.com/micfava/emed/internal/domain/prescription"
	"github.com/micfava/emed/internal/gateway"
	"github.com/micfava/emed/pkg/metrics"
)

// syrupLikeForms are dosage forms that cannot be prescribed without an
// explicit consumption instruction.
var syrupLikeForms = map[string]bool{
	"syrup":      true,
	"suspension": true,
	"drop":       true,
	"elixir":     true,
}

type ItemService struct {
	gw            gateway.Client
	prescriptions prescription.Repository
	items         prescription.ItemRepository
	itemLogs      prescription.ItemLogRepository
	catalog       prescription.CatalogRepository
	auditSvc      *AuditService
	log           *zap.Logger
	metrics       *metrics.Collector
	locks         *PrescriptionLocks
}

func NewItemService(
	gw gateway.Client,
	prescriptions prescription.Repository,
	items prescription.ItemRepository,
	itemLogs prescription.ItemLogRepository,
	catalog prescription.CatalogRepository,
	auditSvc *AuditService,
	locks *PrescriptionLocks,
	log *zap.Logger,
	collector *metrics.Collector,
) *ItemService {
	return &ItemService{
		gw:            gw,
		prescriptions: prescriptions,
		items:         items,
		itemLogs:      itemLogs,
		catalog:       catalog,
		auditSvc:      auditSvc,
		log:           log,
		metrics:       collector,
		locks:         locks,
	}
}

// resolvedItem carries the catalog lookups for one candidate line, with
// codes already keyed by the prescription's insurer.
type resolvedItem struct {
	catalogItem *prescription.ErxItem
	consumption string
	instruction string
}

// AddItem authorizes one prescription line and persists it. Authorization
// and persistence are one atomic step: a failed gateway check leaves no row
// behind.
func (s *ItemService) AddItem(ctx context.Context, phys *domain.Physician, cmd *prescription.AddItemCommand, ip string) (*prescription.Item, error) {
	s.locks.lock(cmd.PrescriptionID)
	defer s.locks.unlock(cmd.PrescriptionID)

	p, err := s.prescriptions.GetByID(ctx, cmd.PrescriptionID)
	if err != nil {
		return nil, err
	}
	if !p.OwnedBy(phys.UserID) {
		return nil, prescription.ErrNotOwner
	}

	// Duplicate catalog items are an error, not an authorization failure;
	// catching it here avoids spending a remote check on a doomed line.
	if _, err := s.items.GetByCatalogItem(ctx, p.ID, cmd.ErxItemID); err == nil {
		return nil, prescription.ErrDuplicateItem
	} else if !errors.Is(err, prescription.ErrItemNotFound) {
		return nil, err
	}

	resolved, err := s.resolveCatalog(ctx, p.IssuerType, cmd)
	if err != nil {
		return nil, err
	}
	if err := validateItem(resolved, cmd); err != nil {
		return nil, err
	}

	item := &prescription.Item{
		PrescriptionID: p.ID,
		ErxItemID:      cmd.ErxItemID,
		ErxTypeID:      cmd.ErxTypeID,
		ConsumptionID:  cmd.ConsumptionID,
		InstructionID:  cmd.InstructionID,
		Type:           resolved.catalogItem.Type,
		Mode:           cmd.Mode,
		Count:          cmd.Count,
		Period:         cmd.Period,
		BulkID:         cmd.BulkID,
		ActiveForm:     cmd.ActiveForm,
		Description:    cmd.Description,
		CreatedBy:      phys.UserID,
	}

	var check *gateway.ItemCheck
	if p.IssuerType == domain.InsurerSalamat {
		check, err = s.authorize(ctx, phys, p, resolved, cmd)
		if err != nil {
			return nil, err
		}
		item.CheckCode = &check.CheckCode
	}

	if err := s.items.Create(ctx, item); err != nil {
		return nil, err
	}
	if check != nil {
		s.recordCheck(ctx, item, check, phys.UserID)
	}

	s.auditSvc.LogAsync(ctx, AuditEntry{
		UserID:       phys.UserID,
		Action:       domain.ActionCreate,
		ResourceType: "prescription_item",
		ResourceID:   item.ID.String(),
		IPAddress:    ip,
	})

	return item, nil
}

// UpdateItem replaces a line's dosage fields and re-runs authorization for
// Salamat prescriptions. The old check code is discarded either way.
func (s *ItemService) UpdateItem(ctx context.Context, phys *domain.Physician, itemID uuid.UUID, cmd *prescription.AddItemCommand, ip string) (*prescription.Item, error) {
	s.locks.lock(cmd.PrescriptionID)
	defer s.locks.unlock(cmd.PrescriptionID)

	p, err := s.prescriptions.GetByID(ctx, cmd.PrescriptionID)
	if err != nil {
		return nil, err
	}
	if !p.OwnedBy(phys.UserID) {
		return nil, prescription.ErrNotOwner
	}

	item, err := s.items.GetByCatalogItem(ctx, p.ID, cmd.ErxItemID)
	if err != nil {
		return nil, err
	}
	if item.ID != itemID {
		return nil, prescription.ErrItemNotFound
	}

	resolved, err := s.resolveCatalog(ctx, p.IssuerType, cmd)
	if err != nil {
		return nil, err
	}
	if err := validateItem(resolved, cmd); err != nil {
		return nil, err
	}

	item.ConsumptionID = cmd.ConsumptionID
	item.InstructionID = cmd.InstructionID
	item.Count = cmd.Count
	item.Period = cmd.Period
	item.BulkID = cmd.BulkID
	item.ActiveForm = cmd.ActiveForm
	item.Description = cmd.Description
	item.CheckCode = nil
	item.CheckRevoked = false

	var check *gateway.ItemCheck
	if p.IssuerType == domain.InsurerSalamat {
		check, err = s.authorize(ctx, phys, p, resolved, cmd)
		if err != nil {
			return nil, err
		}
		item.CheckCode = &check.CheckCode
	}

	if err := s.items.Update(ctx, item); err != nil {
		return nil, err
	}
	if check != nil {
		s.recordCheck(ctx, item, check, phys.UserID)
	}

	s.auditSvc.LogAsync(ctx, AuditEntry{
		UserID:       phys.UserID,
		Action:       domain.ActionUpdate,
		ResourceType: "prescription_item",
		ResourceID:   item.ID.String(),
		IPAddress:    ip,
	})

	return item, nil
}

func (s *ItemService) DeleteItem(ctx context.Context, phys *domain.Physician, prescriptionID, itemID uuid.UUID, ip string) error {
	s.locks.lock(prescriptionID)
	defer s.locks.unlock(prescriptionID)

	p, err := s.prescriptions.GetByID(ctx, prescriptionID)
	if err != nil {
		return err
	}
	if !p.OwnedBy(phys.UserID) {
		return prescription.ErrNotOwner
	}

	if err := s.itemLogs.DeleteByItem(ctx, itemID); err != nil {
		return err
	}
	if err := s.items.Delete(ctx, itemID); err != nil {
		return err
	}

	s.auditSvc.LogAsync(ctx, AuditEntry{
		UserID:       phys.UserID,
		Action:       domain.ActionDelete,
		ResourceType: "prescription_item",
		ResourceID:   itemID.String(),
		IPAddress:    ip,
	})
	return nil
}

func (s *ItemService) ListItems(ctx context.Context, phys *domain.Physician, prescriptionID uuid.UUID) ([]*prescription.Item, error) {
	p, err := s.prescriptions.GetByID(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	if !p.OwnedBy(phys.UserID) {
		return nil, prescription.ErrNotOwner
	}
	return s.items.ListByPrescription(ctx, prescriptionID)
}

// authorize runs the Salamat-only remote item check. The revoked-code guard
// runs first: it is a cheap local read that saves a doomed remote call.
func (s *ItemService) authorize(ctx context.Context, phys *domain.Physician, p *prescription.Prescription, resolved *resolvedItem, cmd *prescription.AddItemCommand) (*gateway.ItemCheck, error) {
	revoked, err := s.items.RevokedCheckCodes(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if len(revoked) > 0 {
		return nil, prescription.ErrRevokedCheckCode
	}

	creds := gateway.Credentials{Username: phys.GatewayUser, Password: phys.GatewayPass}

	// The user session must be live before the item check; a two-step login
	// interruption is surfaced to the caller rather than skipped.
	if _, err := s.gw.CreateUserSession(ctx, creds); err != nil {
		s.auditSvc.RecordGatewayError(ctx, phys.UserID, "user_session", p.ID.String(), err)
		return nil, err
	}

	req := &gateway.ItemCheckRequest{
		NationalNumber:         resolved.catalogItem.Code(p.IssuerType),
		Count:                  cmd.Count,
		Type:                   string(resolved.catalogItem.Type),
		Mode:                   cmd.Mode,
		Description:            cmd.Description,
		Consumption:            resolved.consumption,
		ConsumptionInstruction: resolved.instruction,
		NumberOfPeriod:         cmd.Period,
		BulkID:                 cmd.BulkID,
		ActiveForm:             cmd.ActiveForm,
	}

	check, err := s.gw.CheckItem(ctx, creds, p.NationalCode, req)
	if err != nil {
		s.auditSvc.RecordGatewayError(ctx, phys.UserID, "check_item", p.ID.String(), err)
		if s.metrics != nil {
			s.metrics.ItemChecksTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	s.auditSvc.RecordGatewayOutcome(ctx, phys.UserID, "check_item", p.ID.String(), &check.ResCode, check.Message, check.ResCode == gateway.ResCodeSuccess)

	if check.ResCode != gateway.ResCodeSuccess || check.CheckCode == "" {
		if s.metrics != nil {
			s.metrics.ItemChecksTotal.WithLabelValues("refused").Inc()
		}
		return nil, &gateway.CallError{Operation: "check_item", ResCode: check.ResCode, Message: check.Message}
	}

	if s.metrics != nil {
		s.metrics.ItemChecksTotal.WithLabelValues("ok").Inc()
	}
	return check, nil
}

func (s *ItemService) recordCheck(ctx context.Context, item *prescription.Item, check *gateway.ItemCheck, userID uuid.UUID) {
	l := &prescription.ItemLog{
		ItemID:     item.ID,
		ResCode:    &check.ResCode,
		IsAllowed:  check.IsAllowed,
		Contract:   check.HasContract,
		MaxCovered: check.MaxCoveredCount,
		Message:    check.Message,
		CheckCode:  item.CheckCode,
		CreatedBy:  userID,
	}
	if err := s.itemLogs.Create(ctx, l); err != nil {
		s.log.Error("failed to record item check log",
			zap.String("item_id", item.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *ItemService) resolveCatalog(ctx context.Context, insurer domain.InsurerType, cmd *prescription.AddItemCommand) (*resolvedItem, error) {
	catalogItem, err := s.catalog.GetItem(ctx, cmd.ErxItemID)
	if err != nil {
		return nil, fmt.Errorf("resolving catalog item: %w", err)
	}

	resolved := &resolvedItem{catalogItem: catalogItem}
	if cmd.ConsumptionID != uuid.Nil {
		c, err := s.catalog.GetConsumption(ctx, cmd.ConsumptionID)
		if err != nil {
			return nil, fmt.Errorf("resolving consumption: %w", err)
		}
		resolved.consumption = c.Code(insurer)
	}
	if cmd.InstructionID != uuid.Nil {
		i, err := s.catalog.GetInstruction(ctx, cmd.InstructionID)
		if err != nil {
			return nil, fmt.Errorf("resolving instruction: %w", err)
		}
		resolved.instruction = i.Code(insurer)
	}
	return resolved, nil
}

func validateItem(resolved *resolvedItem, cmd *prescription.AddItemCommand) error {
	var fields []string
	if cmd.Count <= 0 {
		fields = append(fields, "count must be positive")
	}
	if resolved.catalogItem.Type == prescription.ItemTypeDrug {
		if resolved.consumption == "" {
			fields = append(fields, "consumption is required for drug items")
		}
		if syrupLikeForms[cmd.ActiveForm] && resolved.instruction == "" {
			fields = append(fields, "instruction is required for this dosage form")
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
