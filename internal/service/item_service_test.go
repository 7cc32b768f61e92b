package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/micfava/emed/internal/domain"
	"github.com/micfava/emed/internal/domain/prescription"
	"github.com/micfava/emed/internal/gateway"
)

type itemFixture struct {
	svc           *ItemService
	gw            *fakeGateway
	prescriptions *fakePrescriptionRepo
	items         *fakeItemRepo
	itemLogs      *fakeItemLogRepo
	catalog       *fakeCatalogRepo
	audit         *fakeAuditRepo
	// flushAudit drains the async audit worker so tests can assert on
	// recorded entries. Safe to call more than once.
	flushAudit func()
}

func newItemFixture(t *testing.T) *itemFixture {
	t.Helper()
	gw := newFakeGateway()
	prescriptions := newFakePrescriptionRepo()
	items := newFakeItemRepo()
	itemLogs := &fakeItemLogRepo{}
	catalog := newFakeCatalogRepo()
	auditSvc, auditRepo, _ := newTestAuditService()
	var once sync.Once
	flush := func() { once.Do(auditSvc.Shutdown) }
	t.Cleanup(flush)

	svc := NewItemService(gw, prescriptions, items, itemLogs, catalog, auditSvc, NewPrescriptionLocks(), zap.NewNop(), nil)
	return &itemFixture{
		svc:           svc,
		gw:            gw,
		prescriptions: prescriptions,
		items:         items,
		itemLogs:      itemLogs,
		catalog:       catalog,
		audit:         auditRepo,
		flushAudit:    flush,
	}
}

func (f *itemFixture) seedPrescription(t *testing.T, phys *domain.Physician, insurer domain.InsurerType) *prescription.Prescription {
	t.Helper()
	p := &prescription.Prescription{
		UserID:       phys.UserID,
		ProviderID:   phys.ProviderID,
		NationalCode: "2222222222",
		IssuerType:   insurer,
	}
	if err := f.prescriptions.Create(context.Background(), p); err != nil {
		t.Fatalf("seeding prescription: %v", err)
	}
	return p
}

// seedCatalog registers a drug with both insurer code columns plus a
// consumption and instruction entry, and returns a ready command.
func (f *itemFixture) seedCatalog(prescriptionID uuid.UUID) *prescription.AddItemCommand {
	itemID, consumptionID, instructionID := uuid.New(), uuid.New(), uuid.New()
	f.catalog.items[itemID] = &prescription.ErxItem{
		ID: itemID, Name: "amoxicillin", Type: prescription.ItemTypeDrug,
		SalamatCode: "S100", TaminCode: "T100",
	}
	f.catalog.consumptions[consumptionID] = &prescription.ErxConsumption{
		ID: consumptionID, Name: "daily", SalamatCode: "SC1", TaminCode: "TC1",
	}
	f.catalog.instructions[instructionID] = &prescription.ErxInstruction{
		ID: instructionID, Name: "after meals", SalamatCode: "SI1", TaminCode: "TI1",
	}
	return &prescription.AddItemCommand{
		PrescriptionID: prescriptionID,
		ErxItemID:      itemID,
		ConsumptionID:  consumptionID,
		InstructionID:  instructionID,
		Count:          2,
		Period:         7,
		BulkID:         1,
	}
}

func TestAddItemSalamatPersistsCheckCode(t *testing.T) {
	f := newItemFixture(t)
	phys := testPhysician()
	p := f.seedPrescription(t, phys, domain.InsurerSalamat)
	cmd := f.seedCatalog(p.ID)

	var sent *gateway.ItemCheckRequest
	f.gw.checkItemFn = func(req *gateway.ItemCheckRequest) (*gateway.ItemCheck, error) {
		sent = req
		return &gateway.ItemCheck{ResCode: 1, CheckCode: "CK7", IsAllowed: true}, nil
	}

	item, err := f.svc.AddItem(context.Background(), phys, cmd, "127.0.0.1")
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if item.CheckCode == nil || *item.CheckCode != "CK7" {
		t.Fatalf("check code = %v, want CK7", item.CheckCode)
	}
	if sent.NationalNumber != "S100" {
		t.Fatalf("item code = %q, want the Salamat column S100", sent.NationalNumber)
	}
	if sent.Consumption != "SC1" {
		t.Fatalf("consumption = %q, want SC1", sent.Consumption)
	}
	if len(f.itemLogs.rows) != 1 {
		t.Fatalf("item logs = %d, want 1", len(f.itemLogs.rows))
	}
}

func TestAddItemTaminSkipsRemoteCheck(t *testing.T) {
	f := newItemFixture(t)
	phys := testPhysician()
	p := f.seedPrescription(t, phys, domain.InsurerTamin)
	cmd := f.seedCatalog(p.ID)

	item, err := f.svc.AddItem(context.Background(), phys, cmd, "127.0.0.1")
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if item.CheckCode != nil {
		t.Fatalf("check code = %q, want nil for Tamin", *item.CheckCode)
	}
	if f.gw.callCount("check_item") != 0 {
		t.Fatal("gateway check was called on the Tamin path")
	}
}

func TestAddItemDuplicateDoesNotSpendSecondCheck(t *testing.T) {
	f := newItemFixture(t)
	phys := testPhysician()
	p := f.seedPrescription(t, phys, domain.InsurerSalamat)
	cmd := f.seedCatalog(p.ID)

	if _, err := f.svc.AddItem(context.Background(), phys, cmd, "127.0.0.1"); err != nil {
		t.Fatalf("first AddItem: %v", err)
	}
	_, err := f.svc.AddItem(context.Background(), phys, cmd, "127.0.0.1")
	if !errors.Is(err, prescription.ErrDuplicateItem) {
		t.Fatalf("err = %v, want ErrDuplicateItem", err)
	}
	if n := f.gw.callCount("check_item"); n != 1 {
		t.Fatalf("gateway checks = %d, want 1", n)
	}
}

func TestAddItemRevokedCodeBlocksBeforeGateway(t *testing.T) {
	f := newItemFixture(t)
	phys := testPhysician()
	p := f.seedPrescription(t, phys, domain.InsurerSalamat)

	revoked := "OLD1"
	seeded := &prescription.Item{
		PrescriptionID: p.ID,
		ErxItemID:      uuid.New(),
		Type:           prescription.ItemTypeDrug,
		Count:          1,
		CheckCode:      &revoked,
		CheckRevoked:   true,
		CreatedBy:      phys.UserID,
	}
	if err := f.items.Create(context.Background(), seeded); err != nil {
		t.Fatalf("seeding revoked item: %v", err)
	}

	cmd := f.seedCatalog(p.ID)
	_, err := f.svc.AddItem(context.Background(), phys, cmd, "127.0.0.1")
	if !errors.Is(err, prescription.ErrRevokedCheckCode) {
		t.Fatalf("err = %v, want ErrRevokedCheckCode", err)
	}
	if f.gw.callCount("check_item") != 0 {
		t.Fatal("gateway check was called despite a revoked check code")
	}
}

func TestAddItemTwoStepLoginBlocksCheck(t *testing.T) {
	f := newItemFixture(t)
	phys := testPhysician()
	p := f.seedPrescription(t, phys, domain.InsurerSalamat)
	cmd := f.seedCatalog(p.ID)

	f.gw.userSessionFn = func() (*gateway.UserSession, error) {
		return nil, gateway.ErrTwoStepLogin
	}

	_, err := f.svc.AddItem(context.Background(), phys, cmd, "127.0.0.1")
	if !errors.Is(err, gateway.ErrTwoStepLogin) {
		t.Fatalf("err = %v, want ErrTwoStepLogin", err)
	}
	if f.gw.callCount("check_item") != 0 {
		t.Fatal("item check was spent despite the blocked login")
	}
	items, _ := f.items.ListByPrescription(context.Background(), p.ID)
	if len(items) != 0 {
		t.Fatalf("items persisted = %d, want 0", len(items))
	}
}

func TestAddItemUnreachableGatewayIsAudited(t *testing.T) {
	f := newItemFixture(t)
	phys := testPhysician()
	p := f.seedPrescription(t, phys, domain.InsurerSalamat)
	cmd := f.seedCatalog(p.ID)

	f.gw.checkItemFn = func(*gateway.ItemCheckRequest) (*gateway.ItemCheck, error) {
		return nil, fmt.Errorf("%w: check_item: connection refused", gateway.ErrUnreachable)
	}

	_, err := f.svc.AddItem(context.Background(), phys, cmd, "127.0.0.1")
	if !errors.Is(err, gateway.ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}

	f.flushAudit()
	entries := f.audit.gatewayEntries("check_item")
	if len(entries) != 1 {
		t.Fatalf("check_item audit entries = %d, want 1", len(entries))
	}
	if entries[0].Succeeded {
		t.Fatal("transport failure was audited as a success")
	}
	if entries[0].ResCode != nil {
		t.Fatalf("res code = %d, want none for a transport failure", *entries[0].ResCode)
	}
}

func TestAddItemFailedCheckPersistsNothing(t *testing.T) {
	f := newItemFixture(t)
	phys := testPhysician()
	p := f.seedPrescription(t, phys, domain.InsurerSalamat)
	cmd := f.seedCatalog(p.ID)

	f.gw.checkItemFn = func(*gateway.ItemCheckRequest) (*gateway.ItemCheck, error) {
		return &gateway.ItemCheck{ResCode: 3, Message: "not covered"}, nil
	}

	_, err := f.svc.AddItem(context.Background(), phys, cmd, "127.0.0.1")
	var callErr *gateway.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("err = %v, want gateway.CallError", err)
	}

	items, _ := f.items.ListByPrescription(context.Background(), p.ID)
	if len(items) != 0 {
		t.Fatalf("items persisted = %d, want 0 after failed authorization", len(items))
	}
}

func TestAddItemValidation(t *testing.T) {
	f := newItemFixture(t)
	phys := testPhysician()
	p := f.seedPrescription(t, phys, domain.InsurerSalamat)

	tests := []struct {
		name  string
		mod   func(cmd *prescription.AddItemCommand)
		field string
	}{
		{
			name:  "drug without consumption",
			mod:   func(cmd *prescription.AddItemCommand) { cmd.ConsumptionID = uuid.Nil },
			field: "consumption",
		},
		{
			name: "syrup without instruction",
			mod: func(cmd *prescription.AddItemCommand) {
				cmd.ActiveForm = "syrup"
				cmd.InstructionID = uuid.Nil
			},
			field: "instruction",
		},
		{
			name:  "non-positive count",
			mod:   func(cmd *prescription.AddItemCommand) { cmd.Count = 0 },
			field: "count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := f.seedCatalog(p.ID)
			tt.mod(cmd)

			_, err := f.svc.AddItem(context.Background(), phys, cmd, "127.0.0.1")
			var validErr *ValidationError
			if !errors.As(err, &validErr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if f.gw.callCount("check_item") != 0 {
				t.Fatal("gateway check was called for an invalid item")
			}
		})
	}
}

func TestUpdateItemRerunsAuthorization(t *testing.T) {
	f := newItemFixture(t)
	phys := testPhysician()
	p := f.seedPrescription(t, phys, domain.InsurerSalamat)
	cmd := f.seedCatalog(p.ID)

	codes := []string{"CK1", "CK2"}
	f.gw.checkItemFn = func(*gateway.ItemCheckRequest) (*gateway.ItemCheck, error) {
		code := codes[0]
		codes = codes[1:]
		return &gateway.ItemCheck{ResCode: 1, CheckCode: code, IsAllowed: true}, nil
	}

	item, err := f.svc.AddItem(context.Background(), phys, cmd, "127.0.0.1")
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	cmd.Count = 5
	updated, err := f.svc.UpdateItem(context.Background(), phys, item.ID, cmd, "127.0.0.1")
	if err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if updated.Count != 5 {
		t.Fatalf("count = %d, want 5", updated.Count)
	}
	if *updated.CheckCode != "CK2" {
		t.Fatalf("check code = %q, want the re-issued CK2", *updated.CheckCode)
	}
	if n := f.gw.callCount("check_item"); n != 2 {
		t.Fatalf("gateway checks = %d, want 2", n)
	}
}

func TestDeleteItemRemovesLogs(t *testing.T) {
	f := newItemFixture(t)
	phys := testPhysician()
	p := f.seedPrescription(t, phys, domain.InsurerSalamat)
	cmd := f.seedCatalog(p.ID)

	item, err := f.svc.AddItem(context.Background(), phys, cmd, "127.0.0.1")
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	if err := f.svc.DeleteItem(context.Background(), phys, p.ID, item.ID, "127.0.0.1"); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if len(f.itemLogs.rows) != 0 {
		t.Fatalf("item logs = %d, want 0 after delete", len(f.itemLogs.rows))
	}
	items, _ := f.items.ListByPrescription(context.Background(), p.ID)
	if len(items) != 0 {
		t.Fatalf("items = %d, want 0 after delete", len(items))
	}
}
