package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/micfava/emed/internal/domain"
	"github.com/micfava/emed/internal/domain/admission"
	"github.com/micfava/emed/internal/domain/prescription"
	"github.com/micfava/emed/internal/gateway"
)

// fakeGateway counts calls per operation and delegates to optional function
// hooks, so tests can assert which remote calls were (not) spent.
type fakeGateway struct {
	mu    sync.Mutex
	calls map[string]int

	userSessionFn    func() (*gateway.UserSession, error)
	otpFn            func(otp string) (*gateway.UserSession, error)
	entitlementFn    func() (*gateway.Entitlement, error)
	citizenSessionFn func() (*gateway.CitizenSession, error)
	samadFn          func() (string, error)
	checkItemFn      func(req *gateway.ItemCheckRequest) (*gateway.ItemCheck, error)
	registerFn       func(checkCodes []string) (*gateway.SalamatRegistration, error)
	resendFn         func(checkCodes []string) (*gateway.SalamatRegistration, error)
	taminRegisterFn  func(items []gateway.TaminItem) (*gateway.TaminRegistration, error)
	taminResendFn    func(items []gateway.TaminItem) (*gateway.TaminRegistration, error)
	fetchFn          func() (*gateway.FetchedPrescription, error)
	deleteFn         func() (*gateway.DeleteResult, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{calls: make(map[string]int)}
}

func (f *fakeGateway) count(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fakeGateway) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeGateway) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakeGateway) CreateUserSession(ctx context.Context, creds gateway.Credentials) (*gateway.UserSession, error) {
	f.count("user_session")
	if f.userSessionFn != nil {
		return f.userSessionFn()
	}
	return &gateway.UserSession{SessionID: "s1"}, nil
}

func (f *fakeGateway) VerifyUserSessionOTP(ctx context.Context, creds gateway.Credentials, otp string) (*gateway.UserSession, error) {
	f.count("user_session_otp")
	if f.otpFn != nil {
		return f.otpFn(otp)
	}
	return &gateway.UserSession{SessionID: "s1"}, nil
}

func (f *fakeGateway) CreateCitizenSession(ctx context.Context, creds gateway.Credentials, nationalCode string) (*gateway.CitizenSession, error) {
	f.count("citizen_session")
	if f.citizenSessionFn != nil {
		return f.citizenSessionFn()
	}
	return &gateway.CitizenSession{SessionID: "c1", IssuerType: "B"}, nil
}

func (f *fakeGateway) CreateSamadCode(ctx context.Context, creds gateway.Credentials, nationalCode string) (string, error) {
	f.count("samad_code")
	if f.samadFn != nil {
		return f.samadFn()
	}
	return "SAMAD1", nil
}

func (f *fakeGateway) PatientEntitlement(ctx context.Context, medicalNo, nationalCode, siamCode string) (*gateway.Entitlement, error) {
	f.count("entitlement")
	if f.entitlementFn != nil {
		return f.entitlementFn()
	}
	return &gateway.Entitlement{ResCode: 1, InsurerCode: "2"}, nil
}

func (f *fakeGateway) CheckItem(ctx context.Context, creds gateway.Credentials, nationalCode string, req *gateway.ItemCheckRequest) (*gateway.ItemCheck, error) {
	f.count("check_item")
	if f.checkItemFn != nil {
		return f.checkItemFn(req)
	}
	return &gateway.ItemCheck{ResCode: 1, CheckCode: "CK1", IsAllowed: true}, nil
}

func (f *fakeGateway) RegisterSalamat(ctx context.Context, creds gateway.Credentials, nationalCode string, checkCodes []string) (*gateway.SalamatRegistration, error) {
	f.count("register")
	if f.registerFn != nil {
		return f.registerFn(checkCodes)
	}
	return &gateway.SalamatRegistration{ResCode: 1, TrackingCode: "T1"}, nil
}

func (f *fakeGateway) ResendSalamat(ctx context.Context, creds gateway.Credentials, nationalCode string, checkCodes []string) (*gateway.SalamatRegistration, error) {
	f.count("resend")
	if f.resendFn != nil {
		return f.resendFn(checkCodes)
	}
	return &gateway.SalamatRegistration{ResCode: 1, TrackingCode: "T1"}, nil
}

func (f *fakeGateway) RegisterTamin(ctx context.Context, doc gateway.PhysicianIdentity, nationalCode, siamCode string, items []gateway.TaminItem) (*gateway.TaminRegistration, error) {
	f.count("tamin_register")
	if f.taminRegisterFn != nil {
		return f.taminRegisterFn(items)
	}
	return &gateway.TaminRegistration{TrackingCode: "TT1"}, nil
}

func (f *fakeGateway) ResendTamin(ctx context.Context, doc gateway.PhysicianIdentity, nationalCode, siamCode string, items []gateway.TaminItem) (*gateway.TaminRegistration, error) {
	f.count("tamin_resend")
	if f.taminResendFn != nil {
		return f.taminResendFn(items)
	}
	return &gateway.TaminRegistration{TrackingCode: "TT1"}, nil
}

func (f *fakeGateway) Fetch(ctx context.Context, creds gateway.Credentials, nationalCode, samadCode string) (*gateway.FetchedPrescription, error) {
	f.count("fetch")
	if f.fetchFn != nil {
		return f.fetchFn()
	}
	return &gateway.FetchedPrescription{TrackingCode: "T1"}, nil
}

func (f *fakeGateway) Delete(ctx context.Context, creds gateway.Credentials, nationalCode, samadCode string) (*gateway.DeleteResult, error) {
	f.count("delete")
	if f.deleteFn != nil {
		return f.deleteFn()
	}
	return &gateway.DeleteResult{TrackingCode: "T1"}, nil
}

type fakePrescriptionRepo struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*prescription.Prescription
	byReg map[string]uuid.UUID
}

func newFakePrescriptionRepo() *fakePrescriptionRepo {
	return &fakePrescriptionRepo{
		rows:  make(map[uuid.UUID]*prescription.Prescription),
		byReg: make(map[string]uuid.UUID),
	}
}

func (r *fakePrescriptionRepo) Create(ctx context.Context, p *prescription.Prescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now()
	r.rows[p.ID] = p
	return nil
}

func (r *fakePrescriptionRepo) GetByID(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return nil, prescription.ErrPrescriptionNotFound
	}
	return p, nil
}

func (r *fakePrescriptionRepo) GetByTrackingCode(ctx context.Context, trackingCode string) (*prescription.Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byReg[trackingCode]
	if !ok {
		return nil, prescription.ErrPrescriptionNotFound
	}
	return r.rows[id], nil
}

func (r *fakePrescriptionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return prescription.ErrPrescriptionNotFound
	}
	delete(r.rows, id)
	return nil
}

type fakeItemRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*prescription.Item
}

func newFakeItemRepo() *fakeItemRepo {
	return &fakeItemRepo{rows: make(map[uuid.UUID]*prescription.Item)}
}

func (r *fakeItemRepo) Create(ctx context.Context, item *prescription.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rows {
		if existing.PrescriptionID == item.PrescriptionID && existing.ErxItemID == item.ErxItemID {
			return prescription.ErrDuplicateItem
		}
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.CreatedAt = time.Now()
	r.rows[item.ID] = item
	return nil
}

func (r *fakeItemRepo) Update(ctx context.Context, item *prescription.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[item.ID]; !ok {
		return prescription.ErrItemNotFound
	}
	r.rows[item.ID] = item
	return nil
}

func (r *fakeItemRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return prescription.ErrItemNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *fakeItemRepo) GetByCatalogItem(ctx context.Context, prescriptionID, erxItemID uuid.UUID) (*prescription.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range r.rows {
		if item.PrescriptionID == prescriptionID && item.ErxItemID == erxItemID {
			return item, nil
		}
	}
	return nil, prescription.ErrItemNotFound
}

func (r *fakeItemRepo) ListByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*prescription.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*prescription.Item
	for _, item := range r.rows {
		if item.PrescriptionID == prescriptionID {
			items = append(items, item)
		}
	}
	return items, nil
}

func (r *fakeItemRepo) CheckCodes(ctx context.Context, prescriptionID uuid.UUID) ([]string, error) {
	items, _ := r.ListByPrescription(ctx, prescriptionID)
	var codes []string
	for _, item := range items {
		if item.CheckCode != nil && !item.CheckRevoked {
			codes = append(codes, *item.CheckCode)
		}
	}
	return codes, nil
}

func (r *fakeItemRepo) RevokedCheckCodes(ctx context.Context, prescriptionID uuid.UUID) ([]string, error) {
	items, _ := r.ListByPrescription(ctx, prescriptionID)
	var codes []string
	for _, item := range items {
		if item.CheckRevoked && item.CheckCode != nil {
			codes = append(codes, *item.CheckCode)
		}
	}
	return codes, nil
}

type fakeRegistrationRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*prescription.Registration
}

func newFakeRegistrationRepo() *fakeRegistrationRepo {
	return &fakeRegistrationRepo{rows: make(map[uuid.UUID]*prescription.Registration)}
}

func (r *fakeRegistrationRepo) Create(ctx context.Context, reg *prescription.Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg.ID == uuid.Nil {
		reg.ID = uuid.New()
	}
	reg.CreatedAt = time.Now()
	r.rows[reg.ID] = reg
	return nil
}

func (r *fakeRegistrationRepo) Update(ctx context.Context, reg *prescription.Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[reg.ID]; !ok {
		return prescription.ErrRegistrationNotFound
	}
	r.rows[reg.ID] = reg
	return nil
}

func (r *fakeRegistrationRepo) GetByID(ctx context.Context, id uuid.UUID) (*prescription.Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.rows[id]
	if !ok {
		return nil, prescription.ErrRegistrationNotFound
	}
	return reg, nil
}

func (r *fakeRegistrationRepo) List(ctx context.Context, q *prescription.ListRegistrationsQuery) (*prescription.PagedRegistrations, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var regs []*prescription.Registration
	for _, reg := range r.rows {
		regs = append(regs, reg)
	}
	return &prescription.PagedRegistrations{Registrations: regs, TotalCount: int64(len(regs))}, nil
}

func (r *fakeRegistrationRepo) countByPrescription(prescriptionID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, reg := range r.rows {
		if reg.PrescriptionID == prescriptionID {
			n++
		}
	}
	return n
}

func (r *fakeRegistrationRepo) trackedByPrescription(prescriptionID uuid.UUID) []*prescription.Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var regs []*prescription.Registration
	for _, reg := range r.rows {
		if reg.PrescriptionID == prescriptionID && reg.TrackingCode != nil {
			regs = append(regs, reg)
		}
	}
	return regs
}

type fakeItemLogRepo struct {
	mu   sync.Mutex
	rows []*prescription.ItemLog
}

func (r *fakeItemLogRepo) Create(ctx context.Context, l *prescription.ItemLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, l)
	return nil
}

func (r *fakeItemLogRepo) DeleteByItem(ctx context.Context, itemID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.rows[:0]
	for _, l := range r.rows {
		if l.ItemID != itemID {
			kept = append(kept, l)
		}
	}
	r.rows = kept
	return nil
}

type fakeErrorLogRepo struct {
	mu   sync.Mutex
	rows map[int]string
}

func newFakeErrorLogRepo() *fakeErrorLogRepo {
	return &fakeErrorLogRepo{rows: make(map[int]string)}
}

func (r *fakeErrorLogRepo) Upsert(ctx context.Context, resCode int, message, description string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[resCode]; !ok {
		r.rows[resCode] = message
	}
	return nil
}

type fakeAdmissionRepo struct {
	mu   sync.Mutex
	rows []*admission.Admission
}

func (r *fakeAdmissionRepo) Create(ctx context.Context, a *admission.Admission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	r.rows = append(r.rows, a)
	return nil
}

func (r *fakeAdmissionRepo) FindActive(ctx context.Context, nationalCode, siamCode string, medicalNo *string, since time.Time) (*admission.Admission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.rows) - 1; i >= 0; i-- {
		a := r.rows[i]
		if a.NationalCode == nationalCode && a.ProviderSiamCode == siamCode && !a.IsVisited && a.CreatedAt.After(since) {
			return a, nil
		}
	}
	return nil, admission.ErrNotFound
}

func (r *fakeAdmissionRepo) MarkVisited(ctx context.Context, nationalCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.rows {
		if a.NationalCode == nationalCode {
			a.IsVisited = true
		}
	}
	return nil
}

func (r *fakeAdmissionRepo) Queue(ctx context.Context, siamCode string, medicalNo *string, since time.Time) ([]*admission.Admission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []*admission.Admission
	for _, a := range r.rows {
		if a.ProviderSiamCode == siamCode && !a.IsVisited && a.CreatedAt.After(since) {
			list = append(list, a)
		}
	}
	return list, nil
}

type fakeCatalogRepo struct {
	items        map[uuid.UUID]*prescription.ErxItem
	consumptions map[uuid.UUID]*prescription.ErxConsumption
	instructions map[uuid.UUID]*prescription.ErxInstruction
}

func newFakeCatalogRepo() *fakeCatalogRepo {
	return &fakeCatalogRepo{
		items:        make(map[uuid.UUID]*prescription.ErxItem),
		consumptions: make(map[uuid.UUID]*prescription.ErxConsumption),
		instructions: make(map[uuid.UUID]*prescription.ErxInstruction),
	}
}

func (r *fakeCatalogRepo) GetItem(ctx context.Context, id uuid.UUID) (*prescription.ErxItem, error) {
	item, ok := r.items[id]
	if !ok {
		return nil, prescription.ErrCatalogEntryNotFound
	}
	return item, nil
}

func (r *fakeCatalogRepo) GetConsumption(ctx context.Context, id uuid.UUID) (*prescription.ErxConsumption, error) {
	c, ok := r.consumptions[id]
	if !ok {
		return nil, prescription.ErrCatalogEntryNotFound
	}
	return c, nil
}

func (r *fakeCatalogRepo) GetInstruction(ctx context.Context, id uuid.UUID) (*prescription.ErxInstruction, error) {
	i, ok := r.instructions[id]
	if !ok {
		return nil, prescription.ErrCatalogEntryNotFound
	}
	return i, nil
}

type fakeAuditRepo struct {
	mu   sync.Mutex
	rows []*domain.AuditLog
}

func (r *fakeAuditRepo) Create(ctx context.Context, entry *domain.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, entry)
	return nil
}

func (r *fakeAuditRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *fakeAuditRepo) gatewayEntries(operation string) []*domain.AuditLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.AuditLog
	for _, e := range r.rows {
		if e.Action == domain.ActionGateway && e.Operation == operation {
			out = append(out, e)
		}
	}
	return out
}

func newTestAuditService() (*AuditService, *fakeAuditRepo, *fakeErrorLogRepo) {
	auditRepo := &fakeAuditRepo{}
	errorLogRepo := newFakeErrorLogRepo()
	return NewAuditService(auditRepo, errorLogRepo, zap.NewNop(), nil), auditRepo, errorLogRepo
}

func testPhysician() *domain.Physician {
	return &domain.Physician{
		UserID:       uuid.New(),
		NationalCode: "1111111111",
		MedicalNo:    "12345",
		TaminMobile:  "09120000000",
		GatewayUser:  "doc",
		GatewayPass:  "secret",
		ProviderID:   uuid.New(),
		SiamCode:     "SIAM1",
	}
}
