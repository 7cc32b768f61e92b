package v1

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/micfava/emed/internal/domain"
	"github.com/micfava/emed/internal/domain/prescription"
	"github.com/micfava/emed/internal/service"
)

type PrescriptionHandler struct {
	authSvc *service.AuthService
	eligSvc *service.EligibilityService
	itemSvc *service.ItemService
	regSvc  *service.RegistrationService
}

func NewPrescriptionHandler(
	authSvc *service.AuthService,
	eligSvc *service.EligibilityService,
	itemSvc *service.ItemService,
	regSvc *service.RegistrationService,
) *PrescriptionHandler {
	return &PrescriptionHandler{
		authSvc: authSvc,
		eligSvc: eligSvc,
		itemSvc: itemSvc,
		regSvc:  regSvc,
	}
}

// physician loads the authenticated physician context for this request.
func (h *PrescriptionHandler) physician(c *gin.Context) (*domain.Physician, bool) {
	claims := claimsFrom(c)
	if claims == nil {
		respondError(c, http.StatusUnauthorized, "not authenticated")
		return nil, false
	}
	phys, err := h.authSvc.Physician(c.Request.Context(), claims.UserID)
	if err != nil {
		respondServiceError(c, err)
		return nil, false
	}
	return phys, true
}

type patientRequest struct {
	NationalCode string `json:"national_code" binding:"required"`
}

func (h *PrescriptionHandler) CallPatient(c *gin.Context) {
	phys, ok := h.physician(c)
	if !ok {
		return
	}
	var req patientRequest
	if !bindJSON(c, &req) {
		return
	}

	called, err := h.eligSvc.CallPatient(c.Request.Context(), phys, req.NationalCode, c.ClientIP(), c.GetString(ctxRequestID))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondCreated(c, called)
}

func (h *PrescriptionHandler) CheckPatient(c *gin.Context) {
	phys, ok := h.physician(c)
	if !ok {
		return
	}
	var req patientRequest
	if !bindJSON(c, &req) {
		return
	}

	elig, err := h.eligSvc.CheckPatient(c.Request.Context(), phys, req.NationalCode)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, elig)
}

type otpRequest struct {
	OTP string `json:"otp" binding:"required"`
}

// VerifyGatewayOTP completes the insurer gateway's two-step login after a
// call was interrupted with TWO_STEP_LOGIN_REQUIRED.
func (h *PrescriptionHandler) VerifyGatewayOTP(c *gin.Context) {
	phys, ok := h.physician(c)
	if !ok {
		return
	}
	var req otpRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.eligSvc.VerifyGatewayOTP(c.Request.Context(), phys, req.OTP); err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, gin.H{"verified": true})
}

func (h *PrescriptionHandler) AdmissionQueue(c *gin.Context) {
	phys, ok := h.physician(c)
	if !ok {
		return
	}
	queue, err := h.eligSvc.Queue(c.Request.Context(), phys)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, queue)
}

type itemRequest struct {
	ErxItemID     uuid.UUID `json:"erx_item_id" binding:"required"`
	ErxTypeID     uuid.UUID `json:"erx_type_id"`
	ConsumptionID uuid.UUID `json:"erx_consumption_id"`
	InstructionID uuid.UUID `json:"erx_instruction_id"`
	Mode          string    `json:"mode"`
	Count         int       `json:"count" binding:"required"`
	Period        int       `json:"period"`
	BulkID        int       `json:"bulk_id"`
	ActiveForm    string    `json:"active_form"`
	Description   string    `json:"description"`
}

func (r *itemRequest) command(prescriptionID uuid.UUID) *prescription.AddItemCommand {
	bulkID := r.BulkID
	if bulkID == 0 {
		bulkID = 1
	}
	return &prescription.AddItemCommand{
		PrescriptionID: prescriptionID,
		ErxItemID:      r.ErxItemID,
		ErxTypeID:      r.ErxTypeID,
		ConsumptionID:  r.ConsumptionID,
		InstructionID:  r.InstructionID,
		Mode:           r.Mode,
		Count:          r.Count,
		Period:         r.Period,
		BulkID:         bulkID,
		ActiveForm:     r.ActiveForm,
		Description:    r.Description,
	}
}

func (h *PrescriptionHandler) AddItem(c *gin.Context) {
	phys, ok := h.physician(c)
	if !ok {
		return
	}
	prescriptionID, ok := parseUUID(c, "id")
	if !ok {
		return
	}
	var req itemRequest
	if !bindJSON(c, &req) {
		return
	}

	item, err := h.itemSvc.AddItem(c.Request.Context(), phys, req.command(prescriptionID), c.ClientIP())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondCreated(c, item)
}

func (h *PrescriptionHandler) UpdateItem(c *gin.Context) {
	phys, ok := h.physician(c)
	if !ok {
		return
	}
	prescriptionID, ok := parseUUID(c, "id")
	if !ok {
		return
	}
	itemID, ok := parseUUID(c, "itemID")
	if !ok {
		return
	}
	var req itemRequest
	if !bindJSON(c, &req) {
		return
	}

	item, err := h.itemSvc.UpdateItem(c.Request.Context(), phys, itemID, req.command(prescriptionID), c.ClientIP())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, item)
}

func (h *PrescriptionHandler) DeleteItem(c *gin.Context) {
	phys, ok := h.physician(c)
	if !ok {
		return
	}
	prescriptionID, ok := parseUUID(c, "id")
	if !ok {
		return
	}
	itemID, ok := parseUUID(c, "itemID")
	if !ok {
		return
	}

	if err := h.itemSvc.DeleteItem(c.Request.Context(), phys, prescriptionID, itemID, c.ClientIP()); err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, gin.H{"deleted": true})
}

func (h *PrescriptionHandler) ListItems(c *gin.Context) {
	phys, ok := h.physician(c)
	if !ok {
		return
	}
	prescriptionID, ok := parseUUID(c, "id")
	if !ok {
		return
	}

	items, err := h.itemSvc.ListItems(c.Request.Context(), phys, prescriptionID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, items)
}

func (h *PrescriptionHandler) Register(c *gin.Context) {
	phys, ok := h.physician(c)
	if !ok {
		return
	}
	prescriptionID, ok := parseUUID(c, "id")
	if !ok {
		return
	}

	reg, err := h.regSvc.Register(c.Request.Context(), phys, prescriptionID, c.ClientIP())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondCreated(c, reg)
}

func (h *PrescriptionHandler) Resend(c *gin.Context) {
	phys, ok := h.physician(c)
	if !ok {
		return
	}
	registrationID, ok := parseUUID(c, "id")
	if !ok {
		return
	}

	reg, err := h.regSvc.Resend(c.Request.Context(), phys, registrationID, c.ClientIP())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, reg)
}

func (h *PrescriptionHandler) ListRegistrations(c *gin.Context) {
	phys, ok := h.physician(c)
	if !ok {
		return
	}

	q := &prescription.ListRegistrationsQuery{
		Page:     parseQueryInt(c, "page", 1),
		PageSize: parseQueryInt(c, "page_size", 20),
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid since: must be RFC3339")
			return
		}
		q.Since = since
	}

	page, err := h.regSvc.List(c.Request.Context(), phys, q)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, page)
}

func (h *PrescriptionHandler) Fetch(c *gin.Context) {
	phys, ok := h.physician(c)
	if !ok {
		return
	}
	trackingCode := c.Param("trackingCode")
	if trackingCode == "" {
		respondError(c, http.StatusBadRequest, "tracking code is required")
		return
	}

	fetched, err := h.regSvc.Fetch(c.Request.Context(), phys, trackingCode)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, fetched)
}

func (h *PrescriptionHandler) FetchSalamat(c *gin.Context) {
	phys, ok := h.physician(c)
	if !ok {
		return
	}
	trackingCode := c.Param("trackingCode")
	if trackingCode == "" {
		respondError(c, http.StatusBadRequest, "tracking code is required")
		return
	}

	decorated, err := h.regSvc.FetchDecorated(c.Request.Context(), phys, trackingCode)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, decorated)
}

func (h *PrescriptionHandler) Cancel(c *gin.Context) {
	phys, ok := h.physician(c)
	if !ok {
		return
	}
	prescriptionID, ok := parseUUID(c, "id")
	if !ok {
		return
	}

	if err := h.regSvc.Cancel(c.Request.Context(), phys, prescriptionID, c.ClientIP()); err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, gin.H{"canceled": true})
}

func (h *PrescriptionHandler) Print(c *gin.Context) {
	phys, ok := h.physician(c)
	if !ok {
		return
	}
	prescriptionID, ok := parseUUID(c, "id")
	if !ok {
		return
	}

	p, err := h.regSvc.Print(c.Request.Context(), phys, prescriptionID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, p)
}
