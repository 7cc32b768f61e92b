package v1

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/micfava/emed/internal/domain/admission"
	"github.com/micfava/emed/internal/service"
)

// HisHandler is the surface for upstream hospital information systems
// pushing admissions into the waiting queue.
type HisHandler struct {
	eligSvc *service.EligibilityService
}

func NewHisHandler(eligSvc *service.EligibilityService) *HisHandler {
	return &HisHandler{eligSvc: eligSvc}
}

type admissionRequest struct {
	IssuerType       string    `json:"issuer_type"`
	ProviderSiamCode string    `json:"provider_siam_code" binding:"required"`
	Hospital         string    `json:"hospital"`
	MedicalNo        *string   `json:"medical_no"`
	NationalCode     string    `json:"national_code" binding:"required"`
	FirstName        string    `json:"fname"`
	LastName         string    `json:"lname"`
	SpecialtyName    string    `json:"specialty_name"`
	SpecialtyCode    string    `json:"specialty_code"`
	Payment          string    `json:"payment"`
	Validity         string    `json:"validity"`
	Datetime         time.Time `json:"datetime"`
}

func (h *HisHandler) Ingest(c *gin.Context) {
	var req admissionRequest
	if !bindJSON(c, &req) {
		return
	}

	a := &admission.Admission{
		IssuerType:       req.IssuerType,
		ProviderSiamCode: req.ProviderSiamCode,
		Hospital:         req.Hospital,
		MedicalNo:        req.MedicalNo,
		NationalCode:     req.NationalCode,
		FirstName:        req.FirstName,
		LastName:         req.LastName,
		SpecialtyName:    req.SpecialtyName,
		SpecialtyCode:    req.SpecialtyCode,
		Payment:          req.Payment,
		Validity:         req.Validity,
		Datetime:         req.Datetime,
	}
	if err := h.eligSvc.IngestAdmission(c.Request.Context(), a, c.ClientIP()); err != nil {
		respondServiceError(c, err)
		return
	}
	respondCreated(c, a)
}
