package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/micfava/emed/internal/domain/admission"
	"github.com/micfava/emed/internal/domain/prescription"
	"github.com/micfava/emed/internal/gateway"
	"github.com/micfava/emed/internal/repository"
	"github.com/micfava/emed/internal/service"
)

type APIResponse[T any] struct {
	Data    T      `json:"data"`
	Message string `json:"message,omitempty"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

type ValidationErrorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, APIResponse[any]{Data: data})
}

func respondCreated(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, APIResponse[any]{Data: data})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, ErrorResponse{Error: message})
}

func respondServiceError(c *gin.Context, err error) {
	var validErr *service.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, ValidationErrorResponse{
			Error:  "validation failed",
			Fields: validErr.Fields,
		})
		return
	}

	// These sentinels can wrap a gateway CallError, so they are matched
	// before the generic gateway-failure mapping.
	if errors.Is(err, prescription.ErrMobileRegistrationNeeded) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "MOBILE_REGISTRATION_REQUIRED",
		})
		return
	}
	if errors.Is(err, gateway.ErrTwoStepLogin) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "TWO_STEP_LOGIN_REQUIRED",
		})
		return
	}

	var callErr *gateway.CallError
	if errors.As(err, &callErr) {
		// The gateway's own message is the most useful diagnostic the
		// physician can get; surface it with the response code.
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: callErr.Message,
			Code:  "GATEWAY_CHECK_FAILED",
			Details: map[string]string{
				"operation": callErr.Operation,
				"res_code":  strconv.Itoa(callErr.ResCode),
			},
		})
		return
	}

	switch {
	case errors.Is(err, prescription.ErrPrescriptionNotFound),
		errors.Is(err, prescription.ErrItemNotFound),
		errors.Is(err, prescription.ErrRegistrationNotFound),
		errors.Is(err, prescription.ErrCatalogEntryNotFound),
		errors.Is(err, admission.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})

	case errors.Is(err, prescription.ErrDuplicateItem),
		errors.Is(err, prescription.ErrAlreadyRegistered):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})

	case errors.Is(err, prescription.ErrRevokedCheckCode),
		errors.Is(err, prescription.ErrMissingCheckCodes),
		errors.Is(err, prescription.ErrInvalidProviderBinding),
		errors.Is(err, prescription.ErrCancellationNotSupported),
		errors.Is(err, prescription.ErrSalamatOnly),
		errors.Is(err, repository.ErrNoActiveProvider):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})

	case errors.Is(err, gateway.ErrUnreachable):
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: "insurer gateway unreachable",
			Code:  "GATEWAY_UNREACHABLE",
		})

	case errors.Is(err, prescription.ErrNotOwner),
		errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "access denied"})

	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrAccountInactive):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})

	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

func bindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
		return false
	}
	return true
}

func parseUUID(c *gin.Context, param string) (uuid.UUID, bool) {
	raw := c.Param(param)
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid " + param + ": must be a valid UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func parseQueryInt(c *gin.Context, key string, defaultVal int) int {
	if raw := c.Query(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return defaultVal
}
