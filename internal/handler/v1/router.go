package v1

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/micfava/emed/internal/domain"
	"github.com/micfava/emed/pkg/auth"
	"github.com/micfava/emed/pkg/metrics"
)

type RouterDeps struct {
	JWTManager *auth.JWTManager
	Metrics    *metrics.Collector
	Log        *zap.Logger

	AuthHandler         *AuthHandler
	PrescriptionHandler *PrescriptionHandler
	HisHandler          *HisHandler
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), Logging(deps.Log), Metrics(deps.Metrics))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.MetricsHandler()))

	api := r.Group("/api/v1")

	authGroup := api.Group("/auth")
	{
		authGroup.POST("/login", deps.AuthHandler.Login)
		authGroup.POST("/refresh", deps.AuthHandler.Refresh)
		authGroup.POST("/password", Authenticate(deps.JWTManager), deps.AuthHandler.ChangePassword)
	}

	doctor := api.Group("", Authenticate(deps.JWTManager), RequireRole(domain.RoleDoctor, domain.RoleAdmin))
	{
		doctor.POST("/patients/call", deps.PrescriptionHandler.CallPatient)
		doctor.POST("/patients/check", deps.PrescriptionHandler.CheckPatient)
		doctor.POST("/gateway/otp", deps.PrescriptionHandler.VerifyGatewayOTP)
		doctor.GET("/admissions/queue", deps.PrescriptionHandler.AdmissionQueue)

		doctor.POST("/prescriptions/:id/items", deps.PrescriptionHandler.AddItem)
		doctor.GET("/prescriptions/:id/items", deps.PrescriptionHandler.ListItems)
		doctor.PUT("/prescriptions/:id/items/:itemID", deps.PrescriptionHandler.UpdateItem)
		doctor.DELETE("/prescriptions/:id/items/:itemID", deps.PrescriptionHandler.DeleteItem)

		doctor.POST("/prescriptions/:id/register", deps.PrescriptionHandler.Register)
		doctor.DELETE("/prescriptions/:id", deps.PrescriptionHandler.Cancel)
		doctor.GET("/prescriptions/:id/print", deps.PrescriptionHandler.Print)

		doctor.POST("/registrations/:id/resend", deps.PrescriptionHandler.Resend)
		doctor.GET("/registrations", deps.PrescriptionHandler.ListRegistrations)

		doctor.GET("/prescriptions/fetch/:trackingCode", deps.PrescriptionHandler.Fetch)
		doctor.GET("/prescriptions/fetch-salamat/:trackingCode", deps.PrescriptionHandler.FetchSalamat)
	}

	his := api.Group("/his", Authenticate(deps.JWTManager), RequireRole(domain.RoleHIS, domain.RoleAdmin))
	{
		his.POST("/admissions", deps.HisHandler.Ingest)
	}

	return r
}
