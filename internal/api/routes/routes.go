package routes

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/Wikid82/cerberus/internal/api/handlers"
	"github.com/Wikid82/cerberus/internal/api/middleware"
	"github.com/Wikid82/cerberus/internal/cerberus"
	"github.com/Wikid82/cerberus/internal/config"
	"github.com/Wikid82/cerberus/internal/logger"
	"github.com/Wikid82/cerberus/internal/services"
)

// Deps carries what the HTTP layer needs from the process.
type Deps struct {
	DB       *gorm.DB
	Config   config.Config
	Engine   *cerberus.Engine
	Registry *prometheus.Registry
}

// Register wires up API routes. The engine guard runs in front of the public
// /api/v1 routes. Admin routes require a JWT with the admin role instead and are
// not guarded, so an operator whose address was blocked can still lift it.
func Register(router *gin.Engine, deps Deps) error {
	if deps.DB == nil {
		return fmt.Errorf("register routes: nil database")
	}
	if deps.Engine == nil {
		return fmt.Errorf("register routes: nil engine")
	}
	cfg := deps.Config

	if deps.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}
	router.GET("/api/v1/health", handlers.HealthHandler(deps.Engine))

	api := router.Group("/api/v1")

	guard := cerberus.NewGuard(cfg.Security, deps.Engine)
	api.Use(guard.Middleware())

	securityService := services.NewSecurityService(deps.DB)
	notificationService := services.NewNotificationService(deps.DB)

	securityHandler := handlers.NewSecurityHandler(cfg.Security, deps.Engine, securityService)
	api.GET("/security/status", securityHandler.GetStatus)
	api.GET("/security/metrics", securityHandler.GetMetrics)
	api.GET("/security/assessments", securityHandler.ListAssessments)
	api.GET("/security/blocks", securityHandler.ListBlocks)
	api.GET("/security/blocks/:ip", securityHandler.GetBlock)
	api.GET("/security/decisions", securityHandler.ListDecisions)

	if cfg.AdminJWTSecret == "" {
		logger.Log().Warn("CERBERUS_ADMIN_JWT_SECRET is empty, admin routes will reject every request")
	}

	admin := router.Group("/api/v1")
	admin.Use(middleware.AuthMiddleware(cfg.AdminJWTSecret), middleware.RequireRole("admin"))
	{
		admin.POST("/security/blocks", securityHandler.CreateBlock)
		admin.DELETE("/security/blocks/:ip", securityHandler.DeleteBlock)
		admin.DELETE("/security/blocks", securityHandler.ClearBlocks)
		admin.GET("/security/audits", securityHandler.ListAudits)
		admin.DELETE("/security/features/:name", securityHandler.EnableFeature)

		notificationHandler := handlers.NewNotificationHandler(notificationService)
		admin.GET("/notifications", notificationHandler.List)
		admin.POST("/notifications/:id/read", notificationHandler.MarkAsRead)
		admin.POST("/notifications/read-all", notificationHandler.MarkAllAsRead)

		providerHandler := handlers.NewNotificationProviderHandler(notificationService)
		providers := admin.Group("/notifications/providers")
		providers.Use(guard.FeatureGuard("notifications"))
		providers.GET("", providerHandler.List)
		providers.POST("", providerHandler.Create)
		providers.PUT("/:id", providerHandler.Update)
		providers.DELETE("/:id", providerHandler.Delete)
		providers.POST("/test", providerHandler.Test)
		providers.POST("/preview", providerHandler.Preview)
		admin.GET("/notifications/templates", providerHandler.Templates)
	}

	return nil
}
