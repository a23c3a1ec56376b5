package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"market_sync_backend/controllers"
)

// Handlers bundles the controllers mounted by SetupRoutes.
type Handlers struct {
	Health  *controllers.HealthController
	Sync    *controllers.SyncController
	Alerts  *controllers.AlertController
	Backups *controllers.BackupController
	Prices  *controllers.PriceController
	// WebSocket serves the broadcast endpoint.
	WebSocket http.HandlerFunc
	// Operator guards mutating routes.
	Operator gin.HandlerFunc
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, h Handlers) {
	operator := h.Operator
	if operator == nil {
		operator = func(c *gin.Context) { c.Next() }
	}

	router.GET("/health", h.Health.Liveness)
	router.GET("/ready", h.Health.Ready)
	router.GET("/ws", gin.WrapF(h.WebSocket))

	// API v1 group
	api := router.Group("/api/v1")
	{
		api.GET("/health", h.Health.GetHealth)
		api.GET("/statistics", h.Health.GetStatistics)

		// Sync and audit routes
		api.POST("/sync/:table", operator, h.Sync.SyncTable)
		api.POST("/audit/:table", operator, h.Sync.AuditTable)
		api.GET("/audits", h.Sync.GetAudits)

		// Alert routes
		alerts := api.Group("/alerts")
		{
			alerts.GET("", h.Alerts.GetAlerts)
			alerts.POST("/:id/ack", operator, h.Alerts.AcknowledgeAlert)
		}

		// Backup routes
		backups := api.Group("/backups")
		{
			backups.GET("", h.Backups.GetBackups)
			backups.POST("", operator, h.Backups.CreateBackup)
			backups.GET("/:id/verify", h.Backups.VerifyBackup)
		}

		// Price routes
		prices := api.Group("/prices")
		{
			prices.GET("/:symbol", h.Prices.GetPrices)
			prices.GET("/:symbol/latest", h.Prices.GetLatest)
		}
	}
}
