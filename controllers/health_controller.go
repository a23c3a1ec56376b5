package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"market_sync_backend/models"
	"market_sync_backend/services/broadcast"
	"market_sync_backend/services/connector"
	"market_sync_backend/services/monitor"
	"market_sync_backend/services/stream"
	"market_sync_backend/services/syncengine"
)

// HealthController serves the pull-style health and statistics surface.
type HealthController struct {
	monitor    *monitor.Monitor
	timeseries *connector.Connector
	docstore   *connector.Connector
	engine     *syncengine.Engine
	stream     *stream.Manager
	broadcast  *broadcast.Server
}

func NewHealthController(m *monitor.Monitor, timeseries, docstore *connector.Connector, engine *syncengine.Engine, sm *stream.Manager, bs *broadcast.Server) *HealthController {
	return &HealthController{monitor: m, timeseries: timeseries, docstore: docstore, engine: engine, stream: sm, broadcast: bs}
}

// Liveness always succeeds while the process serves HTTP
// GET /health
func (hc *HealthController) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready reports whether the time-series store is usable. The document store
// may be degraded without taking the service out of rotation.
// GET /ready
func (hc *HealthController) Ready(c *gin.Context) {
	switch hc.timeseries.Status() {
	case models.StatusConnected:
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not_ready",
			"message": "Time-series store " + string(hc.timeseries.Status()),
		})
	}
}

// GetHealth returns the latest HealthReport plus live connector states
// GET /api/v1/health
func (hc *HealthController) GetHealth(c *gin.Context) {
	report := hc.monitor.GetHealth()
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{
		"healthy":    report.Healthy(),
		"report":     report,
		"connectors": []connector.State{hc.timeseries.State(), hc.docstore.State()},
	})
}

// GetStatistics returns sync and streaming statistics
// GET /api/v1/statistics
func (hc *HealthController) GetStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sync": gin.H{
			"totals":       hc.engine.Statistics().View(),
			"last_results": hc.engine.LastResults(),
		},
		"stream":    hc.stream.Status(),
		"broadcast": hc.broadcast.Stats(),
	})
}
