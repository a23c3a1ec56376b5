package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"market_sync_backend/services/alerts"
)

type AlertController struct {
	dispatcher *alerts.Dispatcher
}

func NewAlertController(d *alerts.Dispatcher) *AlertController {
	return &AlertController{dispatcher: d}
}

// GetAlerts lists alerts newest first; ?active=true hides acknowledged ones
// GET /api/v1/alerts
func (ac *AlertController) GetAlerts(c *gin.Context) {
	list := ac.dispatcher.List(c.Query("active") == "true")
	c.JSON(http.StatusOK, gin.H{"data": list, "total": len(list)})
}

// AcknowledgeAlert resolves an alert
// POST /api/v1/alerts/:id/ack
func (ac *AlertController) AcknowledgeAlert(c *gin.Context) {
	a, err := ac.dispatcher.Acknowledge(c.Param("id"))
	if errors.Is(err, alerts.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": a})
}
