package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"market_sync_backend/services/consistency"
	"market_sync_backend/services/syncengine"
)

// SyncController triggers batch syncs and consistency audits on demand.
type SyncController struct {
	engine   *syncengine.Engine
	auditor  *consistency.Auditor
	tables   map[string]bool
	pageSize int
	log      *zap.Logger
}

func NewSyncController(engine *syncengine.Engine, auditor *consistency.Auditor, tables []string, pageSize int, log *zap.Logger) *SyncController {
	known := make(map[string]bool, len(tables))
	for _, t := range tables {
		known[t] = true
	}
	return &SyncController{engine: engine, auditor: auditor, tables: known, pageSize: pageSize, log: log}
}

func (sc *SyncController) table(c *gin.Context) (string, bool) {
	table := c.Param("table")
	if !sc.tables[table] {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown table", "table": table})
		return "", false
	}
	return table, true
}

// SyncTable copies one table to its document-store collection
// POST /api/v1/sync/:table
func (sc *SyncController) SyncTable(c *gin.Context) {
	table, ok := sc.table(c)
	if !ok {
		return
	}

	result, err := sc.engine.SyncTable(c.Request.Context(), table, sc.pageSize)
	if errors.Is(err, syncengine.ErrInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "Sync already running", "table": table})
		return
	}
	if err != nil {
		sc.log.Error("Manual sync failed", zap.String("table", table), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Sync failed", "message": err.Error(), "data": result})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// AuditTable compares one table with its collection
// POST /api/v1/audit/:table
func (sc *SyncController) AuditTable(c *gin.Context) {
	table, ok := sc.table(c)
	if !ok {
		return
	}

	report, err := sc.auditor.Audit(c.Request.Context(), table)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Audit failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": report})
}

// GetAudits returns the latest audit per table
// GET /api/v1/audits
func (sc *SyncController) GetAudits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": sc.auditor.LastReports()})
}
