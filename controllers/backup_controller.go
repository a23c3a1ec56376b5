package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"market_sync_backend/models"
	"market_sync_backend/services/backup"
)

type BackupController struct {
	manager *backup.Manager
}

func NewBackupController(m *backup.Manager) *BackupController {
	return &BackupController{manager: m}
}

// GetBackups lists catalogued backups newest first
// GET /api/v1/backups
func (bc *BackupController) GetBackups(c *gin.Context) {
	list, err := bc.manager.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read backup catalog"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list, "total": len(list)})
}

// CreateBackup runs a backup; body {"kind": "full"|"incremental"}, default full
// POST /api/v1/backups
func (bc *BackupController) CreateBackup(c *gin.Context) {
	var req struct {
		Kind string `json:"kind" binding:"omitempty,oneof=full incremental"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "message": err.Error()})
			return
		}
	}
	if req.Kind == "" {
		req.Kind = models.BackupFull
	}

	info, err := bc.manager.CreateBackup(c.Request.Context(), req.Kind)
	switch {
	case errors.Is(err, backup.ErrInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "Backup already running"})
	case errors.Is(err, backup.ErrNoSource):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Backup failed", "message": err.Error()})
	default:
		c.JSON(http.StatusCreated, gin.H{"data": info})
	}
}

// VerifyBackup recomputes the checksum of one backup
// GET /api/v1/backups/:id/verify
func (bc *BackupController) VerifyBackup(c *gin.Context) {
	ok, err := bc.manager.Verify(c.Request.Context(), c.Param("id"))
	if errors.Is(err, backup.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Backup not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Verification failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "valid": ok})
}
