package models

import "time"

// AlertSeverity orders alerts for routing.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert types raised by the service.
const (
	AlertConnectionDegraded = "connection_degraded"
	AlertConnectionFailed   = "connection_failed"
	AlertHighLatency        = "high_latency"
	AlertCPU                = "resource_cpu"
	AlertMemory             = "resource_memory"
	AlertDisk               = "resource_disk"
	AlertSchemaMismatch     = "schema_incompatible"
	AlertSyncExhausted      = "sync_exhausted"
	AlertIntegrity          = "integrity_violation"
	AlertBackupFailed       = "backup_failed"
)

// Alert is a notification about a threshold crossing or failure. Only
// acknowledgment mutates it after creation.
type Alert struct {
	ID            string        `json:"id"`
	Type          string        `json:"type"`
	Subject       string        `json:"subject"`
	Severity      AlertSeverity `json:"severity"`
	Message       string        `json:"message"`
	Threshold     float64       `json:"threshold"`
	ObservedValue float64       `json:"observed_value"`
	Timestamp     time.Time     `json:"timestamp"`
	Resolved      bool          `json:"resolved"`
}

// DedupKey is the (type, subject) pair alerts are deduplicated on.
func (a Alert) DedupKey() string {
	return a.Type + "|" + a.Subject
}
