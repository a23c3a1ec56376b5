package models

import "time"

// Backup kinds.
const (
	BackupFull        = "full"
	BackupIncremental = "incremental"
)

// BackupInfo describes one stored snapshot.
type BackupInfo struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Path        string    `json:"path"`
	Format      string    `json:"format"`
	Checksum    string    `json:"checksum"`
	RecordCount int64     `json:"record_count"`
	SizeBytes   int64     `json:"size_bytes"`
	Watermark   time.Time `json:"watermark"`
	CreatedAt   time.Time `json:"created_at"`
}
