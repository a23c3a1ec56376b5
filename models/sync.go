package models

import "time"

// ConnectionStatus is the state of a store connector.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
	StatusConnecting   ConnectionStatus = "CONNECTING"
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusReconnecting ConnectionStatus = "RECONNECTING"
	StatusError        ConnectionStatus = "ERROR"
	StatusFailed       ConnectionStatus = "FAILED"
)

// SyncStatistics counts the outcome of a sync run or of a streaming session.
type SyncStatistics struct {
	RecordsProcessed int64         `json:"records_processed"`
	RecordsSynced    int64         `json:"records_synced"`
	RecordsFailed    int64         `json:"records_failed"`
	Duration         time.Duration `json:"duration"`
}

// RecordsPerSecond is the synced throughput over the measured duration.
func (s SyncStatistics) RecordsPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.RecordsSynced) / s.Duration.Seconds()
}

// SuccessRate is synced/processed in [0,1]. An empty run counts as fully successful.
func (s SyncStatistics) SuccessRate() float64 {
	if s.RecordsProcessed == 0 {
		return 1
	}
	return float64(s.RecordsSynced) / float64(s.RecordsProcessed)
}

// Add accumulates another run into s.
func (s *SyncStatistics) Add(o SyncStatistics) {
	s.RecordsProcessed += o.RecordsProcessed
	s.RecordsSynced += o.RecordsSynced
	s.RecordsFailed += o.RecordsFailed
	s.Duration += o.Duration
}

// StatisticsView is the JSON shape served to external tooling, with the
// derived rates filled in.
type StatisticsView struct {
	SyncStatistics
	DurationSeconds  float64 `json:"duration_seconds"`
	RecordsPerSecond float64 `json:"records_per_second"`
	SuccessRate      float64 `json:"success_rate"`
}

// View returns the serializable snapshot of s.
func (s SyncStatistics) View() StatisticsView {
	return StatisticsView{
		SyncStatistics:   s,
		DurationSeconds:  s.Duration.Seconds(),
		RecordsPerSecond: s.RecordsPerSecond(),
		SuccessRate:      s.SuccessRate(),
	}
}

// TargetResult is the per-collection outcome of a table sync.
type TargetResult struct {
	Collection string `json:"collection"`
	Synced     int64  `json:"synced"`
	Total      int64  `json:"total"`
}

// SyncResult is returned by a batch sync of one table.
type SyncResult struct {
	Table      string         `json:"table"`
	Target     TargetResult   `json:"target"`
	Batches    int            `json:"batches"`
	BatchSizes []int          `json:"batch_sizes"`
	Statistics StatisticsView `json:"statistics"`
	StartedAt  time.Time      `json:"started_at"`
}
