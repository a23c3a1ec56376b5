package models

import "time"

// Component health classifications.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthDown     = "down"
	HealthFailed   = "failed"
)

// ComponentHealth is one entry of a HealthReport.
type ComponentHealth struct {
	Status      string             `json:"status"`
	Connection  ConnectionStatus   `json:"connection,omitempty"`
	Latency     time.Duration      `json:"latency"`
	LastChecked time.Time          `json:"last_checked"`
	Error       string             `json:"error,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// HealthReport maps component names to their health. A report is rebuilt on
// every monitor tick and never mutated after it is published.
type HealthReport struct {
	GeneratedAt time.Time                  `json:"generated_at"`
	Components  map[string]ComponentHealth `json:"components"`
}

// Healthy reports whether every component is healthy.
func (h HealthReport) Healthy() bool {
	for _, c := range h.Components {
		if c.Status != HealthHealthy {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to consumers.
func (h HealthReport) Clone() HealthReport {
	out := HealthReport{GeneratedAt: h.GeneratedAt, Components: make(map[string]ComponentHealth, len(h.Components))}
	for name, c := range h.Components {
		if c.Metrics != nil {
			m := make(map[string]float64, len(c.Metrics))
			for k, v := range c.Metrics {
				m[k] = v
			}
			c.Metrics = m
		}
		out.Components[name] = c
	}
	return out
}

// Mismatch is a cross-store identity disagreement found by an audit.
type Mismatch struct {
	Symbol       string `json:"symbol"`
	SourceSymbol string `json:"source_symbol"`
	TargetSymbol string `json:"target_symbol"`
	Occurrences  int    `json:"occurrences"`
	Detail       string `json:"detail"`
}

// IntegrityReport is the result of one consistency audit.
type IntegrityReport struct {
	Table        string     `json:"table"`
	Collection   string     `json:"collection"`
	SourceCount  int64      `json:"source_count"`
	TargetCount  int64      `json:"target_count"`
	Matched      int        `json:"matched"`
	SourceOnly   int        `json:"source_only"`
	TargetOnly   int        `json:"target_only"`
	Mismatched   []Mismatch `json:"mismatched"`
	QualityScore float64    `json:"quality_score"`
	CheckedAt    time.Time  `json:"checked_at"`
}
