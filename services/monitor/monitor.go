// Package monitor probes the store connectors and the host, publishes a
// HealthReport and drives reconnection of connectors in ERROR.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"market_sync_backend/models"
	"market_sync_backend/services/alerts"
	"market_sync_backend/services/connector"
	"market_sync_backend/services/retry"
)

// HostComponent is the report entry for host resources.
const HostComponent = "host"

type Config struct {
	Interval         time.Duration
	LatencyThreshold time.Duration
	CPUThreshold     float64
	MemoryThreshold  float64
	DiskThreshold    float64
	// Backoff schedules reconnect attempts; MaxAttempts is enforced by the
	// connector itself.
	Backoff retry.Policy
}

type Monitor struct {
	connectors []*connector.Connector
	sampler    ResourceSampler
	alerts     alerts.Raiser
	cfg        Config
	log        *zap.Logger

	report atomic.Pointer[models.HealthReport]

	mu           sync.Mutex
	reconnecting map[string]bool
	wg           sync.WaitGroup
}

func New(conns []*connector.Connector, sampler ResourceSampler, raiser alerts.Raiser, cfg Config, log *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.LatencyThreshold <= 0 {
		cfg.LatencyThreshold = 2 * time.Second
	}
	m := &Monitor{
		connectors:   conns,
		sampler:      sampler,
		alerts:       raiser,
		cfg:          cfg,
		log:          log,
		reconnecting: make(map[string]bool),
	}
	empty := models.HealthReport{Components: map[string]models.ComponentHealth{}}
	m.report.Store(&empty)
	return m
}

// GetHealth returns a copy of the latest report.
func (m *Monitor) GetHealth() models.HealthReport {
	return m.report.Load().Clone()
}

// Run checks on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			m.Wait()
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Wait blocks until all reconnect loops have returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Check probes every connector and the host, raises threshold alerts and
// publishes a new report. Connectors found in ERROR get a reconnect loop
// bound to ctx.
func (m *Monitor) Check(ctx context.Context) models.HealthReport {
	report := models.HealthReport{
		GeneratedAt: time.Now().UTC(),
		Components:  make(map[string]models.ComponentHealth, len(m.connectors)+1),
	}

	for _, c := range m.connectors {
		report.Components[c.Name()] = m.probe(ctx, c)
		if c.Status() == models.StatusError {
			m.startReconnect(ctx, c)
		}
	}
	if m.sampler != nil {
		report.Components[HostComponent] = m.checkHost(ctx)
	}

	m.report.Store(&report)
	return report.Clone()
}

func (m *Monitor) probe(ctx context.Context, c *connector.Connector) models.ComponentHealth {
	h := models.ComponentHealth{LastChecked: time.Now().UTC()}

	switch c.Status() {
	case models.StatusFailed:
		h.Status = models.HealthFailed
		h.Connection = models.StatusFailed
		h.Error = c.State().LastError
		// The critical alert was raised once on the exhaustion transition.
		return h
	case models.StatusConnected, models.StatusError:
	default:
		h.Status = models.HealthDown
		h.Connection = c.Status()
		return h
	}

	latency, err := c.Ping(ctx)
	h.Latency = latency
	h.Connection = c.Status()
	if err != nil {
		h.Status = models.HealthDown
		h.Error = err.Error()
		m.raise(ctx, models.Alert{
			Type:     models.AlertConnectionDegraded,
			Subject:  c.Name(),
			Severity: models.SeverityWarning,
			Message:  fmt.Sprintf("%s probe failed: %v", c.Name(), err),
		})
		return h
	}

	h.Status = models.HealthHealthy
	if latency > m.cfg.LatencyThreshold {
		h.Status = models.HealthDegraded
		m.raise(ctx, models.Alert{
			Type:          models.AlertHighLatency,
			Subject:       c.Name(),
			Severity:      models.SeverityWarning,
			Message:       fmt.Sprintf("%s probe took %s", c.Name(), latency),
			Threshold:     m.cfg.LatencyThreshold.Seconds(),
			ObservedValue: latency.Seconds(),
		})
	}
	return h
}

func (m *Monitor) checkHost(ctx context.Context) models.ComponentHealth {
	h := models.ComponentHealth{Status: models.HealthHealthy, LastChecked: time.Now().UTC()}

	res, err := m.sampler.Sample(ctx)
	if err != nil {
		h.Status = models.HealthDegraded
		h.Error = err.Error()
		m.log.Warn("Resource sampling failed", zap.Error(err))
		return h
	}
	h.Metrics = map[string]float64{
		"cpu_percent":    res.CPUPercent,
		"memory_percent": res.MemoryPercent,
		"disk_percent":   res.DiskPercent,
	}

	checks := []struct {
		kind      string
		label     string
		observed  float64
		threshold float64
	}{
		{models.AlertCPU, "CPU", res.CPUPercent, m.cfg.CPUThreshold},
		{models.AlertMemory, "Memory", res.MemoryPercent, m.cfg.MemoryThreshold},
		{models.AlertDisk, "Disk", res.DiskPercent, m.cfg.DiskThreshold},
	}
	for _, c := range checks {
		if c.threshold <= 0 || c.observed < c.threshold {
			continue
		}
		h.Status = models.HealthDegraded
		m.raise(ctx, models.Alert{
			Type:          c.kind,
			Subject:       HostComponent,
			Severity:      models.SeverityWarning,
			Message:       fmt.Sprintf("%s usage %.1f%% exceeds %.1f%%", c.label, c.observed, c.threshold),
			Threshold:     c.threshold,
			ObservedValue: c.observed,
		})
	}
	return h
}

func (m *Monitor) raise(ctx context.Context, a models.Alert) {
	if m.alerts == nil {
		return
	}
	m.alerts.Raise(ctx, a)
}

func (m *Monitor) startReconnect(ctx context.Context, c *connector.Connector) {
	m.mu.Lock()
	if m.reconnecting[c.Name()] {
		m.mu.Unlock()
		return
	}
	m.reconnecting[c.Name()] = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.reconnecting, c.Name())
			m.mu.Unlock()
		}()
		m.reconnect(ctx, c)
	}()
}

// reconnect retries with backoff until the connector is back, has failed
// for good, or ctx ends.
func (m *Monitor) reconnect(ctx context.Context, c *connector.Connector) {
	log := m.log.With(zap.String("connector", c.Name()))
	for {
		if c.Status() != models.StatusError {
			return
		}
		delay := m.cfg.Backoff.Delay(c.Attempts())
		log.Info("Scheduling reconnect", zap.Int("attempt", c.Attempts()+1), zap.Duration("delay", delay))
		if err := m.cfg.Backoff.Wait(ctx, delay); err != nil {
			return
		}

		err := c.Reconnect(ctx)
		if err == nil {
			return
		}

		var exhausted *connector.ExhaustionError
		if errors.As(err, &exhausted) {
			log.Error("Reconnect attempts exhausted", zap.Int("attempts", exhausted.Attempts), zap.Error(err))
			m.raise(ctx, models.Alert{
				Type:          models.AlertConnectionFailed,
				Subject:       c.Name(),
				Severity:      models.SeverityCritical,
				Message:       fmt.Sprintf("%s unreachable after %d reconnect attempts: %v", c.Name(), exhausted.Attempts, exhausted.Err),
				Threshold:     float64(exhausted.Attempts),
				ObservedValue: float64(exhausted.Attempts),
			})
			return
		}
		if errors.Is(err, connector.ErrFailed) {
			return
		}
		log.Warn("Reconnect attempt failed", zap.Error(err))
	}
}
