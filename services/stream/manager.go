// Package stream runs the polling loop that pulls ticks from providers,
// stores them and publishes them on the event bus.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"market_sync_backend/models"
	"market_sync_backend/services/connector"
	"market_sync_backend/services/eventbus"
	"market_sync_backend/services/providers"
	"market_sync_backend/services/validator"
)

type Config struct {
	PollInterval time.Duration
	GraceTimeout time.Duration
	Table        string
}

// Status is a snapshot of the loop for health and status replies.
type Status struct {
	Running       bool                  `json:"running"`
	Cycles        int64                 `json:"cycles"`
	SkippedTicks  int64                 `json:"skipped_ticks"`
	InFlight      bool                  `json:"in_flight"`
	LastCycleAt   time.Time             `json:"last_cycle_at"`
	ProviderNames []string              `json:"providers"`
	Statistics    models.StatisticsView `json:"statistics"`
}

type Manager struct {
	providers []providers.Provider
	store     *connector.Connector
	bus       *eventbus.Bus
	cfg       Config
	log       *zap.Logger

	running  atomic.Bool
	inFlight atomic.Bool
	cycles   atomic.Int64
	skipped  atomic.Int64
	wg       sync.WaitGroup

	mu        sync.Mutex
	stats     models.SyncStatistics
	lastCycle time.Time
}

func NewManager(ps []providers.Provider, store *connector.Connector, bus *eventbus.Bus, cfg Config, log *zap.Logger) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = 10 * time.Second
	}
	return &Manager{providers: ps, store: store, bus: bus, cfg: cfg, log: log}
}

// Run polls until ctx is cancelled. The first cycle starts immediately. A
// tick that arrives while a cycle is still running is skipped, not queued.
// On stop an in-flight cycle gets GraceTimeout to finish before its context
// is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return nil
	}
	defer m.running.Store(false)

	cycleCtx, cancelCycles := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelCycles()

	m.log.Info("Stream manager started",
		zap.Duration("poll_interval", m.cfg.PollInterval),
		zap.Int("providers", len(m.providers)))

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.tick(cycleCtx)
	for {
		select {
		case <-ctx.Done():
			m.drain(cancelCycles)
			m.log.Info("Stream manager stopped", zap.Int64("cycles", m.cycles.Load()))
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			m.tick(cycleCtx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) bool {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.skipped.Add(1)
		m.log.Warn("Poll cycle still running, skipping tick", zap.Int64("skipped_total", m.skipped.Load()))
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.inFlight.Store(false)
		m.RunCycle(ctx)
	}()
	return true
}

func (m *Manager) drain(cancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(m.cfg.GraceTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		m.log.Warn("In-flight cycle exceeded grace timeout, cancelling")
		cancel()
		<-done
	}
}

// RunCycle performs one poll: fetch from every provider, validate, store,
// then publish each record in fetch order followed by the whole batch. A
// failing provider or store does not stop the rest of the cycle.
func (m *Manager) RunCycle(ctx context.Context) models.SyncStatistics {
	started := time.Now()
	cycle := m.cycles.Add(1)

	var fetched []models.Record
	for _, p := range m.providers {
		recs, err := p.Fetch(ctx)
		if err != nil {
			m.log.Warn("Provider fetch failed", zap.String("provider", p.Name()), zap.Error(err))
			continue
		}
		fetched = append(fetched, recs...)
	}

	valid, invalid := validator.Filter(fetched)
	if invalid > 0 {
		m.log.Warn("Discarded invalid ticks", zap.Int("count", invalid), zap.Int64("cycle", cycle))
	}

	var synced int
	if len(valid) > 0 {
		n, err := m.store.Upsert(ctx, m.cfg.Table, valid)
		if err != nil {
			m.log.Warn("Time-series write failed, publishing anyway", zap.Int64("cycle", cycle), zap.Error(err))
		} else {
			synced = n
		}

		for _, r := range valid {
			if err := m.bus.Publish(eventbus.TopicStockUpdate, r); err != nil {
				m.log.Debug("Publish skipped", zap.Error(err))
				break
			}
		}
		m.bus.Publish(eventbus.TopicStreamCycle, eventbus.StreamCycle{Cycle: cycle, At: started.UTC(), Records: valid})
	}

	stats := models.SyncStatistics{
		RecordsProcessed: int64(len(fetched)),
		RecordsSynced:    int64(synced),
		RecordsFailed:    int64(len(fetched) - synced),
		Duration:         time.Since(started),
	}
	m.mu.Lock()
	m.stats.Add(stats)
	m.lastCycle = started
	m.mu.Unlock()

	m.log.Debug("Poll cycle completed",
		zap.Int64("cycle", cycle),
		zap.Int("fetched", len(fetched)),
		zap.Int("stored", synced),
		zap.Duration("duration", stats.Duration))
	return stats
}

// Statistics returns the totals accumulated over every cycle.
func (m *Manager) Statistics() models.SyncStatistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) Status() Status {
	names := make([]string, len(m.providers))
	for i, p := range m.providers {
		names[i] = p.Name()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Running:       m.running.Load(),
		Cycles:        m.cycles.Load(),
		SkippedTicks:  m.skipped.Load(),
		InFlight:      m.inFlight.Load(),
		LastCycleAt:   m.lastCycle,
		ProviderNames: names,
		Statistics:    m.stats.View(),
	}
}
