package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"market_sync_backend/models"
	"market_sync_backend/services/connector"
	"market_sync_backend/services/eventbus"
	"market_sync_backend/services/providers"
)

type staticProvider struct {
	name    string
	records []models.Record
	err     error
	block   chan struct{}
}

func (p *staticProvider) Name() string { return p.name }

func (p *staticProvider) Fetch(ctx context.Context) ([]models.Record, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.records, p.err
}

func bar(symbol string, minute int) models.Record {
	return models.Record{
		Symbol:    symbol,
		Timestamp: time.Date(2024, 3, 1, 9, minute, 0, 0, time.UTC),
		Open:      10,
		High:      11,
		Low:       9,
		Close:     10.5,
		Volume:    100,
		Source:    "test",
	}
}

type harness struct {
	driver *connector.MemoryDriver
	store  *connector.Connector
	bus    *eventbus.Bus

	mu      sync.Mutex
	updates []string
	cycles  []eventbus.StreamCycle
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{driver: connector.NewMemoryDriver(), bus: eventbus.New(zap.NewNop())}
	h.store = connector.New("timeseries", h.driver, connector.Options{}, zap.NewNop())
	if err := h.store.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.bus.Subscribe(eventbus.TopicStockUpdate, "test", func(ctx context.Context, payload any) {
		h.mu.Lock()
		h.updates = append(h.updates, payload.(models.Record).Symbol)
		h.mu.Unlock()
	})
	h.bus.Subscribe(eventbus.TopicStreamCycle, "test", func(ctx context.Context, payload any) {
		h.mu.Lock()
		h.cycles = append(h.cycles, payload.(eventbus.StreamCycle))
		h.mu.Unlock()
	})
	return h
}

func (h *harness) manager(ps ...providers.Provider) *Manager {
	return NewManager(ps, h.store, h.bus, Config{PollInterval: time.Hour, GraceTimeout: 100 * time.Millisecond, Table: "stock_prices"}, zap.NewNop())
}

func TestRunCycle_StoresAndPublishesInFetchOrder(t *testing.T) {
	h := newHarness(t)
	m := h.manager(
		&staticProvider{name: "a", records: []models.Record{bar("PKN", 0), bar("PKO", 0)}},
		&staticProvider{name: "b", records: []models.Record{bar("KGH", 0)}},
	)

	stats := m.RunCycle(context.Background())
	h.bus.Close(context.Background())

	if stats.RecordsProcessed != 3 || stats.RecordsSynced != 3 {
		t.Fatalf("stats: %+v", stats)
	}
	if len(h.driver.Records("stock_prices")) != 3 {
		t.Fatal("records not stored")
	}
	want := []string{"PKN", "PKO", "KGH"}
	if len(h.updates) != 3 {
		t.Fatalf("updates: %v", h.updates)
	}
	for i, s := range want {
		if h.updates[i] != s {
			t.Fatalf("publish order %v, want %v", h.updates, want)
		}
	}
	if len(h.cycles) != 1 || len(h.cycles[0].Records) != 3 || h.cycles[0].Cycle != 1 {
		t.Fatalf("cycle events: %+v", h.cycles)
	}
}

func TestRunCycle_ToleratesProviderFailureAndInvalidTicks(t *testing.T) {
	h := newHarness(t)
	bad := bar("BAD", 0)
	bad.Low = 20
	m := h.manager(
		&staticProvider{name: "down", err: errors.New("feed unavailable")},
		&staticProvider{name: "ok", records: []models.Record{bar("PZU", 0), bad}},
	)

	stats := m.RunCycle(context.Background())
	h.bus.Close(context.Background())

	if stats.RecordsProcessed != 2 || stats.RecordsSynced != 1 || stats.RecordsFailed != 1 {
		t.Fatalf("stats: %+v", stats)
	}
	if len(h.updates) != 1 || h.updates[0] != "PZU" {
		t.Fatalf("updates: %v", h.updates)
	}
}

func TestRunCycle_PublishesWhenStoreIsDown(t *testing.T) {
	h := newHarness(t)
	h.driver.FailUpserts(errors.New("connection refused"))
	m := h.manager(&staticProvider{name: "a", records: []models.Record{bar("CDR", 0)}})

	stats := m.RunCycle(context.Background())
	h.bus.Close(context.Background())

	if stats.RecordsSynced != 0 || stats.RecordsFailed != 1 {
		t.Fatalf("stats: %+v", stats)
	}
	if len(h.updates) != 1 {
		t.Fatal("broadcast path must not depend on the time-series store")
	}
}

func TestTick_SkipsWhileCycleInFlight(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	m := h.manager(&staticProvider{name: "slow", records: []models.Record{bar("PKN", 0)}, block: release})

	if !m.tick(context.Background()) {
		t.Fatal("first tick should start a cycle")
	}
	if m.tick(context.Background()) {
		t.Fatal("second tick should be skipped while the first cycle runs")
	}
	if m.Status().SkippedTicks != 1 {
		t.Fatalf("skipped: %d", m.Status().SkippedTicks)
	}

	close(release)
	m.wg.Wait()
	if !m.tick(context.Background()) {
		t.Fatal("tick after completion should run")
	}
	m.wg.Wait()
	if got := m.Status().Cycles; got != 2 {
		t.Fatalf("cycles: %d", got)
	}
}

func TestRun_StopCancelsCycleAfterGrace(t *testing.T) {
	h := newHarness(t)
	never := make(chan struct{})
	m := h.manager(&staticProvider{name: "stuck", block: never})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !m.Status().InFlight && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the grace timeout")
	}
	if m.Status().InFlight {
		t.Fatal("abandoned cycle still marked in flight")
	}
}

func TestDocumentSink_MirrorsCycles(t *testing.T) {
	h := newHarness(t)
	docs := connector.NewMemoryDriver()
	docStore := connector.New("docstore", docs, connector.Options{}, zap.NewNop())
	if err := docStore.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	NewDocumentSink(docStore, "stock_prices_docs", zap.NewNop()).Attach(h.bus)

	m := h.manager(&staticProvider{name: "a", records: []models.Record{bar("PKN", 0), bar("PKO", 0)}})
	m.RunCycle(context.Background())
	h.bus.Close(context.Background())

	if got := docs.Records("stock_prices_docs"); len(got) != 2 {
		t.Fatalf("mirrored %d records", len(got))
	}
}
