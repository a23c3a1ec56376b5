package syncengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"market_sync_backend/models"
	"market_sync_backend/services/connector"
	"market_sync_backend/services/retry"
)

type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type alertLog struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (a *alertLog) Raise(ctx context.Context, alert models.Alert) (models.Alert, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return alert, true
}

func record(symbol string, minute int) models.Record {
	return models.Record{
		Symbol:    symbol,
		Timestamp: time.Date(2024, 3, 1, 9, minute, 0, 0, time.UTC),
		Open:      10,
		High:      11,
		Low:       9,
		Close:     10.5,
		Volume:    1000,
		Source:    "test",
	}
}

type fixture struct {
	src, dst *connector.MemoryDriver
	engine   *Engine
	sleeps   *sleeps
	alerts   *alertLog
}

func newFixture(t *testing.T, batchSize, maxAttempts int) *fixture {
	t.Helper()
	f := &fixture{
		src:    connector.NewMemoryDriver(),
		dst:    connector.NewMemoryDriver(),
		sleeps: &sleeps{},
		alerts: &alertLog{},
	}
	source := connector.New("timeseries", f.src, connector.Options{}, zap.NewNop())
	target := connector.New("docstore", f.dst, connector.Options{}, zap.NewNop())
	for _, c := range []*connector.Connector{source, target} {
		if err := c.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	f.engine = New(source, target, Config{
		BatchSize:     batchSize,
		MaxConcurrent: 3,
		Retry: retry.Policy{
			MaxAttempts: maxAttempts,
			Base:        time.Second,
			Cap:         time.Minute,
			Jitter:      retry.NoJitter,
			Sleep:       f.sleeps.sleep,
		},
		Collection: func(table string) string { return table + "_docs" },
	}, f.alerts, zap.NewNop())
	return f
}

func seedFive(d *connector.MemoryDriver) {
	for i := 0; i < 5; i++ {
		d.Seed("stock_prices", record("PKN", i))
	}
}

func TestSyncTable_BatchesFiveRecordsIntoTwoTwoOne(t *testing.T) {
	f := newFixture(t, 2, 5)
	seedFive(f.src)

	res, err := f.engine.SyncTable(context.Background(), "stock_prices", 0)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Batches != 3 {
		t.Fatalf("batches: %d", res.Batches)
	}
	want := []int{2, 2, 1}
	for i, n := range want {
		if res.BatchSizes[i] != n {
			t.Fatalf("batch sizes: %v", res.BatchSizes)
		}
	}
	st := res.Statistics
	if st.RecordsSynced+st.RecordsFailed != st.RecordsProcessed || st.RecordsProcessed != 5 {
		t.Fatalf("synced %d + failed %d != total %d", st.RecordsSynced, st.RecordsFailed, st.RecordsProcessed)
	}
	if res.Target.Collection != "stock_prices_docs" || res.Target.Synced != 5 || res.Target.Total != 5 {
		t.Fatalf("target: %+v", res.Target)
	}
}

func TestSyncTable_PaginatesSource(t *testing.T) {
	f := newFixture(t, 2, 5)
	seedFive(f.src)

	res, err := f.engine.SyncTable(context.Background(), "stock_prices", 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Target.Synced != 5 || len(f.dst.Records("stock_prices_docs")) != 5 {
		t.Fatalf("paged sync copied %d", res.Target.Synced)
	}
}

func TestSyncTable_IsIdempotent(t *testing.T) {
	f := newFixture(t, 2, 5)
	seedFive(f.src)

	for run := 0; run < 2; run++ {
		res, err := f.engine.SyncTable(context.Background(), "stock_prices", 0)
		if err != nil {
			t.Fatal(err)
		}
		if res.Target.Synced != res.Target.Total {
			t.Fatalf("run %d: synced %d of %d", run, res.Target.Synced, res.Target.Total)
		}
	}
	if got := len(f.dst.Records("stock_prices_docs")); got != 5 {
		t.Fatalf("duplicates after replay: %d records", got)
	}
}

func TestSyncTable_InvalidRecordsCountedAsFailed(t *testing.T) {
	f := newFixture(t, 10, 5)
	seedFive(f.src)
	bad := record("BAD", 9)
	bad.High = 1
	f.src.Seed("stock_prices", bad)

	res, err := f.engine.SyncTable(context.Background(), "stock_prices", 0)
	if err != nil {
		t.Fatal(err)
	}
	st := res.Statistics
	if st.RecordsProcessed != 6 || st.RecordsSynced != 5 || st.RecordsFailed != 1 {
		t.Fatalf("stats: %+v", st.SyncStatistics)
	}
	if calls, _ := f.dst.UpsertCalls(); calls != 1 {
		t.Fatalf("validation failures must not be retried, upsert calls %d", calls)
	}
}

func TestSyncTable_RetriesTransientFailureWithBackoff(t *testing.T) {
	f := newFixture(t, 10, 3)
	seedFive(f.src)
	f.dst.FailUpserts(errors.New("connection reset"), errors.New("i/o timeout"))

	res, err := f.engine.SyncTable(context.Background(), "stock_prices", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Target.Synced != 5 {
		t.Fatalf("synced %d", res.Target.Synced)
	}
	if calls, _ := f.dst.UpsertCalls(); calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
	if len(f.sleeps.delays) != 2 || f.sleeps.delays[0] != time.Second || f.sleeps.delays[1] != 2*time.Second {
		t.Fatalf("backoff: %v", f.sleeps.delays)
	}
}

func TestSyncTable_ExhaustedBatchDoesNotAbortRun(t *testing.T) {
	f := newFixture(t, 2, 2)
	seedFive(f.src)
	f.engine.cfg.MaxConcurrent = 1
	f.dst.FailUpserts(errors.New("down"), errors.New("down"))

	res, err := f.engine.SyncTable(context.Background(), "stock_prices", 0)
	if err != nil {
		t.Fatalf("partial failure must not abort: %v", err)
	}
	st := res.Statistics
	if st.RecordsSynced != 3 || st.RecordsFailed != 2 {
		t.Fatalf("stats: %+v", st.SyncStatistics)
	}
	if len(f.alerts.alerts) != 1 || f.alerts.alerts[0].Type != models.AlertSyncExhausted {
		t.Fatalf("alerts: %+v", f.alerts.alerts)
	}
	if f.alerts.alerts[0].Severity != models.SeverityCritical {
		t.Fatalf("severity: %s", f.alerts.alerts[0].Severity)
	}
}

func TestSyncTable_PermanentFailureSkipsBatch(t *testing.T) {
	f := newFixture(t, 5, 5)
	seedFive(f.src)
	f.dst.FailUpserts(connector.ErrSchema)

	res, err := f.engine.SyncTable(context.Background(), "stock_prices", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Statistics.RecordsFailed != 5 {
		t.Fatalf("failed: %d", res.Statistics.RecordsFailed)
	}
	if calls, _ := f.dst.UpsertCalls(); calls != 1 {
		t.Fatalf("permanent failure retried: %d calls", calls)
	}
	if len(f.alerts.alerts) != 1 || f.alerts.alerts[0].Type != models.AlertSchemaMismatch {
		t.Fatalf("alerts: %+v", f.alerts.alerts)
	}
}

func TestSyncAll_ReportsPerCollection(t *testing.T) {
	f := newFixture(t, 2, 5)
	seedFive(f.src)
	f.src.Seed("index_prices", record("WIG20", 0))

	results, err := f.engine.SyncAll(context.Background(), []string{"stock_prices", "index_prices"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Synced != 5 || results[1].Collection != "index_prices_docs" || results[1].Total != 1 {
		t.Fatalf("results: %+v", results)
	}
	if stats := f.engine.Statistics(); stats.RecordsSynced != 6 {
		t.Fatalf("aggregate: %+v", stats)
	}
}
