package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"market_sync_backend/models"
	"market_sync_backend/services/alerts"
	"market_sync_backend/services/connector"
	"market_sync_backend/services/retry"
)

type fixedSampler struct {
	res Resources
	err error
}

func (f fixedSampler) Sample(ctx context.Context) (Resources, error) { return f.res, f.err }

type countingNotifier struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (n *countingNotifier) Name() string { return "count" }

func (n *countingNotifier) Notify(ctx context.Context, a models.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *countingNotifier) ofType(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, a := range n.alerts {
		if a.Type == kind {
			count++
		}
	}
	return count
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type fixture struct {
	driver     *connector.MemoryDriver
	conn       *connector.Connector
	notifier   *countingNotifier
	sleeps     *sleepRecorder
	dispatcher *alerts.Dispatcher
	monitor    *Monitor
}

func (f *fixture) check(t *testing.T) models.HealthReport {
	t.Helper()
	report := f.check(t)
	if err := f.dispatcher.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	return report
}

func newFixture(t *testing.T, sampler ResourceSampler) *fixture {
	t.Helper()
	f := &fixture{driver: connector.NewMemoryDriver(), notifier: &countingNotifier{}, sleeps: &sleepRecorder{}}
	f.conn = connector.New("timeseries", f.driver, connector.Options{MaxAttempts: 3}, zap.NewNop())
	if err := f.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	d := alerts.NewDispatcher(5*time.Minute, zap.NewNop())
	d.Route(models.SeverityWarning, f.notifier)
	d.Route(models.SeverityCritical, f.notifier)
	f.dispatcher = d

	f.monitor = New([]*connector.Connector{f.conn}, sampler, d, Config{
		LatencyThreshold: time.Second,
		CPUThreshold:     90,
		MemoryThreshold:  90,
		DiskThreshold:    90,
		Backoff:          retry.Policy{Base: time.Second, Cap: time.Minute, Jitter: retry.NoJitter, Sleep: f.sleeps.sleep},
	}, zap.NewNop())
	return f
}

func TestCheck_HealthyReport(t *testing.T) {
	f := newFixture(t, fixedSampler{res: Resources{CPUPercent: 10, MemoryPercent: 20, DiskPercent: 30}})

	report := f.check(t)
	if !report.Healthy() {
		t.Fatalf("expected healthy report, got %+v", report.Components)
	}
	if got := report.Components[HostComponent].Metrics["disk_percent"]; got != 30 {
		t.Fatalf("disk metric: %v", got)
	}
	if len(f.notifier.alerts) != 0 {
		t.Fatalf("unexpected alerts: %+v", f.notifier.alerts)
	}
}

func TestCheck_ResourceThresholdRaisesAlert(t *testing.T) {
	f := newFixture(t, fixedSampler{res: Resources{CPUPercent: 95, MemoryPercent: 20, DiskPercent: 91}})

	report := f.check(t)
	if report.Components[HostComponent].Status != models.HealthDegraded {
		t.Fatalf("host: %+v", report.Components[HostComponent])
	}
	if f.notifier.ofType(models.AlertCPU) != 1 || f.notifier.ofType(models.AlertDisk) != 1 || f.notifier.ofType(models.AlertMemory) != 0 {
		t.Fatalf("alerts: %+v", f.notifier.alerts)
	}

	f.check(t)
	if f.notifier.ofType(models.AlertCPU) != 1 {
		t.Fatal("repeated crossing within cooldown must be deduplicated")
	}
}

func TestCheck_SamplerErrorDegradesHost(t *testing.T) {
	f := newFixture(t, fixedSampler{err: errors.New("no /proc")})
	report := f.check(t)
	if h := report.Components[HostComponent]; h.Status != models.HealthDegraded || h.Error == "" {
		t.Fatalf("host: %+v", h)
	}
}

func TestCheck_ReconnectsAfterProbeFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.driver.SetPingError(errors.New("connection reset"))

	report := f.check(t)
	if report.Components["timeseries"].Status != models.HealthDown {
		t.Fatalf("component: %+v", report.Components["timeseries"])
	}

	if f.conn.Status() != models.StatusConnected {
		t.Fatalf("expected reconnect to succeed, status %s", f.conn.Status())
	}
	if f.notifier.ofType(models.AlertConnectionDegraded) != 1 {
		t.Fatalf("alerts: %+v", f.notifier.alerts)
	}
}

func TestCheck_ReconnectExhaustionRaisesOneCriticalAlert(t *testing.T) {
	f := newFixture(t, nil)
	f.driver.SetPingError(errors.New("connection reset"))
	f.driver.SetOpenError(errors.New("connection refused"))

	f.check(t)

	if f.conn.Status() != models.StatusFailed {
		t.Fatalf("status: %s", f.conn.Status())
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(f.sleeps.delays) != len(want) {
		t.Fatalf("delays: %v", f.sleeps.delays)
	}
	for i := range want {
		if f.sleeps.delays[i] != want[i] {
			t.Fatalf("delays: %v, want %v", f.sleeps.delays, want)
		}
	}

	report := f.check(t)
	f.check(t)
	if report.Components["timeseries"].Status != models.HealthFailed {
		t.Fatalf("component: %+v", report.Components["timeseries"])
	}
	if n := f.notifier.ofType(models.AlertConnectionFailed); n != 1 {
		t.Fatalf("expected exactly one critical alert, got %d", n)
	}
}

func TestCheck_FailedConnectorStaysQuietAfterAcknowledge(t *testing.T) {
	f := newFixture(t, nil)
	f.driver.SetPingError(errors.New("connection reset"))
	f.driver.SetOpenError(errors.New("connection refused"))

	f.check(t)
	if f.conn.Status() != models.StatusFailed {
		t.Fatalf("status: %s", f.conn.Status())
	}

	var critical models.Alert
	for _, a := range f.dispatcher.List(true) {
		if a.Type == models.AlertConnectionFailed {
			critical = a
		}
	}
	if critical.ID == "" {
		t.Fatalf("no active critical alert: %+v", f.dispatcher.List(true))
	}
	if _, err := f.dispatcher.Acknowledge(critical.ID); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		report := f.check(t)
		if report.Components["timeseries"].Status != models.HealthFailed {
			t.Fatalf("component: %+v", report.Components["timeseries"])
		}
	}
	if n := f.notifier.ofType(models.AlertConnectionFailed); n != 1 {
		t.Fatalf("critical alerts after acknowledge: %d", n)
	}
	for _, a := range f.dispatcher.List(true) {
		if a.Type == models.AlertConnectionFailed {
			t.Fatalf("acknowledged alert came back: %+v", a)
		}
	}
}

func TestGetHealth_ReturnsSnapshot(t *testing.T) {
	f := newFixture(t, fixedSampler{res: Resources{CPUPercent: 1}})
	f.check(t)

	snap := f.monitor.GetHealth()
	snap.Components[HostComponent].Metrics["cpu_percent"] = 99
	delete(snap.Components, "timeseries")

	again := f.monitor.GetHealth()
	if again.Components[HostComponent].Metrics["cpu_percent"] != 1 {
		t.Fatal("snapshot shares metrics with the published report")
	}
	if _, ok := again.Components["timeseries"]; !ok {
		t.Fatal("snapshot shares components with the published report")
	}
}
