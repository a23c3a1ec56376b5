// Package alerts deduplicates alerts and routes them to notification
// channels by severity.
package alerts

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market_sync_backend/models"
)

var ErrNotFound = errors.New("alert not found")

const (
	maxHistory = 500
	// maxInFlight bounds concurrent notifier calls; deliveries beyond it
	// are dropped and logged.
	maxInFlight     = 32
	deliveryTimeout = 30 * time.Second
)

// Notifier delivers an alert to one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a models.Alert) error
}

// Raiser is the producer-side view of the dispatcher.
type Raiser interface {
	Raise(ctx context.Context, a models.Alert) (models.Alert, bool)
}

type Dispatcher struct {
	cooldown time.Duration
	timeout  time.Duration
	log      *zap.Logger
	now      func() time.Time

	inflight chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	routes  map[models.AlertSeverity][]Notifier
	latest  map[string]*models.Alert
	history []*models.Alert
}

func NewDispatcher(cooldown time.Duration, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cooldown: cooldown,
		timeout:  deliveryTimeout,
		log:      log,
		now:      time.Now,
		inflight: make(chan struct{}, maxInFlight),
		routes:   make(map[models.AlertSeverity][]Notifier),
		latest:   make(map[string]*models.Alert),
	}
}

// Route adds notifiers for one severity.
func (d *Dispatcher) Route(severity models.AlertSeverity, notifiers ...Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[severity] = append(d.routes[severity], notifiers...)
}

// Raise records and delivers the alert unless an unacknowledged alert with
// the same (type, subject) was raised within the cooldown. It returns the
// stored alert and whether it was delivered. Notifiers run in the
// background so a slow channel never stalls the caller.
func (d *Dispatcher) Raise(ctx context.Context, a models.Alert) (models.Alert, bool) {
	now := d.now()
	key := a.DedupKey()

	d.mu.Lock()
	if prev, ok := d.latest[key]; ok && !prev.Resolved && now.Sub(prev.Timestamp) < d.cooldown {
		stored := *prev
		d.mu.Unlock()
		d.log.Debug("Alert suppressed", zap.String("type", a.Type), zap.String("subject", a.Subject))
		return stored, false
	}

	a.ID = uuid.NewString()
	a.Timestamp = now
	a.Resolved = false
	stored := &a
	d.latest[key] = stored
	d.history = append(d.history, stored)
	if len(d.history) > maxHistory {
		d.history = d.history[len(d.history)-maxHistory:]
	}
	notifiers := append([]Notifier(nil), d.routes[a.Severity]...)
	d.mu.Unlock()

	for _, n := range notifiers {
		d.deliver(ctx, n, a)
	}
	return a, true
}

func (d *Dispatcher) deliver(ctx context.Context, n Notifier, a models.Alert) {
	select {
	case d.inflight <- struct{}{}:
	default:
		d.log.Warn("Alert delivery dropped, too many in flight",
			zap.String("channel", n.Name()),
			zap.String("alert_id", a.ID))
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.inflight }()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := n.Notify(ctx, a); err != nil {
			d.log.Warn("Alert delivery failed",
				zap.String("channel", n.Name()),
				zap.String("alert_id", a.ID),
				zap.Error(err))
		}
	}()
}

// Flush waits for in-flight deliveries to finish or ctx to end.
func (d *Dispatcher) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acknowledge resolves an alert. A resolved alert no longer suppresses new
// alerts with the same (type, subject).
func (d *Dispatcher) Acknowledge(id string) (models.Alert, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.history {
		if a.ID == id {
			a.Resolved = true
			return *a, nil
		}
	}
	return models.Alert{}, ErrNotFound
}

// List returns alerts newest first, optionally only unresolved ones.
func (d *Dispatcher) List(activeOnly bool) []models.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.Alert, 0, len(d.history))
	for _, a := range d.history {
		if activeOnly && a.Resolved {
			continue
		}
		out = append(out, *a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}
