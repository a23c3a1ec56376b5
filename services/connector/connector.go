package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"market_sync_backend/models"
)

const defaultCallTimeout = 10 * time.Second

// Options tune a Connector.
type Options struct {
	CallTimeout time.Duration
	// MaxAttempts is the reconnect budget before the connector fails for good.
	MaxAttempts int
}

// State is an immutable view of a connector's lifecycle.
type State struct {
	Name      string                  `json:"name"`
	Status    models.ConnectionStatus `json:"status"`
	Attempts  int                     `json:"attempts"`
	LastError string                  `json:"last_error,omitempty"`
	ChangedAt time.Time               `json:"changed_at"`
}

// Connector owns the connection state machine of one store. Only the
// connector mutates its status; other components read snapshots.
type Connector struct {
	name        string
	driver      Driver
	callTimeout time.Duration
	maxAttempts int
	logger      *zap.Logger

	mu        sync.RWMutex
	status    models.ConnectionStatus
	attempts  int
	lastErr   error
	changedAt time.Time
}

func New(name string, driver Driver, opts Options, logger *zap.Logger) *Connector {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		name:        name,
		driver:      driver,
		callTimeout: opts.CallTimeout,
		maxAttempts: opts.MaxAttempts,
		logger:      logger.With(zap.String("connector", name)),
		status:      models.StatusDisconnected,
		changedAt:   time.Now(),
	}
}

func (c *Connector) Name() string { return c.name }

// Driver exposes the underlying driver for store-specific tooling such as backups.
func (c *Connector) Driver() Driver { return c.driver }

func (c *Connector) Status() models.ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Connector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := State{Name: c.name, Status: c.status, Attempts: c.attempts, ChangedAt: c.changedAt}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *Connector) setStatus(to models.ConnectionStatus, cause error) {
	c.mu.Lock()
	from := c.status
	c.status = to
	c.lastErr = cause
	c.changedAt = time.Now()
	c.mu.Unlock()

	if from != to {
		fields := []zap.Field{zap.String("from", string(from)), zap.String("to", string(to))}
		if cause != nil {
			fields = append(fields, zap.Error(cause))
		}
		c.logger.Info("Connector status changed", fields...)
	}
}

// Connect opens the store. Allowed from DISCONNECTED and ERROR.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case models.StatusFailed:
		c.mu.Unlock()
		return &ConnectionError{Store: c.name, Op: "connect", Err: ErrFailed}
	case models.StatusConnected:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.setStatus(models.StatusConnecting, nil)
	if err := c.open(ctx); err != nil {
		c.setStatus(models.StatusError, err)
		return err
	}
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	c.setStatus(models.StatusConnected, nil)
	return nil
}

func (c *Connector) open(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if err := c.driver.Open(callCtx); err != nil {
		return c.connErr("connect", callCtx, err)
	}
	return nil
}

// Reconnect performs one recovery attempt from ERROR. Each failed attempt
// counts against MaxAttempts; when the budget is spent the connector moves to
// FAILED and an *ExhaustionError is returned.
func (c *Connector) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case models.StatusFailed:
		c.mu.Unlock()
		return &ConnectionError{Store: c.name, Op: "reconnect", Err: ErrFailed}
	case models.StatusConnected:
		c.mu.Unlock()
		return nil
	}
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	c.setStatus(models.StatusReconnecting, nil)
	closeCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	_ = c.driver.Close(closeCtx)
	cancel()

	err := c.open(ctx)
	if err == nil {
		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()
		c.setStatus(models.StatusConnected, nil)
		c.logger.Info("Reconnected", zap.Int("attempt", attempt))
		return nil
	}

	if attempt >= c.maxAttempts {
		exhausted := &ExhaustionError{Store: c.name, Op: "reconnect", Attempts: attempt, Err: err}
		c.setStatus(models.StatusFailed, exhausted)
		return exhausted
	}
	c.setStatus(models.StatusError, err)
	return err
}

// Attempts returns the number of failed reconnect attempts since the last
// successful connection.
func (c *Connector) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// ready admits calls while CONNECTED or ERROR. A store in ERROR keeps its
// handle open, so a call that succeeds there proves the store is reachable
// again and restores CONNECTED without waiting for the monitor.
func (c *Connector) ready(op string) error {
	switch c.Status() {
	case models.StatusConnected, models.StatusError:
		return nil
	case models.StatusFailed:
		return &ConnectionError{Store: c.name, Op: op, Err: ErrFailed}
	default:
		return &ConnectionError{Store: c.name, Op: op, Err: ErrNotConnected}
	}
}

func (c *Connector) recovered() {
	c.mu.Lock()
	if c.status != models.StatusError {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	c.mu.Unlock()
	c.setStatus(models.StatusConnected, nil)
}

// fail classifies a driver error. Schema errors pass through untouched;
// anything else is a transient connection failure that moves a live
// connector into ERROR.
func (c *Connector) fail(op string, ctx context.Context, err error) error {
	if errors.Is(err, ErrSchema) {
		return err
	}
	if errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled {
		return err
	}
	connErr := c.connErr(op, ctx, err)
	switch c.Status() {
	case models.StatusConnected, models.StatusConnecting:
		c.setStatus(models.StatusError, connErr)
	}
	return connErr
}

func (c *Connector) connErr(op string, ctx context.Context, err error) error {
	var existing *ConnectionError
	if errors.As(err, &existing) {
		return existing
	}
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	return &ConnectionError{Store: c.name, Op: op, Timeout: timeout, Err: err}
}

// Query reads records. I/O failures are returned as *ConnectionError.
func (c *Connector) Query(ctx context.Context, q Query) ([]models.Record, error) {
	if err := c.ready("query"); err != nil {
		return nil, err
	}
	if err := ValidateIdent(q.Table); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	records, err := c.driver.Query(callCtx, q)
	if err != nil {
		return nil, c.fail("query", callCtx, err)
	}
	c.recovered()
	return records, nil
}

// Upsert writes records keyed by (symbol, timestamp). Failures are returned
// as *UploadError, permanent when the store rejected the payload.
func (c *Connector) Upsert(ctx context.Context, table string, records []models.Record) (int, error) {
	if err := c.ready("upsert"); err != nil {
		return 0, &UploadError{Store: c.name, Table: table, Err: err, Permanent: errors.Is(err, ErrFailed)}
	}
	if err := ValidateIdent(table); err != nil {
		return 0, &UploadError{Store: c.name, Table: table, Permanent: true, Err: err}
	}
	if len(records) == 0 {
		return 0, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	n, err := c.driver.Upsert(callCtx, table, records)
	if err != nil {
		var upload *UploadError
		if errors.As(err, &upload) {
			return n, upload
		}
		if errors.Is(err, ErrSchema) {
			return n, &UploadError{Store: c.name, Table: table, Permanent: true, Err: err}
		}
		return n, &UploadError{Store: c.name, Table: table, Err: c.fail("upsert", callCtx, err)}
	}
	c.recovered()
	return n, nil
}

// Create inserts records without upsert semantics on drivers that support it.
func (c *Connector) Create(ctx context.Context, collection string, records []models.Record) (int, error) {
	w, ok := c.driver.(DocumentWriter)
	if !ok {
		return 0, fmt.Errorf("%s: create not supported by driver", c.name)
	}
	if err := c.ready("create"); err != nil {
		return 0, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	n, err := w.Create(callCtx, collection, records)
	if err != nil {
		return n, c.fail("create", callCtx, err)
	}
	c.recovered()
	return n, nil
}

// Update replaces the record stored under the record's key.
func (c *Connector) Update(ctx context.Context, collection string, record models.Record) error {
	w, ok := c.driver.(DocumentWriter)
	if !ok {
		return fmt.Errorf("%s: update not supported by driver", c.name)
	}
	if err := c.ready("update"); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if err := w.Update(callCtx, collection, record); err != nil {
		return c.fail("update", callCtx, err)
	}
	c.recovered()
	return nil
}

func (c *Connector) Count(ctx context.Context, table string) (int64, error) {
	if err := c.ready("count"); err != nil {
		return 0, err
	}
	if err := ValidateIdent(table); err != nil {
		return 0, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	n, err := c.driver.Count(callCtx, table)
	if err != nil {
		return 0, c.fail("count", callCtx, err)
	}
	c.recovered()
	return n, nil
}

// Ping runs the lightweight health probe and returns its latency.
func (c *Connector) Ping(ctx context.Context) (time.Duration, error) {
	if err := c.ready("ping"); err != nil {
		return 0, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	start := time.Now()
	err := c.driver.Ping(callCtx)
	latency := time.Since(start)
	if err != nil {
		return latency, c.fail("ping", callCtx, err)
	}
	c.recovered()
	return latency, nil
}

// Close releases the store. The connector returns to DISCONNECTED unless it
// has already failed.
func (c *Connector) Close(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	err := c.driver.Close(callCtx)
	if c.Status() != models.StatusFailed {
		c.setStatus(models.StatusDisconnected, nil)
	}
	return err
}
