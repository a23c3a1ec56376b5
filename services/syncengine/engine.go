// Package syncengine reconciles time-series tables into their document
// store collections with batched, bounded-concurrency uploads.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"market_sync_backend/models"
	"market_sync_backend/services/alerts"
	"market_sync_backend/services/connector"
	"market_sync_backend/services/retry"
	"market_sync_backend/services/validator"
)

var ErrInProgress = errors.New("sync already running for table")

const DefaultPageSize = 1000

type Config struct {
	BatchSize     int
	MaxConcurrent int
	Retry         retry.Policy
	// Collection maps a table to its document store collection.
	Collection func(table string) string
}

type Engine struct {
	source *connector.Connector
	target *connector.Connector
	cfg    Config
	alerts alerts.Raiser
	log    *zap.Logger

	mu      sync.Mutex
	running map[string]bool
	last    map[string]models.SyncResult
}

func New(source, target *connector.Connector, cfg Config, raiser alerts.Raiser, log *zap.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.Collection == nil {
		cfg.Collection = func(table string) string { return table }
	}
	return &Engine{
		source:  source,
		target:  target,
		cfg:     cfg,
		alerts:  raiser,
		log:     log,
		running: make(map[string]bool),
		last:    make(map[string]models.SyncResult),
	}
}

// run holds the counters of one table sync. Upload workers only touch the
// atomics.
type run struct {
	processed int64
	synced    atomic.Int64
	failed    atomic.Int64
	sizes     []int
}

// SyncTable copies every valid record of table into its collection.
// Invalid records and batches that fail after all retries are counted as
// failed; the run continues past them. An error is returned only when the
// source cannot be read or ctx ends, together with the partial result.
func (e *Engine) SyncTable(ctx context.Context, table string, pageSize int) (models.SyncResult, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if err := e.begin(table); err != nil {
		return models.SyncResult{Table: table}, err
	}
	defer e.end(table)

	collection := e.cfg.Collection(table)
	started := time.Now()
	log := e.log.With(zap.String("table", table), zap.String("collection", collection))
	log.Info("Sync started", zap.Int("page_size", pageSize), zap.Int("batch_size", e.cfg.BatchSize))

	r := &run{}
	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrent)

	submit := func(batch []models.Record) {
		r.sizes = append(r.sizes, len(batch))
		index := len(r.sizes)
		g.Go(func() error {
			e.upload(ctx, log, collection, index, batch, r)
			return nil
		})
	}

	var readErr error
	var pending []models.Record
	for offset := 0; ; offset += pageSize {
		page, err := e.readPage(ctx, table, offset, pageSize)
		if err != nil {
			readErr = fmt.Errorf("read %s at offset %d: %w", table, offset, err)
			break
		}
		r.processed += int64(len(page))

		valid, invalid := validator.Filter(page)
		if invalid > 0 {
			r.failed.Add(int64(invalid))
			log.Warn("Discarded invalid records", zap.Int("count", invalid), zap.Int("offset", offset))
		}

		pending = append(pending, valid...)
		for len(pending) >= e.cfg.BatchSize {
			batch := make([]models.Record, e.cfg.BatchSize)
			copy(batch, pending)
			pending = pending[e.cfg.BatchSize:]
			submit(batch)
		}
		if len(page) < pageSize {
			break
		}
	}
	if len(pending) > 0 {
		submit(pending)
	}
	g.Wait()

	stats := models.SyncStatistics{
		RecordsProcessed: r.processed,
		RecordsSynced:    r.synced.Load(),
		RecordsFailed:    r.failed.Load(),
		Duration:         time.Since(started),
	}
	result := models.SyncResult{
		Table: table,
		Target: models.TargetResult{
			Collection: collection,
			Synced:     stats.RecordsSynced,
			Total:      stats.RecordsProcessed,
		},
		Batches:    len(r.sizes),
		BatchSizes: r.sizes,
		Statistics: stats.View(),
		StartedAt:  started,
	}

	e.mu.Lock()
	e.last[table] = result
	e.mu.Unlock()

	fields := []zap.Field{
		zap.Int64("total", stats.RecordsProcessed),
		zap.Int64("synced", stats.RecordsSynced),
		zap.Int64("failed", stats.RecordsFailed),
		zap.Int("batches", result.Batches),
		zap.Duration("duration", stats.Duration),
	}
	if readErr != nil {
		log.Error("Sync aborted", append(fields, zap.Error(readErr))...)
		return result, readErr
	}
	log.Info("Sync completed", fields...)
	return result, nil
}

func (e *Engine) readPage(ctx context.Context, table string, offset, limit int) ([]models.Record, error) {
	var page []models.Record
	err := retry.Do(ctx, e.cfg.Retry, connector.IsTransient, func(ctx context.Context, attempt int) error {
		var err error
		page, err = e.source.Query(ctx, connector.Query{Table: table, Limit: limit, Offset: offset})
		return err
	})
	return page, err
}

func (e *Engine) upload(ctx context.Context, log *zap.Logger, collection string, index int, batch []models.Record, r *run) {
	attempts := 0
	err := retry.Do(ctx, e.cfg.Retry, connector.IsTransient, func(ctx context.Context, attempt int) error {
		attempts = attempt
		_, err := e.target.Upsert(ctx, collection, batch)
		if err != nil && connector.IsTransient(err) {
			log.Warn("Batch upload failed, retrying",
				zap.Int("batch", index),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	})
	if err == nil {
		r.synced.Add(int64(len(batch)))
		if attempts > 1 {
			log.Info("Batch uploaded after retry", zap.Int("batch", index), zap.Int("attempts", attempts))
		}
		return
	}

	r.failed.Add(int64(len(batch)))
	log.Error("Batch failed", zap.Int("batch", index), zap.Int("size", len(batch)), zap.Error(err))

	var exhausted *retry.ExhaustedError
	switch {
	case connector.IsPermanentUpload(err):
		e.raise(ctx, models.Alert{
			Type:          models.AlertSchemaMismatch,
			Subject:       collection,
			Severity:      models.SeverityWarning,
			Message:       fmt.Sprintf("batch %d rejected by %s: %v", index, collection, err),
			ObservedValue: float64(len(batch)),
		})
	case errors.As(err, &exhausted):
		e.raise(ctx, models.Alert{
			Type:          models.AlertSyncExhausted,
			Subject:       collection,
			Severity:      models.SeverityCritical,
			Message:       fmt.Sprintf("batch %d to %s failed after %d attempts: %v", index, collection, exhausted.Attempts, exhausted.Err),
			Threshold:     float64(e.cfg.Retry.MaxAttempts),
			ObservedValue: float64(exhausted.Attempts),
		})
	}
}

func (e *Engine) raise(ctx context.Context, a models.Alert) {
	if e.alerts != nil {
		e.alerts.Raise(ctx, a)
	}
}

func (e *Engine) begin(table string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[table] {
		return fmt.Errorf("%w: %s", ErrInProgress, table)
	}
	e.running[table] = true
	return nil
}

func (e *Engine) end(table string) {
	e.mu.Lock()
	delete(e.running, table)
	e.mu.Unlock()
}

// SyncAll syncs each table in turn and returns the per-collection outcome.
// A failing table does not stop the others.
func (e *Engine) SyncAll(ctx context.Context, tables []string, pageSize int) ([]models.TargetResult, error) {
	var (
		out  []models.TargetResult
		errs []error
	)
	for _, table := range tables {
		res, err := e.SyncTable(ctx, table, pageSize)
		if err != nil {
			errs = append(errs, err)
		}
		if res.Target.Collection != "" {
			out = append(out, res.Target)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return out, errors.Join(errs...)
}

// LastResults returns the most recent result of every synced table.
func (e *Engine) LastResults() []models.SyncResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.SyncResult, 0, len(e.last))
	for _, r := range e.last {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

// Statistics sums the latest run of each table.
func (e *Engine) Statistics() models.SyncStatistics {
	var total models.SyncStatistics
	for _, r := range e.LastResults() {
		total.Add(r.Statistics.SyncStatistics)
	}
	return total
}
