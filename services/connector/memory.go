package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"market_sync_backend/models"
)

// MemoryDriver keeps records in process. It backs the "memory" store driver
// for local development and stands in for real stores in tests, with hooks
// to inject failures.
type MemoryDriver struct {
	mu     sync.Mutex
	tables map[string]map[string]models.Record

	openErr     error
	pingErr     error
	queryErr    error
	upsertErrs  []error
	upsertSizes []int
	upsertCalls int

	holdTable   string
	holdRelease <-chan struct{}
	holdEntered chan struct{}
	holdOnce    sync.Once
}

func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{tables: make(map[string]map[string]models.Record)}
}

// Seed stores records directly, bypassing failure hooks.
func (m *MemoryDriver) Seed(table string, records ...models.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(table, records)
}

func (m *MemoryDriver) put(table string, records []models.Record) {
	t, ok := m.tables[table]
	if !ok {
		t = make(map[string]models.Record)
		m.tables[table] = t
	}
	for _, r := range records {
		r.Timestamp = r.Timestamp.UTC()
		t[r.Key().String()] = r
	}
}

// SetOpenError makes Open fail with err until cleared with nil.
func (m *MemoryDriver) SetOpenError(err error) {
	m.mu.Lock()
	m.openErr = err
	m.mu.Unlock()
}

// SetPingError makes Ping fail with err until cleared with nil.
func (m *MemoryDriver) SetPingError(err error) {
	m.mu.Lock()
	m.pingErr = err
	m.mu.Unlock()
}

// SetQueryError makes Query and Count fail with err until cleared with nil.
func (m *MemoryDriver) SetQueryError(err error) {
	m.mu.Lock()
	m.queryErr = err
	m.mu.Unlock()
}

// FailUpserts queues errors returned by the next upsert calls, in order.
func (m *MemoryDriver) FailUpserts(errs ...error) {
	m.mu.Lock()
	m.upsertErrs = append(m.upsertErrs, errs...)
	m.mu.Unlock()
}

// UpsertCalls returns the number of upsert calls and the sizes of the
// batches that were stored.
func (m *MemoryDriver) UpsertCalls() (int, []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make([]int, len(m.upsertSizes))
	copy(sizes, m.upsertSizes)
	return m.upsertCalls, sizes
}

// Records returns the stored records of table ordered by (timestamp, symbol).
func (m *MemoryDriver) Records(table string) []models.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(table, false)
}

func (m *MemoryDriver) sorted(table string, desc bool) []models.Record {
	out := make([]models.Record, 0, len(m.tables[table]))
	for _, r := range m.tables[table] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			if desc {
				return a.Timestamp.After(b.Timestamp)
			}
			return a.Timestamp.Before(b.Timestamp)
		}
		if desc {
			return a.Symbol > b.Symbol
		}
		return a.Symbol < b.Symbol
	})
	return out
}

func (m *MemoryDriver) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openErr
}

func (m *MemoryDriver) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *MemoryDriver) Query(ctx context.Context, q Query) ([]models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}

	var out []models.Record
	for _, r := range m.sorted(q.Table, q.Descending) {
		if q.Symbol != "" && r.Symbol != q.Symbol {
			continue
		}
		if !q.From.IsZero() && r.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && r.Timestamp.After(q.To) {
			continue
		}
		out = append(out, r)
	}

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// HoldUpserts makes upserts into table wait until release is closed or
// their context ends. The returned channel is closed when the first held
// upsert arrives.
func (m *MemoryDriver) HoldUpserts(table string, release <-chan struct{}) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdTable = table
	m.holdRelease = release
	m.holdEntered = make(chan struct{})
	m.holdOnce = sync.Once{}
	return m.holdEntered
}

func (m *MemoryDriver) Upsert(ctx context.Context, table string, records []models.Record) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	release, entered := m.holdRelease, m.holdEntered
	held := release != nil && table == m.holdTable
	m.mu.Unlock()
	if held {
		m.holdOnce.Do(func() { close(entered) })
		select {
		case <-release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertCalls++
	if len(m.upsertErrs) > 0 {
		err := m.upsertErrs[0]
		m.upsertErrs = m.upsertErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	m.put(table, records)
	m.upsertSizes = append(m.upsertSizes, len(records))
	return len(records), nil
}

func (m *MemoryDriver) Count(ctx context.Context, table string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return 0, m.queryErr
	}
	return int64(len(m.tables[table])), nil
}

func (m *MemoryDriver) Create(ctx context.Context, collection string, records []models.Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if _, exists := m.tables[collection][r.Key().String()]; exists {
			return 0, fmt.Errorf("%w: duplicate key %s", ErrSchema, r.Key())
		}
	}
	m.put(collection, records)
	return len(records), nil
}

func (m *MemoryDriver) Update(ctx context.Context, collection string, record models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tables[collection][record.Key().String()]; !exists {
		return fmt.Errorf("%w: no record for key %s", ErrSchema, record.Key())
	}
	m.put(collection, []models.Record{record})
	return nil
}

func (m *MemoryDriver) Close(ctx context.Context) error { return nil }
