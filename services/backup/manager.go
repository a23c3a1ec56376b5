// Package backup exports the time-series store to compressed snapshots
// and keeps a bounded catalog of them.
package backup

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"market_sync_backend/models"
	"market_sync_backend/services/alerts"
	"market_sync_backend/services/connector"
)

var (
	ErrNoSource   = errors.New("backup: no time-series store configured")
	ErrNotFound   = errors.New("backup: not found")
	ErrInProgress = errors.New("backup: another backup is running")
)

const (
	DefaultRetention = 5
	exportPageSize   = 1000

	FormatJSONL = "jsonl.gz"
	FormatCSV   = "csv.gz"
)

type Config struct {
	Dir       string
	Retention int
	Tables    []string
	// UseCopy streams postgres tables with COPY instead of paginated reads.
	UseCopy bool
}

// line is one exported record.
type line struct {
	Table string `json:"table"`
	models.Record
}

type Manager struct {
	store   *connector.Connector
	catalog *Catalog
	cfg     Config
	alerts  alerts.Raiser
	log     *zap.Logger
	now     func() time.Time
	// beforeCopy runs between reading a table's bound and its COPY.
	beforeCopy func(table string)

	mu sync.Mutex
}

func NewManager(store *connector.Connector, catalog *Catalog, cfg Config, raiser alerts.Raiser, log *zap.Logger) *Manager {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Dir == "" {
		cfg.Dir = "data/backups"
	}
	return &Manager{store: store, catalog: catalog, cfg: cfg, alerts: raiser, log: log, now: time.Now}
}

// CreateBackup writes a full or incremental snapshot, records it in the
// catalog and prunes old backup chains beyond the retention count. An incremental
// backup exports records newer than the newest backup's watermark, or
// everything when there is none.
func (m *Manager) CreateBackup(ctx context.Context, kind string) (models.BackupInfo, error) {
	if m.store == nil {
		return models.BackupInfo{}, ErrNoSource
	}
	if kind != models.BackupFull && kind != models.BackupIncremental {
		return models.BackupInfo{}, fmt.Errorf("backup: unknown kind %q", kind)
	}
	if !m.mu.TryLock() {
		return models.BackupInfo{}, ErrInProgress
	}
	defer m.mu.Unlock()

	info, err := m.create(ctx, kind)
	if err != nil {
		m.log.Error("Backup failed", zap.String("kind", kind), zap.Error(err))
		if m.alerts != nil {
			m.alerts.Raise(ctx, models.Alert{
				Type:     models.AlertBackupFailed,
				Subject:  kind,
				Severity: models.SeverityWarning,
				Message:  fmt.Sprintf("%s backup failed: %v", kind, err),
			})
		}
		return models.BackupInfo{}, err
	}

	m.log.Info("Backup created",
		zap.String("id", info.ID),
		zap.String("kind", kind),
		zap.Int64("records", info.RecordCount),
		zap.Int64("bytes", info.SizeBytes),
		zap.String("checksum", info.Checksum))

	if err := m.prune(ctx); err != nil {
		m.log.Warn("Backup retention pruning failed", zap.Error(err))
	}
	return info, nil
}

func (m *Manager) create(ctx context.Context, kind string) (models.BackupInfo, error) {
	var since time.Time
	if kind == models.BackupIncremental {
		wm, err := m.catalog.LastWatermark(ctx)
		if err != nil {
			return models.BackupInfo{}, fmt.Errorf("read watermark: %w", err)
		}
		since = wm
	}

	created := m.now().UTC()
	info := models.BackupInfo{
		ID:        uuid.NewString(),
		Kind:      kind,
		Format:    FormatJSONL,
		CreatedAt: created,
		Watermark: since,
	}

	pg, usePG := m.copySource()
	if usePG {
		info.Format = FormatCSV
	}
	if err := os.MkdirAll(m.cfg.Dir, 0755); err != nil {
		return info, fmt.Errorf("create backup dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%s.%s", kind, created.Format("20060102T150405Z"), info.ID[:8], info.Format)
	info.Path = filepath.Join(m.cfg.Dir, name)

	f, err := os.Create(info.Path)
	if err != nil {
		return info, fmt.Errorf("create backup file: %w", err)
	}
	hasher, _ := blake2b.New256(nil)
	gz := gzip.NewWriter(io.MultiWriter(f, hasher))

	var count int64
	var watermark time.Time
	if usePG {
		count, watermark, err = m.exportCopy(ctx, gz, pg, since)
	} else {
		count, watermark, err = m.exportJSONL(ctx, gz, since)
	}
	if err == nil {
		err = gz.Close()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(info.Path)
		return info, err
	}

	st, err := os.Stat(info.Path)
	if err != nil {
		return info, err
	}
	info.SizeBytes = st.Size()
	info.RecordCount = count
	info.Checksum = hex.EncodeToString(hasher.Sum(nil))
	if watermark.After(info.Watermark) {
		info.Watermark = watermark
	}

	if err := m.catalog.Add(ctx, info); err != nil {
		os.Remove(info.Path)
		return info, fmt.Errorf("record backup: %w", err)
	}
	return info, nil
}

func (m *Manager) exportJSONL(ctx context.Context, w io.Writer, since time.Time) (int64, time.Time, error) {
	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)

	var count int64
	var watermark time.Time
	for _, table := range m.cfg.Tables {
		q := connector.Query{Table: table, Limit: exportPageSize}
		if !since.IsZero() {
			q.From = since.Add(time.Nanosecond)
		}
		for {
			page, err := m.store.Query(ctx, q)
			if err != nil {
				return count, watermark, fmt.Errorf("export %s at offset %d: %w", table, q.Offset, err)
			}
			for _, r := range page {
				if err := enc.Encode(line{Table: table, Record: r}); err != nil {
					return count, watermark, err
				}
				count++
				if r.Timestamp.After(watermark) {
					watermark = r.Timestamp.UTC()
				}
			}
			if len(page) < exportPageSize {
				break
			}
			q.Offset += len(page)
		}
	}
	return count, watermark, buf.Flush()
}

func (m *Manager) copySource() (*connector.RelationalDriver, bool) {
	if !m.cfg.UseCopy {
		return nil, false
	}
	rd, ok := m.store.Driver().(*connector.RelationalDriver)
	if !ok || rd.Dialect() != "postgres" {
		return nil, false
	}
	return rd, true
}

// exportCopy streams each table through COPY TO STDOUT as CSV. The table's
// newest timestamp is read first and bounds the COPY, so rows committed
// while it runs land in the next incremental instead of behind the
// watermark.
func (m *Manager) exportCopy(ctx context.Context, w io.Writer, rd *connector.RelationalDriver, since time.Time) (int64, time.Time, error) {
	conn, err := pgconn.Connect(ctx, rd.DSN())
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("connect for copy: %w", err)
	}
	defer conn.Close(context.Background())

	var count int64
	var watermark time.Time
	for _, table := range m.cfg.Tables {
		if err := connector.ValidateIdent(table); err != nil {
			return count, watermark, err
		}
		latest, err := m.store.Query(ctx, connector.Query{Table: table, Descending: true, Limit: 1})
		if err != nil {
			return count, watermark, err
		}
		if len(latest) == 0 || !latest[0].Timestamp.After(since) {
			continue
		}
		upper := latest[0].Timestamp.UTC()
		if m.beforeCopy != nil {
			m.beforeCopy(table)
		}

		where := fmt.Sprintf(` WHERE "timestamp" <= '%s'`, upper.Format(time.RFC3339Nano))
		if !since.IsZero() {
			where += fmt.Sprintf(` AND "timestamp" > '%s'`, since.UTC().Format(time.RFC3339Nano))
		}
		sql := fmt.Sprintf(`COPY (SELECT '%s' AS source_table, symbol, "timestamp", open, high, low, close, volume, source FROM %s%s ORDER BY "timestamp", symbol) TO STDOUT WITH (FORMAT csv, HEADER true)`, table, table, where)
		tag, err := conn.CopyTo(ctx, w, sql)
		if err != nil {
			return count, watermark, fmt.Errorf("copy %s: %w", table, err)
		}
		count += tag.RowsAffected()
		if upper.After(watermark) {
			watermark = upper
		}
	}
	return count, watermark, nil
}

// prune removes whole backup chains, oldest first, once the retained count
// would exceed the retention setting. A chain is a full backup plus every
// incremental taken after it. The newest chain is always kept.
func (m *Manager) prune(ctx context.Context) error {
	list, err := m.catalog.List(ctx)
	if err != nil {
		return err
	}
	chains := chainsOf(list)
	if len(chains) <= 1 {
		return nil
	}

	kept := len(chains[0])
	cut := len(chains)
	for i, chain := range chains[1:] {
		if kept+len(chain) > m.cfg.Retention {
			cut = i + 1
			break
		}
		kept += len(chain)
	}

	for _, chain := range chains[cut:] {
		for _, b := range chain {
			if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
				return err
			}
			if err := m.catalog.Remove(ctx, b.ID); err != nil {
				return err
			}
			m.log.Info("Pruned backup",
				zap.String("id", b.ID),
				zap.String("kind", b.Kind),
				zap.Time("created_at", b.CreatedAt))
		}
	}
	return nil
}

// chainsOf groups a newest-first backup list into restore chains, newest
// chain first. Incrementals older than every full backup form their own
// chain, since the first of them exported everything.
func chainsOf(list []models.BackupInfo) [][]models.BackupInfo {
	var chains [][]models.BackupInfo
	var current []models.BackupInfo
	for _, b := range list {
		current = append(current, b)
		if b.Kind == models.BackupFull {
			chains = append(chains, current)
			current = nil
		}
	}
	if len(current) > 0 {
		chains = append(chains, current)
	}
	return chains
}

func (m *Manager) List(ctx context.Context) ([]models.BackupInfo, error) {
	return m.catalog.List(ctx)
}

// Verify recomputes the checksum of a stored backup.
func (m *Manager) Verify(ctx context.Context, id string) (bool, error) {
	b, err := m.catalog.Get(ctx, id)
	if err != nil {
		return false, err
	}
	sum, err := checksumFile(b.Path)
	if err != nil {
		return false, err
	}
	return sum == b.Checksum, nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, _ := blake2b.New256(nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadRecords decodes a JSON lines backup. Used by restore tooling and tests.
func ReadRecords(path string) (map[string][]models.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	out := make(map[string][]models.Record)
	dec := json.NewDecoder(gz)
	for {
		var l line
		if err := dec.Decode(&l); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		out[l.Table] = append(out[l.Table], l.Record)
	}
	return out, nil
}
