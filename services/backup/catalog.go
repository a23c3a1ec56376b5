package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"market_sync_backend/models"
)

// Catalog records completed backups in a SQLite database.
type Catalog struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenCatalog opens (creating if needed) the catalog at path.
func OpenCatalog(path string) (*Catalog, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup catalog: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping backup catalog: %w", err)
	}

	c := &Catalog{db: db}
	if err := c.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *Catalog) createTables() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	backupsTable := `
		CREATE TABLE IF NOT EXISTS backups (
			id VARCHAR PRIMARY KEY,
			kind VARCHAR NOT NULL,
			path VARCHAR NOT NULL,
			format VARCHAR NOT NULL,
			checksum VARCHAR NOT NULL,
			record_count INTEGER,
			size_bytes INTEGER,
			watermark TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)
	`
	if _, err := c.db.Exec(backupsTable); err != nil {
		return fmt.Errorf("failed to create backups table: %w", err)
	}
	return nil
}

// Add stores a completed backup.
func (c *Catalog) Add(ctx context.Context, b models.BackupInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	query := `
		INSERT INTO backups (
			id, kind, path, format, checksum, record_count, size_bytes, watermark, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.db.ExecContext(ctx, query,
		b.ID, b.Kind, b.Path, b.Format, b.Checksum, b.RecordCount, b.SizeBytes,
		b.Watermark.UTC(), b.CreatedAt.UTC(),
	)
	return err
}

// List returns backups newest first.
func (c *Catalog) List(ctx context.Context) ([]models.BackupInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, kind, path, format, checksum, record_count, size_bytes, watermark, created_at
		FROM backups ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BackupInfo
	for rows.Next() {
		var b models.BackupInfo
		var watermark sql.NullTime
		if err := rows.Scan(&b.ID, &b.Kind, &b.Path, &b.Format, &b.Checksum, &b.RecordCount, &b.SizeBytes, &watermark, &b.CreatedAt); err != nil {
			return nil, err
		}
		if watermark.Valid {
			b.Watermark = watermark.Time.UTC()
		}
		b.CreatedAt = b.CreatedAt.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// Get returns one backup by id.
func (c *Catalog) Get(ctx context.Context, id string) (models.BackupInfo, error) {
	list, err := c.List(ctx)
	if err != nil {
		return models.BackupInfo{}, err
	}
	for _, b := range list {
		if b.ID == id {
			return b, nil
		}
	}
	return models.BackupInfo{}, ErrNotFound
}

// LastWatermark returns the watermark of the newest backup, zero if none.
func (c *Catalog) LastWatermark(ctx context.Context) (time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var watermark sql.NullTime
	err := c.db.QueryRowContext(ctx, `SELECT watermark FROM backups ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&watermark)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !watermark.Valid) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return watermark.Time.UTC(), nil
}

// Remove deletes a catalog entry.
func (c *Catalog) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
	return err
}
