package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"market_sync_backend/models"
)

// RelationalDriver stores records in postgres or sqlite tables through gorm.
// Each table is migrated on open with a unique (symbol, timestamp) index.
type RelationalDriver struct {
	dialect  string
	dsn      string
	tables   []string
	logLevel logger.LogLevel
	log      *zap.Logger

	mu sync.RWMutex
	db *gorm.DB
}

func NewRelationalDriver(dialect, dsn string, tables []string, production bool, log *zap.Logger) (*RelationalDriver, error) {
	switch dialect {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported relational dialect %q", dialect)
	}
	for _, t := range tables {
		if err := ValidateIdent(t); err != nil {
			return nil, err
		}
	}
	level := logger.Warn
	if production {
		level = logger.Error
	}
	return &RelationalDriver{dialect: dialect, dsn: dsn, tables: tables, logLevel: level, log: log}, nil
}

func (d *RelationalDriver) Dialect() string { return d.dialect }

// DSN is the connection string, used by the postgres COPY snapshotter.
func (d *RelationalDriver) DSN() string { return d.dsn }

func (d *RelationalDriver) dialector() gorm.Dialector {
	if d.dialect == "postgres" {
		return postgres.Open(d.dsn)
	}
	return sqlite.Open(d.dsn)
}

func (d *RelationalDriver) Open(ctx context.Context) error {
	if d.dialect == "sqlite" && !strings.HasPrefix(d.dsn, "file:") && d.dsn != ":memory:" {
		if dir := filepath.Dir(d.dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(d.dialector(), &gorm.Config{
		Logger: logger.Default.LogMode(d.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database: %w", err)
	}
	if d.dialect == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return fmt.Errorf("database ping failed: %w", err)
	}

	for _, t := range d.tables {
		if err := models.MigrateStockTable(db.WithContext(ctx), t); err != nil {
			sqlDB.Close()
			return err
		}
	}

	d.mu.Lock()
	d.db = db
	d.mu.Unlock()
	d.log.Info("Database connection verified", zap.String("dialect", d.dialect), zap.Strings("tables", d.tables))
	return nil
}

func (d *RelationalDriver) handle() (*gorm.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, ErrNotConnected
	}
	return d.db, nil
}

func (d *RelationalDriver) Ping(ctx context.Context) error {
	db, err := d.handle()
	if err != nil {
		return err
	}
	var one int
	return db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error
}

func (d *RelationalDriver) Query(ctx context.Context, q Query) ([]models.Record, error) {
	db, err := d.handle()
	if err != nil {
		return nil, err
	}

	tx := db.WithContext(ctx).Table(q.Table)
	if q.Symbol != "" {
		tx = tx.Where("symbol = ?", q.Symbol)
	}
	if !q.From.IsZero() {
		tx = tx.Where(`"timestamp" >= ?`, q.From.UTC())
	}
	if !q.To.IsZero() {
		tx = tx.Where(`"timestamp" <= ?`, q.To.UTC())
	}
	tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}, Desc: q.Descending}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "symbol"}, Desc: q.Descending})
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}

	var rows []models.StockPrice
	if err := tx.Find(&rows).Error; err != nil {
		return nil, classifySQL(err)
	}
	out := make([]models.Record, len(rows))
	for i, row := range rows {
		out[i] = row.Record()
	}
	return out, nil
}

func (d *RelationalDriver) Upsert(ctx context.Context, table string, records []models.Record) (int, error) {
	db, err := d.handle()
	if err != nil {
		return 0, err
	}

	rows := make([]models.StockPrice, len(records))
	for i, r := range records {
		rows[i] = models.NewStockPrice(r)
	}

	err = db.WithContext(ctx).Table(table).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "timestamp"}},
		DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume", "source", "updated_at"}),
	}).Create(&rows).Error
	if err != nil {
		return 0, classifySQL(err)
	}
	return len(rows), nil
}

func (d *RelationalDriver) Count(ctx context.Context, table string) (int64, error) {
	db, err := d.handle()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.WithContext(ctx).Table(table).Count(&n).Error; err != nil {
		return 0, classifySQL(err)
	}
	return n, nil
}

func (d *RelationalDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	db := d.db
	d.db = nil
	d.mu.Unlock()
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// classifySQL marks syntax, undefined-object and data errors as schema
// failures; everything else stays a connection-level error.
func classifySQL(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		class := pgErr.Code[:2]
		if class == "42" || class == "22" || class == "23" {
			return fmt.Errorf("%w: %s", ErrSchema, pgErr.Message)
		}
		return err
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrError, sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrRange:
			return fmt.Errorf("%w: %v", ErrSchema, liteErr)
		}
	}
	return err
}
