package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Record is a single OHLCV tick for one symbol at one instant.
// Records are unique per (Symbol, Timestamp) and never mutated in place.
// Prices are bounded below 1e12 so they fit the decimal(18,6) columns and
// the symbol fits the size:32 column.
type Record struct {
	Symbol    string    `json:"symbol" bson:"symbol" validate:"notblank,max=32"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp" validate:"required"`
	Open      float64   `json:"open" bson:"open" validate:"gt=0,lt=1e12"`
	High      float64   `json:"high" bson:"high" validate:"gt=0,lt=1e12,gtefield=Open,gtefield=Close,gtefield=Low"`
	Low       float64   `json:"low" bson:"low" validate:"gt=0,lt=1e12,ltefield=Open,ltefield=Close,ltefield=High"`
	Close     float64   `json:"close" bson:"close" validate:"gt=0,lt=1e12"`
	Volume    int64     `json:"volume" bson:"volume" validate:"min=0"`
	Source    string    `json:"source" bson:"source"`
}

// Key returns the upsert key of the record.
func (r Record) Key() RecordKey {
	return RecordKey{Symbol: r.Symbol, Timestamp: r.Timestamp.UTC()}
}

// RecordKey identifies a record across stores.
type RecordKey struct {
	Symbol    string
	Timestamp time.Time
}

// String renders the key as symbol@RFC3339Nano, used as document id.
func (k RecordKey) String() string {
	return fmt.Sprintf("%s@%s", k.Symbol, k.Timestamp.UTC().Format(time.RFC3339Nano))
}

// StockPrice is the relational row for a Record. One table per synchronized
// series; the table name is chosen at query time.
type StockPrice struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	Symbol    string          `gorm:"not null;size:32" json:"symbol"`
	Timestamp time.Time       `gorm:"column:timestamp;not null" json:"timestamp"`
	Open      decimal.Decimal `gorm:"type:decimal(18,6)" json:"open"`
	High      decimal.Decimal `gorm:"type:decimal(18,6)" json:"high"`
	Low       decimal.Decimal `gorm:"type:decimal(18,6)" json:"low"`
	Close     decimal.Decimal `gorm:"type:decimal(18,6)" json:"close"`
	Volume    int64           `json:"volume"`
	Source    string          `gorm:"size:64" json:"source"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewStockPrice converts a validated record into its row form.
func NewStockPrice(r Record) StockPrice {
	return StockPrice{
		Symbol:    r.Symbol,
		Timestamp: r.Timestamp.UTC(),
		Open:      decimal.NewFromFloat(r.Open),
		High:      decimal.NewFromFloat(r.High),
		Low:       decimal.NewFromFloat(r.Low),
		Close:     decimal.NewFromFloat(r.Close),
		Volume:    r.Volume,
		Source:    r.Source,
	}
}

// Record converts the row back to the domain record.
func (p StockPrice) Record() Record {
	return Record{
		Symbol:    p.Symbol,
		Timestamp: p.Timestamp.UTC(),
		Open:      p.Open.InexactFloat64(),
		High:      p.High.InexactFloat64(),
		Low:       p.Low.InexactFloat64(),
		Close:     p.Close.InexactFloat64(),
		Volume:    p.Volume,
		Source:    p.Source,
	}
}

// MigrateStockTable creates the table for one series and the unique
// (symbol, timestamp) index the upsert relies on.
func MigrateStockTable(db *gorm.DB, table string) error {
	if err := db.Table(table).AutoMigrate(&StockPrice{}); err != nil {
		return fmt.Errorf("failed to migrate %s: %w", table, err)
	}
	stmt := fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_symbol_ts ON %s (symbol, "timestamp")`, table, table)
	if err := db.Exec(stmt).Error; err != nil {
		return fmt.Errorf("failed to create key index on %s: %w", table, err)
	}
	return nil
}
