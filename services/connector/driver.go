package connector

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"market_sync_backend/models"
)

// Query selects records from one table or collection. From and To are
// inclusive bounds on the timestamp; zero values are unbounded. Results are
// ordered by (timestamp, symbol), reversed when Descending.
type Query struct {
	Table      string
	Symbol     string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
	Descending bool
}

// Driver is the store-specific I/O behind a Connector.
type Driver interface {
	Open(ctx context.Context) error
	Ping(ctx context.Context) error
	Query(ctx context.Context, q Query) ([]models.Record, error)
	Upsert(ctx context.Context, table string, records []models.Record) (int, error)
	Count(ctx context.Context, table string) (int64, error)
	Close(ctx context.Context) error
}

// DocumentWriter is implemented by document-store drivers that expose
// plain create and update next to upsert.
type DocumentWriter interface {
	Create(ctx context.Context, collection string, records []models.Record) (int, error)
	Update(ctx context.Context, collection string, record models.Record) error
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateIdent rejects table or collection names that are not plain identifiers.
func ValidateIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("%w: invalid table name %q", ErrSchema, name)
	}
	return nil
}
