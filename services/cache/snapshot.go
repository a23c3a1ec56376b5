// Package cache mirrors the latest tick per symbol into Redis and announces
// it on a per-symbol channel.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"market_sync_backend/models"
	"market_sync_backend/services/eventbus"
)

const DefaultTTL = time.Hour

// Snapshot writes stock:<SYMBOL> and publishes on prices.<SYMBOL>.
type Snapshot struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

func NewSnapshot(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *Snapshot {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Snapshot{rdb: rdb, ttl: ttl, log: log}
}

func Key(symbol string) string { return fmt.Sprintf("stock:%s", symbol) }

func Channel(symbol string) string { return fmt.Sprintf("prices.%s", symbol) }

// Attach subscribes the snapshot to per-record updates on bus.
func (s *Snapshot) Attach(bus *eventbus.Bus) func() {
	return bus.Subscribe(eventbus.TopicStockUpdate, "redis-snapshot", func(ctx context.Context, payload any) {
		r, ok := payload.(models.Record)
		if !ok {
			return
		}
		if err := s.Store(ctx, r); err != nil {
			s.log.Warn("Redis snapshot failed", zap.String("symbol", r.Symbol), zap.Error(err))
		}
	})
}

// Store sets and publishes one record in a single pipeline.
func (s *Snapshot) Store(ctx context.Context, r models.Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, Key(r.Symbol), payload, s.ttl)
	pipe.Publish(ctx, Channel(r.Symbol), payload)
	_, err = pipe.Exec(ctx)
	return err
}

// Latest reads the cached tick for symbol. found is false on a cache miss.
func (s *Snapshot) Latest(ctx context.Context, symbol string) (r models.Record, found bool, err error) {
	data, err := s.rdb.Get(ctx, Key(symbol)).Bytes()
	if err == redis.Nil {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, false, err
	}
	return r, true, nil
}

// Ping reports whether Redis is reachable.
func (s *Snapshot) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
