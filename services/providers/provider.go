// Package providers holds the interchangeable market data sources polled by
// the stream manager.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"market_sync_backend/config"
	"market_sync_backend/models"
)

// Provider produces the newest ticks of its feed on demand.
type Provider interface {
	Name() string
	Fetch(ctx context.Context) ([]models.Record, error)
}

// FromConfig builds the providers listed in stream.providers.
func FromConfig(cfg *config.Config, log *zap.Logger) ([]Provider, error) {
	var out []Provider
	for _, name := range cfg.Stream.Providers {
		switch name {
		case "synthetic":
			out = append(out, NewSynthetic(cfg.Stream.Symbols, time.Now().UnixNano()))
		case "vndirect":
			out = append(out, NewVNDirect(cfg.Stream.VNDirectURL, cfg.Stream.Symbols, &http.Client{Timeout: cfg.Net.CallTimeout}, log))
		case "kafka":
			out = append(out, NewKafka(NewKafkaReader(cfg.Kafka), 0, 0, log))
		default:
			return nil, fmt.Errorf("unknown stream provider %q", name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("stream.providers is empty")
	}
	return out, nil
}
