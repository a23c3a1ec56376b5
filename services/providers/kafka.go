package providers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"market_sync_backend/config"
	"market_sync_backend/models"
)

// MessageReader is the part of *kafka.Reader the provider needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func NewKafkaReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		Topic:             cfg.Topic,
		GroupID:           cfg.GroupID,
		MinBytes:          200,
		MaxBytes:          10e6,
		MaxWait:           200 * time.Millisecond,
		CommitInterval:    time.Second,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    10 * time.Second,
	})
}

// tickMessage accepts full bars as well as single-price ticks.
type tickMessage struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

func (m tickMessage) record(fallback time.Time) models.Record {
	r := models.Record{
		Symbol:    m.Symbol,
		Timestamp: m.Timestamp.UTC(),
		Open:      m.Open,
		High:      m.High,
		Low:       m.Low,
		Close:     m.Close,
		Volume:    m.Volume,
		Source:    "kafka",
	}
	if r.Close == 0 && m.Price != 0 {
		r.Open, r.High, r.Low, r.Close = m.Price, m.Price, m.Price, m.Price
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = fallback.UTC()
	}
	return r
}

// Kafka drains a topic for up to window per fetch, returning at most max
// ticks.
type Kafka struct {
	reader MessageReader
	window time.Duration
	max    int
	log    *zap.Logger
}

func NewKafka(reader MessageReader, window time.Duration, max int, log *zap.Logger) *Kafka {
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 1000
	}
	return &Kafka{reader: reader, window: window, max: max, log: log}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Fetch(ctx context.Context) ([]models.Record, error) {
	readCtx, cancel := context.WithTimeout(ctx, k.window)
	defer cancel()

	var out []models.Record
	for len(out) < k.max {
		m, err := k.reader.ReadMessage(readCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			if len(out) > 0 {
				k.log.Warn("Kafka read interrupted", zap.Error(err))
				break
			}
			return nil, err
		}

		var msg tickMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			k.log.Warn("Dropping malformed tick", zap.ByteString("key", m.Key), zap.Error(err))
			continue
		}
		if msg.Symbol == "" {
			msg.Symbol = string(m.Key)
		}
		out = append(out, msg.record(m.Time))
	}
	return out, nil
}

func (k *Kafka) Close() error { return k.reader.Close() }
