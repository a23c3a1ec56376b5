package stream

import (
	"context"

	"go.uber.org/zap"

	"market_sync_backend/services/connector"
	"market_sync_backend/services/eventbus"
)

// DocumentSink mirrors each stream cycle into the document store so the
// secondary store tracks live data between batch syncs.
type DocumentSink struct {
	store      *connector.Connector
	collection string
	log        *zap.Logger
}

func NewDocumentSink(store *connector.Connector, collection string, log *zap.Logger) *DocumentSink {
	return &DocumentSink{store: store, collection: collection, log: log}
}

func (s *DocumentSink) Attach(bus *eventbus.Bus) func() {
	return bus.Subscribe(eventbus.TopicStreamCycle, "docstore-sink", func(ctx context.Context, payload any) {
		cycle, ok := payload.(eventbus.StreamCycle)
		if !ok || len(cycle.Records) == 0 {
			return
		}
		if _, err := s.store.Upsert(ctx, s.collection, cycle.Records); err != nil {
			s.log.Warn("Document store mirror failed",
				zap.Int64("cycle", cycle.Cycle),
				zap.String("collection", s.collection),
				zap.Bool("permanent", connector.IsPermanentUpload(err)),
				zap.Error(err))
		}
	})
}
