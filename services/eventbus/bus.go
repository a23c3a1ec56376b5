// Package eventbus is an in-process publish/subscribe hub with per-topic
// FIFO delivery.
package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"market_sync_backend/models"
)

const (
	// TopicStockUpdate carries one models.Record per event.
	TopicStockUpdate = "stock_update"
	// TopicStreamCycle carries a StreamCycle with the validated batch of one poll cycle.
	TopicStreamCycle = "stream_cycle"
)

// StreamCycle is the payload of TopicStreamCycle.
type StreamCycle struct {
	Cycle   int64           `json:"cycle"`
	At      time.Time       `json:"at"`
	Records []models.Record `json:"records"`
}

var ErrClosed = errors.New("event bus closed")

const queueSize = 1024

// Handler consumes one event. Handlers of a topic run one at a time in
// publish order.
type Handler func(ctx context.Context, payload any)

type subscriber struct {
	id      uint64
	name    string
	handler Handler
}

type event struct {
	payload     any
	subscribers []subscriber
}

type Bus struct {
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	nextID   uint64
	handlers map[string][]subscriber
	queues   map[string]chan event
	wg       sync.WaitGroup
}

func New(log *zap.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]subscriber),
		queues:   make(map[string]chan event),
	}
}

// Subscribe registers h for topic. Events published before the call are
// never delivered to it. The returned func removes the subscription.
func (b *Bus) Subscribe(topic, name string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if !b.closed {
		b.queue(topic)
	}
	b.handlers[topic] = append(b.handlers[topic], subscriber{id: id, name: name, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[topic]
		for i, s := range subs {
			if s.id == id {
				b.handlers[topic] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish enqueues payload for the handlers subscribed at this moment. It
// blocks only while the topic queue is full.
func (b *Bus) Publish(topic string, payload any) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	subs := b.handlers[topic]
	if len(subs) == 0 {
		return nil
	}
	ev := event{payload: payload, subscribers: append([]subscriber(nil), subs...)}
	b.queues[topic] <- ev
	return nil
}

// queue starts the topic dispatcher on first use. Callers hold b.mu.
func (b *Bus) queue(topic string) {
	if _, ok := b.queues[topic]; ok {
		return
	}
	q := make(chan event, queueSize)
	b.queues[topic] = q
	b.wg.Add(1)
	go b.dispatch(topic, q)
}

func (b *Bus) dispatch(topic string, q chan event) {
	defer b.wg.Done()
	for ev := range q {
		for _, s := range ev.subscribers {
			b.deliver(topic, s, ev.payload)
		}
	}
}

func (b *Bus) deliver(topic string, s subscriber, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Event handler panicked",
				zap.String("topic", topic),
				zap.String("subscriber", s.name),
				zap.Any("panic", r))
		}
	}()
	s.handler(b.ctx, payload)
}

// Close stops accepting events and waits for queued ones to be delivered
// until ctx ends, after which handlers see a cancelled context.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		return ctx.Err()
	}
}
