package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type collector struct {
	mu  sync.Mutex
	got []int
}

func (c *collector) handle(ctx context.Context, payload any) {
	c.mu.Lock()
	c.got = append(c.got, payload.(int))
	c.mu.Unlock()
}

func (c *collector) values() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.got...)
}

func TestBus_DeliversInPublishOrder(t *testing.T) {
	b := New(zap.NewNop())
	first, second := &collector{}, &collector{}
	b.Subscribe(TopicStockUpdate, "first", first.handle)
	b.Subscribe(TopicStockUpdate, "second", second.handle)

	for i := 0; i < 200; i++ {
		if err := b.Publish(TopicStockUpdate, i); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, c := range []*collector{first, second} {
		got := c.values()
		if len(got) != 200 {
			t.Fatalf("delivered %d of 200", len(got))
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("out of order at %d: %d", i, v)
			}
		}
	}
}

func TestBus_LateSubscriberMissesEarlierEvents(t *testing.T) {
	b := New(zap.NewNop())
	early, late := &collector{}, &collector{}
	b.Subscribe("t", "early", early.handle)

	b.Publish("t", 1)
	b.Subscribe("t", "late", late.handle)
	b.Publish("t", 2)
	b.Close(context.Background())

	if got := late.values(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("late subscriber got %v", got)
	}
	if got := early.values(); len(got) != 2 {
		t.Fatalf("early subscriber got %v", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(zap.NewNop())
	c := &collector{}
	unsubscribe := b.Subscribe("t", "c", c.handle)
	b.Publish("t", 1)
	unsubscribe()
	b.Publish("t", 2)
	b.Close(context.Background())

	if got := c.values(); len(got) != 1 {
		t.Fatalf("got %v", got)
	}
}

func TestBus_TopicsAreIndependent(t *testing.T) {
	b := New(zap.NewNop())
	release := make(chan struct{})
	b.Subscribe("slow", "blocker", func(ctx context.Context, payload any) { <-release })

	delivered := make(chan struct{})
	b.Subscribe("fast", "fast", func(ctx context.Context, payload any) { close(delivered) })

	b.Publish("slow", 1)
	b.Publish("fast", 1)

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked topic stalled another topic")
	}
	close(release)
	b.Close(context.Background())
}

func TestBus_HandlerPanicDoesNotStopDispatch(t *testing.T) {
	b := New(zap.NewNop())
	c := &collector{}
	b.Subscribe("t", "panicky", func(ctx context.Context, payload any) {
		if payload.(int) == 1 {
			panic("boom")
		}
	})
	b.Subscribe("t", "c", c.handle)

	b.Publish("t", 1)
	b.Publish("t", 2)
	b.Close(context.Background())

	if got := c.values(); len(got) != 2 {
		t.Fatalf("got %v", got)
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	b := New(zap.NewNop())
	b.Subscribe("t", "c", (&collector{}).handle)
	b.Close(context.Background())
	if err := b.Publish("t", 1); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
