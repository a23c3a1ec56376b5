package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestDelay_Sequence(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 60 * time.Second, Jitter: NoJitter}

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestDelay_JitterNeverExceedsCap(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 3 * time.Second}
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		if d < 2*time.Second || d > 3*time.Second {
			t.Fatalf("Delay(1) = %v, outside [2s, 3s]", d)
		}
	}
}

func TestDo_SucceedsOnThirdAttempt(t *testing.T) {
	rec := &sleepRecorder{}
	p := Policy{MaxAttempts: 3, Base: time.Second, Cap: time.Minute, Jitter: NoJitter, Sleep: rec.sleep}

	calls := 0
	err := Do(context.Background(), p, nil, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(rec.delays) != 2 || rec.delays[0] != time.Second || rec.delays[1] != 2*time.Second {
		t.Fatalf("unexpected backoff sequence: %v", rec.delays)
	}
}

func TestDo_Exhausted(t *testing.T) {
	rec := &sleepRecorder{}
	p := Policy{MaxAttempts: 4, Base: 10 * time.Millisecond, Cap: time.Second, Jitter: NoJitter, Sleep: rec.sleep}

	calls := 0
	cause := errors.New("timeout")
	err := Do(context.Background(), p, nil, func(ctx context.Context, attempt int) error {
		calls++
		return cause
	})

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 4 || calls != 4 {
		t.Fatalf("expected 4 attempts, got %d (calls %d)", exhausted.Attempts, calls)
	}
	if !errors.Is(err, cause) {
		t.Fatal("exhausted error should wrap the last cause")
	}
	if len(rec.delays) != 3 {
		t.Fatalf("expected 3 waits between 4 attempts, got %d", len(rec.delays))
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("schema mismatch")
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5, Sleep: (&sleepRecorder{}).sleep},
		func(err error) bool { return !errors.Is(err, permanent) },
		func(ctx context.Context, attempt int) error {
			calls++
			return permanent
		})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error should not be retried, got %d calls", calls)
	}
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := Policy{MaxAttempts: 10, Base: 500 * time.Millisecond, Cap: 2 * time.Second}
	err := Do(ctx, p, nil, func(ctx context.Context, attempt int) error {
		return errors.New("unavailable")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
