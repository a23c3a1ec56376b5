package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy is an exponential backoff schedule:
// delay(attempt) = min(Base * 2^attempt + jitter, Cap).
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration

	// Jitter returns the random component added to a delay. Nil means
	// uniform in [0, Base/2).
	Jitter func(base time.Duration) time.Duration
	// Sleep waits for d or until ctx is done. Nil means a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

var DefaultPolicy = Policy{
	MaxAttempts: 5,
	Base:        1 * time.Second,
	Cap:         60 * time.Second,
}

// NoJitter disables the random component, for deterministic schedules.
func NoJitter(time.Duration) time.Duration { return 0 }

// Delay returns the wait after the given zero-based failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultPolicy.Base
	}
	limit := p.Cap
	if limit <= 0 {
		limit = DefaultPolicy.Cap
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}

	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}
	d += jitter(base)
	if d > limit {
		d = limit
	}
	return d
}

// Wait sleeps according to the policy's Sleep hook.
func (p Policy) Wait(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

func defaultJitter(base time.Duration) time.Duration {
	half := int64(base / 2)
	if half <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(half))
}

// SleepContext waits for d or returns ctx.Err() when ctx ends first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ExhaustedError is returned by Do after the attempt budget is spent.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed, last error: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, returns an error retryable rejects, or the
// attempt budget is spent. Attempts are counted from one; fn receives the
// attempt number.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultPolicy.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		if err := p.Wait(ctx, p.Delay(attempt-1)); err != nil {
			return err
		}
	}

	return &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}
