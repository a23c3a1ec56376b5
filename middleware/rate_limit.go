package middleware

import (
	"sync"
	"time"
)

type failure struct {
	count    int
	firstAt  time.Time
	lockedAt time.Time
	locked   bool
}

// RateLimiter locks out client IPs after repeated authentication failures.
type RateLimiter struct {
	mu           sync.Mutex
	failures     map[string]*failure
	maxAttempts  int
	windowPeriod time.Duration
	lockDuration time.Duration
	now          func() time.Time
}

// NewRateLimiter allows maxAttempts failures within windowPeriod, then
// rejects the IP for lockDuration.
func NewRateLimiter(maxAttempts int, windowPeriod, lockDuration time.Duration) *RateLimiter {
	return &RateLimiter{
		failures:     make(map[string]*failure),
		maxAttempts:  maxAttempts,
		windowPeriod: windowPeriod,
		lockDuration: lockDuration,
		now:          time.Now,
	}
}

// Check reports whether ip may attempt authentication, and if not, how long
// until it may.
func (rl *RateLimiter) Check(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	f, ok := rl.failures[ip]
	if !ok {
		return true, 0
	}
	now := rl.now()
	if f.locked {
		if remaining := rl.lockDuration - now.Sub(f.lockedAt); remaining > 0 {
			return false, remaining
		}
		delete(rl.failures, ip)
		return true, 0
	}
	if now.Sub(f.firstAt) > rl.windowPeriod {
		delete(rl.failures, ip)
	}
	return true, 0
}

// RecordFailure counts one failed attempt and locks the IP at the limit.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	f, ok := rl.failures[ip]
	if !ok || now.Sub(f.firstAt) > rl.windowPeriod {
		f = &failure{firstAt: now}
		rl.failures[ip] = f
	}
	f.count++
	if f.count >= rl.maxAttempts {
		f.locked = true
		f.lockedAt = now
	}
}

// Reset clears the failures of ip after a successful attempt.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	delete(rl.failures, ip)
	rl.mu.Unlock()
}

// Cleanup drops expired entries. Called periodically by the scheduler.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, f := range rl.failures {
		if f.locked {
			if now.Sub(f.lockedAt) > rl.lockDuration {
				delete(rl.failures, ip)
			}
		} else if now.Sub(f.firstAt) > rl.windowPeriod {
			delete(rl.failures, ip)
		}
	}
}
