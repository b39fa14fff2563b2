// Package server implements a token bucket rate limiter for per-connection
// throttling that protects the dispatch pipeline from abuse.
package server

import (
	"sync"
	"time"
)

// rateLimiter admits up to burst messages instantly and refills the full
// burst over the refill interval. Accounting is in integer nanoseconds of
// credit rather than fractional tokens, so long idle periods cannot
// accumulate rounding drift.
type rateLimiter struct {
	mu       sync.Mutex
	now      func() time.Time
	last     time.Time
	credit   time.Duration
	capacity time.Duration
	perToken time.Duration
}

func newRateLimiter(burst int, interval time.Duration) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	perToken := interval / time.Duration(burst)
	if perToken <= 0 {
		perToken = 1
	}
	capacity := perToken * time.Duration(burst)

	return &rateLimiter{
		now:      time.Now,
		last:     time.Now(),
		credit:   capacity,
		capacity: capacity,
		perToken: perToken,
	}
}

// allow spends one token, returning false when the bucket is empty.
func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if elapsed := now.Sub(rl.last); elapsed > 0 {
		rl.credit += elapsed
		if rl.credit > rl.capacity {
			rl.credit = rl.capacity
		}
	}
	rl.last = now

	if rl.credit < rl.perToken {
		return false
	}
	rl.credit -= rl.perToken
	return true
}
