// ratelimit.go implements token-bucket rate limiting for outbound
// subscription traffic.
//
// The exchange tolerates short bursts of subscription frames but throttles
// sustained traffic, so the bucket refills continuously rather than in
// fixed windows. Acquire blocks in short sleeps re-checking the bucket
// until the deadline passes.
package exchange

import (
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Acquire takes n tokens, waiting up to timeout for them to refill.
// Returns false if the deadline passes first.
func (tb *TokenBucket) Acquire(n float64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for {
		tb.mu.Lock()
		tb.refillLocked()

		if tb.tokens >= n {
			tb.tokens -= n
			tb.mu.Unlock()
			return true
		}

		// Time until the deficit refills.
		wait := time.Duration((n - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if wait > remaining {
			wait = remaining
		}
		// Short sleeps so a competing Acquire can't starve us unnoticed.
		if wait > 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}
		time.Sleep(wait)
	}
}

// TryAcquire takes n tokens without waiting. Returns false if insufficient.
func (tb *TokenBucket) TryAcquire(n float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

// Available returns the current token count after refill.
func (tb *TokenBucket) Available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return tb.tokens
}

func (tb *TokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(tb.lastTime).Seconds()
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now
}
