// breaker.go implements a three-state circuit breaker guarding
// connection creation (and, separately, the REST fallback client).
//
// Closed:   calls pass through; consecutive failures past the threshold
//           open the breaker.
// Open:     calls fail fast with ErrCircuitOpen until the timeout elapses.
// HalfOpen: a probe period; consecutive successes close the breaker, any
//           failure re-opens it.
package exchange

import (
	"sync"
	"time"
)

// BreakerState is the current circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerStats is a snapshot of breaker counters for observability.
type BreakerStats struct {
	State         BreakerState
	TotalCalls    uint64
	TotalFailures uint64
	OpenCount     uint64
}

// CircuitBreaker gates calls behind failure-rate tracking.
type CircuitBreaker struct {
	mu sync.Mutex

	state            BreakerState
	failureThreshold int           // consecutive failures to open
	successThreshold int           // consecutive half-open successes to close
	timeout          time.Duration // open duration before probing

	consecFailures  int
	consecSuccesses int
	openedAt        time.Time

	totalCalls    uint64
	totalFailures uint64
	openCount     uint64

	nowFunc func() time.Time // injectable clock for testing
}

// NewCircuitBreaker creates a breaker with the given thresholds.
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		nowFunc:          time.Now,
	}
}

// Call runs fn through the breaker. When open it fails fast with
// ErrCircuitOpen; otherwise fn's result is recorded and returned.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}

	err := fn()
	cb.Record(err == nil)
	return err
}

// Allow reports whether a call may proceed, transitioning Open → HalfOpen
// once the timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++

	switch cb.state {
	case BreakerOpen:
		if cb.nowFunc().Sub(cb.openedAt) >= cb.timeout {
			cb.state = BreakerHalfOpen
			cb.consecSuccesses = 0
			return true
		}
		return false
	default:
		return true
	}
}

// Record feeds a call outcome into the state machine.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !success {
		cb.totalFailures++
	}

	switch cb.state {
	case BreakerClosed:
		if success {
			cb.consecFailures = 0
			return
		}
		cb.consecFailures++
		if cb.consecFailures >= cb.failureThreshold {
			cb.openLocked()
		}

	case BreakerHalfOpen:
		if !success {
			cb.openLocked()
			return
		}
		cb.consecSuccesses++
		if cb.consecSuccesses >= cb.successThreshold {
			cb.state = BreakerClosed
			cb.consecFailures = 0
			cb.consecSuccesses = 0
		}

	case BreakerOpen:
		// Late results from before the trip; nothing to update.
	}
}

// State returns the current state without advancing transitions.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a counters snapshot.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:         cb.state,
		TotalCalls:    cb.totalCalls,
		TotalFailures: cb.totalFailures,
		OpenCount:     cb.openCount,
	}
}

func (cb *CircuitBreaker) openLocked() {
	cb.state = BreakerOpen
	cb.openedAt = cb.nowFunc()
	cb.openCount++
	cb.consecFailures = 0
	cb.consecSuccesses = 0
}
