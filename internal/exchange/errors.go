package exchange

import "errors"

// Typed failures surfaced to callers of the pool. Resource exhaustion is an
// expected condition, not a programmer error, so callers branch on these
// with errors.Is.
var (
	// ErrCapacityExceeded means every connection is at its subscription
	// ceiling and the pool is at its connection ceiling.
	ErrCapacityExceeded = errors.New("subscription capacity exceeded")

	// ErrRateLimitTimeout means no subscription token became available
	// within the acquire timeout.
	ErrRateLimitTimeout = errors.New("rate limit timeout")

	// ErrCircuitOpen means the connection-creation breaker is open and the
	// call failed fast.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrNotConnected means the operation needs a live connection.
	ErrNotConnected = errors.New("not connected")
)
