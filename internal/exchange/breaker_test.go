package exchange

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(3, 2, time.Minute)
	for i := 0; i < 2; i++ {
		cb.Record(false)
	}
	if cb.State() != BreakerClosed {
		t.Fatal("opened before threshold")
	}
	cb.Record(false)
	if cb.State() != BreakerOpen {
		t.Fatal("not open after threshold failures")
	}
	if cb.Allow() {
		t.Fatal("open breaker allowed a call")
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(3, 2, time.Minute)
	cb.Record(false)
	cb.Record(false)
	cb.Record(true)
	cb.Record(false)
	cb.Record(false)
	if cb.State() != BreakerClosed {
		t.Fatal("non-consecutive failures opened the breaker")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cb := NewCircuitBreaker(1, 2, 30*time.Second)
	cb.nowFunc = func() time.Time { return now }

	cb.Record(false)
	if cb.State() != BreakerOpen {
		t.Fatal("not open")
	}

	// Before timeout: still fast-failing.
	if cb.Allow() {
		t.Fatal("allowed before timeout")
	}

	now = now.Add(31 * time.Second)
	if !cb.Allow() {
		t.Fatal("probe not allowed after timeout")
	}
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half_open", cb.State())
	}

	// One success is not enough to close.
	cb.Record(true)
	if cb.State() != BreakerHalfOpen {
		t.Fatal("closed before success threshold")
	}
	cb.Record(true)
	if cb.State() != BreakerClosed {
		t.Fatal("not closed after success threshold")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cb := NewCircuitBreaker(1, 3, 30*time.Second)
	cb.nowFunc = func() time.Time { return now }

	cb.Record(false)
	now = now.Add(time.Minute)
	cb.Allow()
	cb.Record(false)

	if cb.State() != BreakerOpen {
		t.Fatal("half-open failure did not reopen")
	}
	if got := cb.Stats().OpenCount; got != 2 {
		t.Fatalf("open count = %d, want 2", got)
	}
}

func TestBreakerCallFailsFastWhenOpen(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(1, 1, time.Minute)
	boom := errors.New("dial refused")
	if err := cb.Call(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want dial error", err)
	}

	called := false
	err := cb.Call(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("fn invoked while breaker open")
	}
}
