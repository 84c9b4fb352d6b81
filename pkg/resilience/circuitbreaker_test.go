package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failing(context.Context) error { return errBoom }
func succeeding(context.Context) error { return nil }

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Call(ctx, failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
	if err := b.Call(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker should reject, got %v", err)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Minute, HalfOpenMax: 1})
	ctx := context.Background()

	now := time.Now()
	b.now = func() time.Time { return now }

	_ = b.Call(ctx, failing)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	// Advance past the timeout: probe is allowed and success closes.
	now = now.Add(2 * time.Minute)
	if err := b.Call(ctx, succeeding); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after probe success, got %s", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()

	now := time.Now()
	b.now = func() time.Time { return now }

	_ = b.Call(ctx, failing)
	now = now.Add(2 * time.Minute)
	_ = b.Call(ctx, failing) // probe fails
	if b.State() != StateOpen {
		t.Fatalf("expected reopen after failed probe, got %s", b.State())
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: time.Minute})
	ctx := context.Background()

	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, succeeding)
	_ = b.Call(ctx, failing)
	if b.State() != StateClosed {
		t.Fatalf("interleaved success should reset failures, got %s", b.State())
	}
}
