package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dicomflow/gateway/core"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 3
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 2
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return errors.New("still down")
	})
	if err == nil {
		t.Fatal("expected an error once attempts are exhausted")
	}
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Fatalf("expected ErrMaxRetriesExceeded, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func TestRetryStopsOnContextCancellation(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 5
	cfg.InitialDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, cfg, func() error {
		attempts++
		return errors.New("still down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts >= cfg.MaxAttempts {
		t.Fatalf("expected cancellation to cut the retry short, got all %d attempts", attempts)
	}
}

func TestRetryWithCircuitBreakerStopsRetryingOnceOpen(t *testing.T) {
	cbCfg := testConfig("destination/retry-integration")
	cbCfg.VolumeThreshold = 1
	cb, err := NewCircuitBreaker(cbCfg)
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}

	retryCfg := DefaultRetryConfig()
	retryCfg.MaxAttempts = 5
	retryCfg.InitialDelay = time.Millisecond
	retryCfg.MaxDelay = 2 * time.Millisecond

	attempts := 0
	err = RetryWithCircuitBreaker(context.Background(), retryCfg, cb, func() error {
		attempts++
		return errors.New("destination unreachable")
	})
	if err == nil {
		t.Fatal("expected an error once the circuit opens and retries stop")
	}
	// VolumeThreshold 1 means the very first failure opens the circuit, so
	// every later attempt should see ErrCircuitBreakerOpen rather than
	// calling the destination again.
	if attempts >= retryCfg.MaxAttempts {
		t.Fatalf("expected the open circuit to short-circuit remaining attempts, got all %d", attempts)
	}
}
