package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient failure")

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(2*time.Second, 4, 4, 0.5, 300*time.Millisecond, 2)

	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("should allow while closed (attempt %d)", i)
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("should be open and deny")
	}

	time.Sleep(400 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("half-open probe should allow")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("second probe should allow")
	}
	cb.RecordResult(true)

	if !cb.Allow() {
		t.Fatalf("breaker should be closed after successful probes")
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	v, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errTransient
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), 2, time.Millisecond, func() (int, error) {
		attempts++
		return 0, errTransient
	})
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}
