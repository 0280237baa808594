// Package resilience provides bounded retry and circuit-breaking. The
// execution engine applies both to its state-db writes when committing a
// task's fingerprints. They are never applied to a task callable's own
// invocation: that would change the FAIL/skip semantics the execution
// engine guarantees.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn with exponential backoff and full jitter. delay is the
// initial backoff; it doubles after every failed attempt, capped at one minute.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	meter := otel.GetMeterProvider().Meter("taskgraph")
	attemptCounter, _ := meter.Int64Counter("taskgraph_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("taskgraph_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("taskgraph_resilience_retry_fail_total")

	cur := delay
	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
