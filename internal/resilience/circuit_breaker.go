package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// CircuitBreaker is an adaptive circuit breaker that opens based on the
// failure rate over a rolling window and supports half-open probing.
type CircuitBreaker struct {
	mu sync.Mutex

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int
	adaptive          bool
	minAdaptiveOpen   float64
	maxAdaptiveOpen   float64
	lastEval          time.Time
	evalInterval      time.Duration
	dynamicThreshold  float64

	openedAt       time.Time
	state          breakerState
	window         *slidingWindow
	halfOpenProbes int
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// NewCircuitBreaker constructs an adaptive breaker over a rolling window of windowSize
// split into buckets, tripping once at least minSamples have been observed and the
// failure rate reaches an adaptive threshold. The threshold starts at failureRateOpen
// and, at most every five seconds, is lowered when the observed rate exceeds
// failureRateOpen and raised otherwise, within bounds around failureRateOpen. After
// halfOpenAfter it admits maxHalfOpenProbes trial calls before deciding whether to
// close or re-open.
func NewCircuitBreaker(windowSize time.Duration, buckets int, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	rate := math.Min(math.Max(failureRateOpen, 0), 1)
	return &CircuitBreaker{
		minSamples:        minSamples,
		failureRateOpen:   rate,
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             stateClosed,
		window:            newSlidingWindow(windowSize, buckets),
		adaptive:          true,
		minAdaptiveOpen:   math.Min(math.Max(rate*0.5, 0.05), rate),
		maxAdaptiveOpen:   math.Min(0.95, math.Max(rate*1.5, rate)),
		evalInterval:      5 * time.Second,
		dynamicThreshold:  rate,
	}
}

// Allow reports whether a call may proceed, advancing open -> half-open on cooldown.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) >= c.halfOpenAfter {
			c.state = stateHalfOpen
			c.halfOpenProbes = 1
		} else {
			return false
		}
	case stateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// RecordResult records the outcome of a permitted call.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.add(success)

	if c.adaptive && time.Since(c.lastEval) >= c.evalInterval {
		if total, failures := c.window.stats(); total > 0 {
			fr := float64(failures) / float64(total)
			if fr > c.failureRateOpen {
				c.dynamicThreshold = math.Max(c.minAdaptiveOpen, c.dynamicThreshold*0.7)
			} else {
				c.dynamicThreshold = math.Min(c.maxAdaptiveOpen, c.dynamicThreshold*1.05)
			}
		}
		c.lastEval = time.Now()
	}

	switch c.state {
	case stateClosed:
		if total, failures := c.window.stats(); total >= c.minSamples {
			threshold := c.failureRateOpen
			if c.adaptive {
				threshold = c.dynamicThreshold
			}
			if float64(failures)/float64(total) >= threshold {
				c.transitionToOpen()
			}
		}
	case stateHalfOpen:
		if !success {
			c.transitionToOpen()
		} else if c.halfOpenProbes >= c.maxHalfOpenProbes {
			c.reset()
		}
	case stateOpen:
	}
}

func (c *CircuitBreaker) transitionToOpen() {
	c.state = stateOpen
	c.openedAt = time.Now()
	counter, _ := otel.GetMeterProvider().Meter("taskgraph").Int64Counter("taskgraph_resilience_circuit_open_total")
	counter.Add(context.Background(), 1)
}

func (c *CircuitBreaker) reset() {
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.window.reset()
	counter, _ := otel.GetMeterProvider().Meter("taskgraph").Int64Counter("taskgraph_resilience_circuit_closed_total")
	counter.Add(context.Background(), 1)
}

// slidingWindow tracks success/failure counts in fixed-size time buckets.
// Each bucket remembers which interval it was last written in, so repeated
// calls within the same interval accumulate instead of clobbering each
// other; a bucket is only cleared once its interval has actually rolled
// over and it's reused for a new one.
type slidingWindow struct {
	size     time.Duration
	buckets  int
	interval time.Duration
	data     []bucket
	epoch    []int64
	nowFn    func() time.Time
}

type bucket struct{ success, fail int }

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	epoch := make([]int64, buckets)
	for i := range epoch {
		epoch[i] = -1
	}
	return &slidingWindow{
		size:     size,
		buckets:  buckets,
		interval: size / time.Duration(buckets),
		data:     make([]bucket, buckets),
		epoch:    epoch,
		nowFn:    time.Now,
	}
}

func (w *slidingWindow) currentEpoch(now time.Time) int64 {
	return now.UnixNano() / w.interval.Nanoseconds()
}

func (w *slidingWindow) add(success bool) {
	epoch := w.currentEpoch(w.nowFn())
	idx := int(epoch % int64(w.buckets))
	if w.epoch[idx] != epoch {
		w.data[idx] = bucket{}
		w.epoch[idx] = epoch
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total int, failures int) {
	cur := w.currentEpoch(w.nowFn())
	for i, b := range w.data {
		if w.epoch[i] < 0 || cur-w.epoch[i] >= int64(w.buckets) {
			continue
		}
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
		w.epoch[i] = -1
	}
}
