// Package schedule re-invokes the full collect/resolve/execute pipeline on
// a cron schedule, grounded on the reference orchestrator's Scheduler: a
// robfig/cron/v3 instance driving named, independently enable-able entries,
// with concurrent-run limiting and graceful shutdown.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RunFunc performs one full pipeline invocation. It is supplied by the
// driver binary, which already knows how to wire collect -> graph -> exec
// -> report for a given configuration.
type RunFunc func(ctx context.Context) error

// Entry is one scheduled pipeline invocation.
type Entry struct {
	Name          string
	CronExpr      string
	Enabled       bool
	MaxConcurrent int // 0 = unlimited
	Timeout       time.Duration
}

type entryState struct {
	entry   Entry
	run     RunFunc
	mu      sync.Mutex
	running int
}

// Scheduler drives RunFunc invocations on cron schedules.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entryState
}

// New constructs a scheduler with second-precision cron expressions,
// matching the reference orchestrator's cron.WithSeconds() configuration.
func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		log:     log,
		entries: make(map[string]*entryState),
	}
}

// Add registers a cron entry. Disabled entries are recorded but never scheduled.
func (s *Scheduler) Add(e Entry, run RunFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.Name]; exists {
		return fmt.Errorf("schedule entry %q already registered", e.Name)
	}
	state := &entryState{entry: e, run: run}
	s.entries[e.Name] = state

	if !e.Enabled {
		return nil
	}
	_, err := s.cron.AddFunc(e.CronExpr, func() { s.fire(state) })
	if err != nil {
		return fmt.Errorf("schedule entry %q: invalid cron expression: %w", e.Name, err)
	}
	return nil
}

func (s *Scheduler) fire(state *entryState) {
	state.mu.Lock()
	if state.entry.MaxConcurrent > 0 && state.running >= state.entry.MaxConcurrent {
		state.mu.Unlock()
		s.log.Warn("schedule entry skipped, already at max concurrency", "name", state.entry.Name)
		return
	}
	state.running++
	state.mu.Unlock()

	defer func() {
		state.mu.Lock()
		state.running--
		state.mu.Unlock()
	}()

	ctx := context.Background()
	var cancel context.CancelFunc
	if state.entry.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, state.entry.Timeout)
		defer cancel()
	}

	if err := state.run(ctx); err != nil {
		s.log.Error("scheduled run failed", "name", state.entry.Name, "error", err)
	}
}

// Start begins dispatching scheduled entries in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop waits for in-flight cron jobs to finish, up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.log.Info("scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries returns every registered entry, enabled or not.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, st := range s.entries {
		out = append(out, st.entry)
	}
	return out
}
