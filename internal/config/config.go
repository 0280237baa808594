// Package config defines the run configuration accepted by the driver
// binary and validates it into a fatal ConfigurationError before
// collection ever starts, the same fail-fast boundary the reference
// orchestrator enforces at workflow-definition load time.
package config

import (
	"fmt"
	"time"

	"github.com/augustebaum/pytask-go/internal/model"
)

// RunConfig is every knob a single pipeline invocation accepts.
type RunConfig struct {
	// Roots are the filesystem locations task definitions are registered
	// under, used only for logging/selection; Go task registration is
	// explicit rather than discovered by walking these paths.
	Roots []string
	// IgnoreGlobs holds ignore patterns. Nothing in the pipeline reads it:
	// neither collection nor Selected filters on it.
	IgnoreGlobs []string
	// Select, if non-empty, restricts the run to tasks whose ID matches
	// one of these selector expressions (exact ID or glob).
	Select []string

	// StrictMarkers rejects any mark name not present in MarkerWhitelist.
	StrictMarkers   bool
	MarkerWhitelist []string

	// Parallelism is the number of concurrent execution workers.
	Parallelism int
	// MaxFailures aborts the run after this many task failures. 0 = unlimited.
	MaxFailures int

	// StateDBPath is the directory the fingerprint state database lives in.
	StateDBPath string

	// CronExpr, when non-empty, re-invokes the pipeline on this schedule
	// instead of running once and exiting.
	CronExpr string
	// EventType names an event trigger. Validate rejects it together with
	// CronExpr; no event-driven trigger reads it, so it never causes a run.
	EventType string

	// JSONLog selects structured JSON logging over human-readable text.
	JSONLog bool
	// LogLevel is one of debug/info/warn/error.
	LogLevel string
	// OTelEndpoint is the OTLP gRPC collector endpoint for traces and metrics.
	OTelEndpoint string

	// RetryMaxAttempts/RetryInitialWait bound the retries applied to the
	// execution engine's state-db writes (see exec.Config), never to a task
	// callable's own invocation.
	RetryMaxAttempts int
	RetryInitialWait time.Duration
}

// Validate checks RunConfig for internal consistency, returning a
// ConfigurationError describing the first problem found.
func (c RunConfig) Validate() error {
	if len(c.Roots) == 0 {
		return &model.ConfigurationError{Msg: "at least one root must be configured"}
	}
	if c.Parallelism < 0 {
		return &model.ConfigurationError{Msg: "parallelism must not be negative"}
	}
	if c.MaxFailures < 0 {
		return &model.ConfigurationError{Msg: "max-failures must not be negative"}
	}
	if c.StateDBPath == "" {
		return &model.ConfigurationError{Msg: "state db path must be set"}
	}
	if c.StrictMarkers && len(c.MarkerWhitelist) == 0 {
		return &model.ConfigurationError{Msg: "strict-markers requires a non-empty marker whitelist"}
	}
	if c.CronExpr != "" && c.EventType != "" {
		return &model.ConfigurationError{Msg: "cron and event scheduling are mutually exclusive for a single entry"}
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return &model.ConfigurationError{Msg: fmt.Sprintf("unknown log level %q", c.LogLevel)}
	}
	return nil
}

// WithDefaults returns a copy of c with zero-valued fields set to their
// documented defaults.
func (c RunConfig) WithDefaults() RunConfig {
	if c.Parallelism == 0 {
		c.Parallelism = 1
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RetryMaxAttempts == 0 {
		c.RetryMaxAttempts = 3
	}
	if c.RetryInitialWait == 0 {
		c.RetryInitialWait = 100 * time.Millisecond
	}
	return c
}

// MarkerWhitelistSet returns MarkerWhitelist as a lookup set, for passing to collect.Collect.
func (c RunConfig) MarkerWhitelistSet() map[string]bool {
	if !c.StrictMarkers {
		return nil
	}
	set := make(map[string]bool, len(c.MarkerWhitelist))
	for _, name := range c.MarkerWhitelist {
		set[name] = true
	}
	return set
}

// Selected reports whether taskID passes the configured selector
// expressions (exact match or filepath-style glob). An empty Select list
// selects everything.
func (c RunConfig) Selected(taskID string) bool {
	if len(c.Select) == 0 {
		return true
	}
	for _, sel := range c.Select {
		if sel == taskID {
			return true
		}
		if ok, _ := matchGlob(sel, taskID); ok {
			return true
		}
	}
	return false
}
