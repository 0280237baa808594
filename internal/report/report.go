// Package report aggregates the outcome of every pipeline stage into the
// structures surfaced to callers and to JSON output, and computes the
// overall process exit code from them.
package report

import (
	"encoding/json"

	"github.com/augustebaum/pytask-go/internal/collect"
	"github.com/augustebaum/pytask-go/internal/model"
)

// ExitCode is the process-level outcome of a run, ordered from best to
// worst so the overall code can be taken as the maximum across stages.
type ExitCode int

const (
	ExitOK                  ExitCode = 0
	ExitCollectionFailed    ExitCode = 1
	ExitResolutionFailed    ExitCode = 2
	ExitFailed              ExitCode = 3
	ExitAborted             ExitCode = 4
	ExitConfigurationFailed ExitCode = 5
)

// CollectionReport mirrors collect.Report for the purposes of the combined report.
type CollectionReport struct {
	Collected []string `json:"collected"`
	Errors    []string `json:"errors,omitempty"`
}

// ResolutionReport records the outcome of graph building and topological sort.
type ResolutionReport struct {
	Order []string `json:"order,omitempty"`
	Error string   `json:"error,omitempty"`
}

// ExecutionReport records the per-task outcomes of the execution engine.
type ExecutionReport struct {
	Results map[string]model.Outcome `json:"results"`
	Errors  map[string]string        `json:"errors,omitempty"`
	Aborted bool                     `json:"aborted,omitempty"`
}

// Reports is the full, combined record of one run, in the shape exported as JSON.
type Reports struct {
	ExitCode   ExitCode         `json:"exit_code"`
	Collection CollectionReport `json:"collection"`
	Resolution ResolutionReport `json:"resolution"`
	Execution  ExecutionReport  `json:"execution"`
}

// FromCollection converts a collect.Report into its exported shape.
func FromCollection(r collect.Report) CollectionReport {
	out := CollectionReport{Collected: r.Collected}
	for _, err := range r.Errors {
		out.Errors = append(out.Errors, err.Error())
	}
	return out
}

// NewExecutionReport builds an ExecutionReport from the engine's per-task results.
func NewExecutionReport(results map[string]model.TaskResult, aborted bool) ExecutionReport {
	out := ExecutionReport{Results: make(map[string]model.Outcome, len(results)), Aborted: aborted}
	for id, res := range results {
		out.Results[id] = res.Outcome
		if res.Err != nil {
			if out.Errors == nil {
				out.Errors = make(map[string]string)
			}
			out.Errors[id] = res.Err.Error()
		}
	}
	return out
}

// Compute derives the run's overall exit code from the three stage reports,
// taking the worst (highest-precedence) outcome across all of them.
func Compute(collection CollectionReport, resolution ResolutionReport, execution ExecutionReport) ExitCode {
	code := ExitOK

	if len(collection.Errors) > 0 {
		code = max(code, ExitCollectionFailed)
	}
	if resolution.Error != "" {
		code = max(code, ExitResolutionFailed)
	}
	if execution.Aborted {
		code = max(code, ExitAborted)
	}
	for _, outcome := range execution.Results {
		if outcome == model.OutcomeFail {
			code = max(code, ExitFailed)
		}
	}
	return code
}

// JSON renders the full combined report as indented JSON.
func (r Reports) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
