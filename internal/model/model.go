// Package model defines the data types shared by every pipeline stage: the
// task/node data model, outcomes, and the typed errors that flow through the
// hook bus. Keeping these in one leaf package avoids import cycles between
// collect, graph, exec and statedb.
package model

import (
	"context"
	"time"
)

// Fingerprint is a stable, comparable summary of a Node's current state.
// Absent is a distinguished token: fingerprinting a missing artifact never
// errors, it returns Fingerprint{Absent: true}.
type Fingerprint struct {
	Absent  bool
	Hash    string
	Size    int64
	ModTime int64
}

// Equal reports whether two fingerprints denote the same observed state.
func (f Fingerprint) Equal(other Fingerprint) bool {
	if f.Absent || other.Absent {
		return f.Absent == other.Absent
	}
	if f.Hash != "" || other.Hash != "" {
		return f.Hash == other.Hash
	}
	return f.Size == other.Size && f.ModTime == other.ModTime
}

// Node is an abstract artifact with a stable identity: a PathNode (a
// filesystem path) or a ValueNode (an opaque value fingerprinted by a
// user-registered hook).
type Node interface {
	// ID is the node's identity, unique across a build.
	ID() string
	// Fingerprint computes the node's current fingerprint. It never errors
	// for a missing artifact; it returns the Absent token instead.
	Fingerprint(ctx context.Context) (Fingerprint, error)
	// Exists reports whether the artifact is currently present.
	Exists(ctx context.Context) bool
}

// Mark is a (name, positional args, keyword args) tuple attached to a task.
// Marks are the only channel by which declarative metadata reaches the core.
type Mark struct {
	Name   string
	Args   []any
	Kwargs map[string]any
}

// Reserved mark names interpreted directly by the core.
const (
	MarkDependsOn          = "depends_on"
	MarkProduces           = "produces"
	MarkParametrize        = "parametrize"
	MarkTask               = "task"
	MarkSkip               = "skip"
	MarkSkipIf             = "skip_if"
	MarkSkipUnchanged      = "skip_unchanged"
	MarkSkipAncestorFailed = "skip_ancestor_failed"
	MarkPersist            = "persist"
	MarkTryFirst           = "try_first"
	MarkTryLast            = "try_last"
)

// NodeShape preserves the original shape a depends_on/produces argument was
// declared in: a single Node, a slice of Node, or a map keyed by string.
type NodeShape struct {
	Single  Node
	Slice   []Node
	Mapping map[string]Node
}

// Flatten returns every Node referenced by the shape regardless of how it was declared.
func (s NodeShape) Flatten() []Node {
	switch {
	case s.Single != nil:
		return []Node{s.Single}
	case s.Slice != nil:
		return append([]Node(nil), s.Slice...)
	case s.Mapping != nil:
		out := make([]Node, 0, len(s.Mapping))
		for _, n := range s.Mapping {
			out = append(out, n)
		}
		return out
	default:
		return nil
	}
}

// TaskInput is the set of resolved dependency Nodes, keyed by the parameter
// name under which depends_on declared them, bound for the task callable.
type TaskInput map[string]NodeShape

// TaskOutput is opaque data a task callable may hand back to the engine; the
// execution engine does not interpret it beyond storing it for reporting.
type TaskOutput map[string]any

// TaskFunc is the callable a Task wraps. It signals Skipped/Persisted/Exit
// via the typed errors below rather than language-level exceptions.
type TaskFunc func(ctx context.Context, in TaskInput) (TaskOutput, error)

// Task is a unit of work: a callable plus its declared dependencies,
// products, attached marks, and optional ordering hints.
type Task struct {
	ID         string
	Func       TaskFunc
	Deps       map[string]NodeShape
	Products   map[string]NodeShape
	Marks      []Mark
	TryFirst   bool
	TryLast    bool
	// SourceHash is an optional caller-supplied digest of the callable,
	// folded into the task_hash. Nothing in the core computes it, and
	// collect.Collect leaves it empty.
	SourceHash string
}

// AllDeps flattens every dependency Node declared by the task.
func (t Task) AllDeps() []Node {
	var out []Node
	for _, shape := range t.Deps {
		out = append(out, shape.Flatten()...)
	}
	return out
}

// AllProducts flattens every product Node declared by the task.
func (t Task) AllProducts() []Node {
	var out []Node
	for _, shape := range t.Products {
		out = append(out, shape.Flatten()...)
	}
	return out
}

// Outcome is the terminal state of a collected item or an executed task.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeFail               Outcome = "fail"
	OutcomeSkip               Outcome = "skip"
	OutcomeSkipUnchanged      Outcome = "skip_unchanged"
	OutcomeSkipAncestorFailed Outcome = "skip_ancestor_failed"
	OutcomePersisted          Outcome = "persisted"
)

// TaskResult records the outcome of one task execution attempt.
type TaskResult struct {
	TaskID    string
	Outcome   Outcome
	StartedAt time.Time
	Duration  time.Duration
	Output    TaskOutput
	Err       error
}
