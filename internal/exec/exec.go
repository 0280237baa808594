// Package exec is the incremental execution engine: it walks the resolved
// graph in dependency order, decides per task whether anything changed
// since the last successful run, and dispatches the ones that need to run
// across a bounded worker pool. The scheduling shape (in-degree countdown,
// a ready queue feeding N workers, a coordinator goroutine draining
// results and releasing newly-ready children) is grounded on the reference
// orchestrator's executeDAG/worker split; the ready-set ordering and
// up-to-date decision are this engine's own, built for the task-hash plus
// fingerprint model described alongside the graph and statedb packages.
package exec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/augustebaum/pytask-go/internal/graph"
	"github.com/augustebaum/pytask-go/internal/marks"
	"github.com/augustebaum/pytask-go/internal/model"
	"github.com/augustebaum/pytask-go/internal/resilience"
	"github.com/augustebaum/pytask-go/internal/statedb"
)

// Config controls the execution engine's concurrency and failure tolerance.
type Config struct {
	// Parallelism is the number of worker goroutines running tasks
	// concurrently. Must be at least 1.
	Parallelism int
	// MaxFailures aborts scheduling once this many tasks have failed. Zero
	// means unlimited: the engine runs every task that dependency failures
	// don't skip.
	MaxFailures int
	// RetryMaxAttempts bounds how many times a single state-db write is
	// retried before the commit is given up on. Zero defaults to 3.
	RetryMaxAttempts int
	// RetryInitialWait is the first backoff delay between state-db write
	// retries; it doubles (with full jitter) on each subsequent attempt.
	// Zero defaults to 100ms.
	RetryInitialWait time.Duration
}

// Engine runs a resolved graph to completion against a persisted state database.
type Engine struct {
	graph   *graph.Graph
	db      *statedb.DB
	cfg     Config
	log     *slog.Logger
	breaker *resilience.CircuitBreaker
	marks   *marks.Table
}

// New constructs an execution engine for g, persisting fingerprints to db.
// State-db writes go through a bounded retry and an adaptive circuit
// breaker, the same resilience wrapper the reference orchestrator applies
// to its persistence layer, since a flaky or momentarily unavailable state
// database should not be treated the same as a task callable failing.
//
// marksTable is the sidecar mark store collection populated; the engine
// queries it for skip/skip_if rather than scanning each task's mark slice
// itself. A nil marksTable is seeded lazily from the graph's own tasks on
// the first Run, so an engine built directly from a graph (bypassing
// collection, as in tests) still honors marks attached to its tasks.
func New(g *graph.Graph, db *statedb.DB, cfg Config, log *slog.Logger, marksTable *marks.Table) *Engine {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.RetryMaxAttempts < 1 {
		cfg.RetryMaxAttempts = 3
	}
	if cfg.RetryInitialWait <= 0 {
		cfg.RetryInitialWait = 100 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	breaker := resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 5*time.Second, 2)
	return &Engine{graph: g, db: db, cfg: cfg, log: log, breaker: breaker, marks: marksTable}
}

// Run executes every task reachable from the graph's root tasks, honoring
// dependency order, and returns one model.TaskResult per task. It stops
// launching new tasks once ctx is cancelled or MaxFailures is reached, but
// always waits for in-flight tasks to finish before returning.
func (e *Engine) Run(ctx context.Context) (map[string]model.TaskResult, error) {
	order, err := e.graph.Sort()
	if err != nil {
		return nil, err
	}

	if e.marks == nil {
		e.marks = marks.NewTable()
		for _, id := range order {
			if t, ok := e.graph.Task(id); ok {
				e.marks.Set(id, t.Marks)
			}
		}
	}

	inDegree := make(map[string]int, len(order))
	children := make(map[string][]string, len(order))
	for _, id := range order {
		parents := e.parentsOf(id)
		inDegree[id] = len(parents)
		for _, p := range parents {
			children[p] = append(children[p], id)
		}
	}

	results := make(map[string]model.TaskResult, len(order))
	var mu sync.Mutex
	var failures int
	var exitErr error

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := newReadyQueue(func(a, b string) bool {
		ta, _ := e.graph.Task(a)
		tb, _ := e.graph.Task(b)
		return graph.Less(ta, tb)
	})
	for _, id := range order {
		if inDegree[id] == 0 {
			queue.Push(id)
		}
	}

	type outcome struct {
		id     string
		result model.TaskResult
	}
	done := make(chan outcome, len(order))

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, ok := queue.Pop()
				if !ok {
					return
				}
				res := e.runOne(runCtx, id, &mu, results)
				done <- outcome{id: id, result: res}
			}
		}()
	}

	remaining := len(order)
	for remaining > 0 {
		o := <-done
		remaining--

		mu.Lock()
		results[o.id] = o.result
		if o.result.Outcome == model.OutcomeFail {
			failures++
		}
		var exitSig *model.ExitSignal
		if errors.As(o.result.Err, &exitSig) && exitErr == nil {
			exitErr = exitSig
			cancel()
		}
		atFailureLimit := e.cfg.MaxFailures > 0 && failures >= e.cfg.MaxFailures
		mu.Unlock()

		if atFailureLimit {
			cancel()
		}

		for _, child := range children[o.id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue.Push(child)
			}
		}
	}

	queue.Close()
	wg.Wait()

	return results, exitErr
}

// parentsOf returns the IDs of tasks producing any node this task depends on.
func (e *Engine) parentsOf(id string) []string {
	task, _ := e.graph.Task(id)
	var parents []string
	seen := make(map[string]bool)
	for _, dep := range task.AllDeps() {
		producer, ok := e.graph.Producer(dep.ID())
		if !ok || seen[producer] {
			continue
		}
		seen[producer] = true
		parents = append(parents, producer)
	}
	return parents
}

// runOne applies the full per-task protocol: ancestor-failure propagation,
// skip marks, the up-to-date check, running the callable, and committing
// fresh fingerprints on success or PERSISTED.
func (e *Engine) runOne(ctx context.Context, id string, mu *sync.Mutex, results map[string]model.TaskResult) model.TaskResult {
	task, _ := e.graph.Task(id)
	start := time.Now()

	if ctx.Err() != nil {
		return model.TaskResult{TaskID: id, Outcome: model.OutcomeSkipAncestorFailed, StartedAt: start, Err: ctx.Err()}
	}

	if ancestor, failed := e.ancestorFailed(id, mu, results); failed {
		e.log.Info("skipping task, ancestor failed", "task_id", id, "ancestor", ancestor)
		return model.TaskResult{TaskID: id, Outcome: model.OutcomeSkipAncestorFailed, StartedAt: start}
	}

	if e.marks.Has(id, model.MarkSkip) {
		return model.TaskResult{TaskID: id, Outcome: model.OutcomeSkip, StartedAt: start}
	}
	if e.shouldSkipIf(id) {
		return model.TaskResult{TaskID: id, Outcome: model.OutcomeSkip, StartedAt: start}
	}

	taskHash := hashTask(task)
	if e.isUpToDate(ctx, task, taskHash) {
		return model.TaskResult{TaskID: id, Outcome: model.OutcomeSkipUnchanged, StartedAt: start, Duration: time.Since(start)}
	}

	output, err := func() (out model.TaskOutput, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return task.Func(ctx, task.Deps)
	}()
	duration := time.Since(start)

	var skipped *model.SkippedSignal
	if errors.As(err, &skipped) {
		return model.TaskResult{TaskID: id, Outcome: model.OutcomeSkip, StartedAt: start, Duration: duration, Err: err}
	}

	var persisted *model.PersistedSignal
	if errors.As(err, &persisted) {
		e.commit(task, taskHash)
		return model.TaskResult{TaskID: id, Outcome: model.OutcomePersisted, StartedAt: start, Duration: duration, Output: output}
	}

	var exitSig *model.ExitSignal
	if errors.As(err, &exitSig) {
		return model.TaskResult{TaskID: id, Outcome: model.OutcomeFail, StartedAt: start, Duration: duration, Err: err}
	}

	if err != nil {
		return model.TaskResult{TaskID: id, Outcome: model.OutcomeFail, StartedAt: start, Duration: duration, Err: &model.ExecutionError{TaskID: id, Err: err}}
	}

	for _, product := range task.AllProducts() {
		if !product.Exists(ctx) {
			return model.TaskResult{
				TaskID: id, Outcome: model.OutcomeFail, StartedAt: start, Duration: duration,
				Err: &model.NodeNotFoundError{NodeID: product.ID()},
			}
		}
	}

	e.commit(task, taskHash)
	return model.TaskResult{TaskID: id, Outcome: model.OutcomeSuccess, StartedAt: start, Duration: duration, Output: output}
}

func (e *Engine) ancestorFailed(id string, mu *sync.Mutex, results map[string]model.TaskResult) (string, bool) {
	mu.Lock()
	defer mu.Unlock()
	for _, parent := range e.parentsOf(id) {
		res, ok := results[parent]
		if !ok {
			continue
		}
		switch res.Outcome {
		case model.OutcomeFail, model.OutcomeSkipAncestorFailed:
			return parent, true
		}
	}
	return "", false
}

// shouldSkipIf evaluates the skip_if mark recorded for id in the engine's
// mark table. The condition is supplied at registration time as the mark's
// first positional argument, already evaluated to a bool: Go task
// definitions have no expression language to defer evaluation into, unlike
// the dynamic condition strings the reference orchestrator's
// evaluateCondition stub was built to parse.
func (e *Engine) shouldSkipIf(id string) bool {
	m, ok := e.marks.Get(id, model.MarkSkipIf)
	if !ok || len(m.Args) == 0 {
		return false
	}
	cond, ok := m.Args[0].(bool)
	return ok && cond
}

// hashTask digests the task's source registration and marks, the Go
// equivalent of the reference orchestrator's generateCacheKey: a stable
// fingerprint of "what would run", used to detect that a task's own
// definition changed even when its declared inputs didn't.
func hashTask(t model.Task) string {
	type shape struct {
		SourceHash string
		Marks      []model.Mark
		Deps       []string
		Products   []string
	}
	s := shape{SourceHash: t.SourceHash, Marks: t.Marks}
	for _, n := range t.AllDeps() {
		s.Deps = append(s.Deps, n.ID())
	}
	for _, n := range t.AllProducts() {
		s.Products = append(s.Products, n.ID())
	}
	sort.Strings(s.Deps)
	sort.Strings(s.Products)
	data, _ := json.Marshal(s)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// isUpToDate reports whether every declared dependency and product is
// unchanged since the last time this exact task hash ran successfully, and
// every declared product is still present. Any mismatch, any missing
// record, or any missing product means the task must run again.
func (e *Engine) isUpToDate(ctx context.Context, t model.Task, taskHash string) bool {
	if len(t.AllDeps()) == 0 && len(t.AllProducts()) == 0 {
		// No node records exist for such a task, so it always runs.
		return false
	}
	check := func(n model.Node, role statedb.Role) bool {
		rec, ok, err := e.db.Get(t.ID, n.ID(), role)
		if err != nil || !ok || rec.TaskHash != taskHash {
			return false
		}
		fp, err := n.Fingerprint(ctx)
		if err != nil {
			return false
		}
		return fp.Equal(rec.Fingerprint)
	}

	for _, n := range t.AllDeps() {
		if !check(n, statedb.RoleDependency) {
			return false
		}
	}
	for _, n := range t.AllProducts() {
		if !n.Exists(ctx) || !check(n, statedb.RoleProduct) {
			return false
		}
	}
	return true
}

// commit persists the current fingerprint of every declared dependency and
// product under taskHash, recording "this is the state that made this task
// hash's run succeed (or PERSIST)". Each write goes through the circuit
// breaker and a bounded retry: a transient state-db failure should not be
// conflated with the task itself failing.
func (e *Engine) commit(t model.Task, taskHash string) {
	now := time.Now()
	persistOne := func(n model.Node, role statedb.Role) {
		fp, err := n.Fingerprint(context.Background())
		if err != nil {
			e.log.Warn("could not fingerprint node for commit", "node_id", n.ID(), "error", err)
			return
		}
		if err := e.putWithResilience(t.ID, n.ID(), role, fp, taskHash, now); err != nil {
			e.log.Warn("could not persist state record", "task_id", t.ID, "node_id", n.ID(), "error", err)
		}
	}
	for _, n := range t.AllDeps() {
		persistOne(n, statedb.RoleDependency)
	}
	for _, n := range t.AllProducts() {
		persistOne(n, statedb.RoleProduct)
	}
}

// putWithResilience writes one state-db record, skipping the attempt
// entirely while the breaker is open and otherwise retrying transient
// failures with exponential backoff.
func (e *Engine) putWithResilience(taskID, nodeID string, role statedb.Role, fp model.Fingerprint, taskHash string, recordedAt time.Time) error {
	if !e.breaker.Allow() {
		return fmt.Errorf("state db circuit open, skipping write for %s/%s", taskID, nodeID)
	}
	_, err := resilience.Retry(context.Background(), e.cfg.RetryMaxAttempts, e.cfg.RetryInitialWait, func() (struct{}, error) {
		return struct{}{}, e.db.Put(taskID, nodeID, role, fp, taskHash, recordedAt)
	})
	e.breaker.RecordResult(err == nil)
	return err
}

