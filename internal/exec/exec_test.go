package exec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/augustebaum/pytask-go/internal/graph"
	"github.com/augustebaum/pytask-go/internal/marks"
	"github.com/augustebaum/pytask-go/internal/model"
	"github.com/augustebaum/pytask-go/internal/node"
	"github.com/augustebaum/pytask-go/internal/statedb"
)

func newEngine(t *testing.T, tasks []model.Task) (*Engine, *graph.Graph) {
	t.Helper()
	g, err := graph.Build(tasks)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	db, err := statedb.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open statedb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(g, db, Config{Parallelism: 2}, nil, nil), g
}

func writeFileTask(id, path, content string, deps map[string]model.NodeShape) model.Task {
	return model.Task{
		ID:   id,
		Deps: deps,
		Products: map[string]model.NodeShape{
			"out": {Single: node.NewPathNode(path)},
		},
		Func: func(ctx context.Context, in model.TaskInput) (model.TaskOutput, error) {
			return nil, os.WriteFile(path, []byte(content), 0o644)
		},
	}
}

func TestFirstBuildRunsEveryTask(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	tasks := []model.Task{writeFileTask("build", out, "v1", nil)}
	e, _ := newEngine(t, tasks)

	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results["build"].Outcome != model.OutcomeSuccess {
		t.Fatalf("expected success, got %+v", results["build"])
	}
}

func TestNoOpRerunSkipsUnchangedTask(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	runs := 0
	task := model.Task{
		ID: "build",
		Products: map[string]model.NodeShape{
			"out": {Single: node.NewPathNode(out)},
		},
		Func: func(ctx context.Context, in model.TaskInput) (model.TaskOutput, error) {
			runs++
			return nil, os.WriteFile(out, []byte("stable"), 0o644)
		},
	}
	g, err := graph.Build([]model.Task{task})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	db, err := statedb.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("statedb: %v", err)
	}
	defer db.Close()
	e := New(g, db, Config{Parallelism: 1}, nil, nil)

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if results["build"].Outcome != model.OutcomeSkipUnchanged {
		t.Fatalf("expected skip_unchanged on rerun, got %+v", results["build"])
	}
	if runs != 1 {
		t.Fatalf("expected task to run exactly once, ran %d times", runs)
	}
}

func TestUpstreamChangeCausesDownstreamRerun(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	out := filepath.Join(dir, "out.txt")
	if err := os.WriteFile(src, []byte("v1"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	downstreamRuns := 0
	srcNode := node.NewPathNode(src)
	upstream := model.Task{
		ID: "touch_src",
		Products: map[string]model.NodeShape{
			"out": {Single: srcNode},
		},
		Func: func(ctx context.Context, in model.TaskInput) (model.TaskOutput, error) { return nil, nil },
	}
	downstream := model.Task{
		ID:   "build",
		Deps: map[string]model.NodeShape{"src": {Single: srcNode}},
		Products: map[string]model.NodeShape{
			"out": {Single: node.NewPathNode(out)},
		},
		Func: func(ctx context.Context, in model.TaskInput) (model.TaskOutput, error) {
			downstreamRuns++
			return nil, os.WriteFile(out, []byte("built"), 0o644)
		},
	}

	g, err := graph.Build([]model.Task{upstream, downstream})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	db, err := statedb.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("statedb: %v", err)
	}
	defer db.Close()
	e := New(g, db, Config{Parallelism: 2}, nil, nil)

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if downstreamRuns != 1 {
		t.Fatalf("expected downstream to run once initially, ran %d", downstreamRuns)
	}

	if err := os.WriteFile(src, []byte("v2"), 0o644); err != nil {
		t.Fatalf("change src: %v", err)
	}
	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if downstreamRuns != 2 {
		t.Fatalf("expected downstream to rerun after upstream change, ran %d times", downstreamRuns)
	}
	if results["build"].Outcome != model.OutcomeSuccess {
		t.Fatalf("expected success on rerun, got %+v", results["build"])
	}
}

func TestFailurePropagatesToSkipAncestorFailed(t *testing.T) {
	failing := model.Task{
		ID: "compile",
		Products: map[string]model.NodeShape{
			"out": {Single: node.NewPathNode(filepath.Join(t.TempDir(), "compile.o"))},
		},
		Func: func(ctx context.Context, in model.TaskInput) (model.TaskOutput, error) {
			return nil, errors.New("compile error")
		},
	}
	downstream := model.Task{
		ID:   "link",
		Deps: map[string]model.NodeShape{"obj": failing.Products["out"]},
	}

	g, err := graph.Build([]model.Task{failing, downstream})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	db, err := statedb.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("statedb: %v", err)
	}
	defer db.Close()
	e := New(g, db, Config{Parallelism: 2}, nil, nil)

	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}
	if results["compile"].Outcome != model.OutcomeFail {
		t.Fatalf("expected compile to fail, got %+v", results["compile"])
	}
	if results["link"].Outcome != model.OutcomeSkipAncestorFailed {
		t.Fatalf("expected link to be skipped due to ancestor failure, got %+v", results["link"])
	}
}

func TestSkipMarkAlwaysSkips(t *testing.T) {
	ran := false
	task := model.Task{
		ID:    "maybe",
		Marks: []model.Mark{{Name: model.MarkSkip}},
		Func: func(ctx context.Context, in model.TaskInput) (model.TaskOutput, error) {
			ran = true
			return nil, nil
		},
	}
	e, _ := newEngine(t, []model.Task{task})
	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results["maybe"].Outcome != model.OutcomeSkip {
		t.Fatalf("expected skip outcome, got %+v", results["maybe"])
	}
	if ran {
		t.Fatalf("expected skip-marked task to never run")
	}
}

func TestExternallySuppliedMarkTableGovernsSkipIf(t *testing.T) {
	ran := false
	task := model.Task{
		ID: "conditional",
		Func: func(ctx context.Context, in model.TaskInput) (model.TaskOutput, error) {
			ran = true
			return nil, nil
		},
	}
	g, err := graph.Build([]model.Task{task})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	db, err := statedb.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("statedb: %v", err)
	}
	defer db.Close()

	table := marks.NewTable()
	table.Attach("conditional", model.Mark{Name: model.MarkSkipIf, Args: []any{true}})

	e := New(g, db, Config{Parallelism: 1}, nil, table)
	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results["conditional"].Outcome != model.OutcomeSkip {
		t.Fatalf("expected skip outcome from externally supplied mark table, got %+v", results["conditional"])
	}
	if ran {
		t.Fatalf("expected skip_if-marked task to never run")
	}
}
