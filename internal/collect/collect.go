// Package collect implements the discovery stage: turning a set of declared
// task definitions into concrete model.Task values, by expanding
// parametrize combinations and resolving each dependency/product descriptor
// into a model.Node through the collect_node hook. Go has no equivalent of
// importing arbitrary modules off a filesystem glob and introspecting their
// globals, so where pytask walks files at runtime, here task definitions are
// registered explicitly in Go code and this stage only expands and resolves
// them; the bus-dispatch and reporting shape is otherwise unchanged.
package collect

import (
	"context"
	"fmt"
	"sort"

	"github.com/augustebaum/pytask-go/internal/hooks"
	"github.com/augustebaum/pytask-go/internal/marks"
	"github.com/augustebaum/pytask-go/internal/model"
)

// ResolveNodeHook is the collect_node extensibility point: it receives a
// raw descriptor (whatever a task definition supplied for a dependency or
// product) and resolves it into a concrete model.Node. First listener to
// return non-nil wins.
type ResolveNodeHook = hooks.Hook[any, model.Node]

// NewResolveNodeHook declares the collect_node hook with its fixed FirstNonNil convention.
func NewResolveNodeHook() *ResolveNodeHook {
	return hooks.NewHook[any, model.Node]("collect_node", hooks.FirstNonNil)
}

// Parametrize describes one task definition's parametrize mark: a set of
// named arguments and one value tuple per generated task variant.
type Parametrize struct {
	ArgNames  []string
	ArgValues [][]any
	// IDs optionally names each variant explicitly ("one", "two", ...). When
	// nil, an ID is derived from the argument values joined by "-": a scalar
	// is rendered as itself, any other value as its argument name followed
	// by the variant's index.
	IDs []string
}

// TaskDef is a task as declared by user code, before parametrize expansion
// and node resolution.
type TaskDef struct {
	ID          string
	Func        model.TaskFunc
	DependsOn   map[string]any
	Produces    map[string]any
	Marks       []model.Mark
	TryFirst    bool
	TryLast     bool
	Parametrize *Parametrize
}

// Report records what collection produced: every resulting task ID, sorted
// lexicographically, and every per-item error encountered along the way.
// Collection does not abort on a per-item error; it keeps going so one bad
// task definition doesn't hide problems in every other one.
type Report struct {
	Collected []string
	Errors    []error
}

// OK reports whether collection produced no errors at all.
func (r Report) OK() bool { return len(r.Errors) == 0 }

// Collect expands every TaskDef's parametrize combinations, resolves its
// descriptors through resolveNode, and enforces strict-markers mode when
// allowedMarks is non-nil. A duplicate task ID anywhere in the result is
// fatal: two tasks can never legitimately share an identity. Every resolved
// task's marks are also recorded into a marks.Table keyed by its task ID,
// the sidecar store later pipeline stages query instead of re-scanning each
// task's mark slice directly.
func Collect(ctx context.Context, defs []TaskDef, resolveNode *ResolveNodeHook, allowedMarks map[string]bool) (Report, []model.Task, *marks.Table, error) {
	var report Report
	var tasks []model.Task
	table := marks.NewTable()
	seen := make(map[string]bool)

	for _, def := range defs {
		variants, err := expand(def)
		if err != nil {
			report.Errors = append(report.Errors, &model.CollectionError{Item: def.ID, Err: err})
			continue
		}
		for _, v := range variants {
			task, err := resolve(ctx, v, resolveNode, allowedMarks)
			if err != nil {
				report.Errors = append(report.Errors, &model.CollectionError{Item: v.ID, Err: err})
				continue
			}
			if seen[task.ID] {
				return report, nil, nil, &model.ResolvingDependenciesError{Msg: fmt.Sprintf("duplicate task id %q", task.ID)}
			}
			seen[task.ID] = true
			tasks = append(tasks, task)
			table.Set(task.ID, task.Marks)
			report.Collected = append(report.Collected, task.ID)
		}
	}

	sort.Strings(report.Collected)
	return report, tasks, table, nil
}

// expand turns one TaskDef into one or more TaskDefs with parametrize
// resolved away, each carrying a fully qualified, unique ID.
func expand(def TaskDef) ([]TaskDef, error) {
	if def.Parametrize == nil {
		return []TaskDef{def}, nil
	}
	p := def.Parametrize
	if len(p.IDs) != 0 && len(p.IDs) != len(p.ArgValues) {
		return nil, fmt.Errorf("parametrize: %d explicit ids for %d value tuples", len(p.IDs), len(p.ArgValues))
	}

	variants := make([]TaskDef, 0, len(p.ArgValues))
	for i, values := range p.ArgValues {
		if len(values) != len(p.ArgNames) {
			return nil, fmt.Errorf("parametrize: tuple %d has %d values for %d argument names", i, len(values), len(p.ArgNames))
		}
		id := variantID(p, i, values)
		variant := def
		variant.ID = fmt.Sprintf("%s[%s]", def.ID, id)
		variant.Parametrize = nil
		variant.Marks = append(append([]model.Mark(nil), def.Marks...), model.Mark{
			Name:   model.MarkParametrize,
			Kwargs: zip(p.ArgNames, values),
		})
		variants = append(variants, variant)
	}
	return variants, nil
}

func variantID(p *Parametrize, index int, values []any) string {
	if len(p.IDs) != 0 {
		return p.IDs[index]
	}
	parts := make([]string, len(values))
	for i, v := range values {
		switch v.(type) {
		case string, int, int64, float64, bool:
			parts[i] = fmt.Sprint(v)
		default:
			parts[i] = fmt.Sprintf("%s%d", p.ArgNames[i], index)
		}
	}
	id := parts[0]
	for _, part := range parts[1:] {
		id += "-" + part
	}
	return id
}

func zip(names []string, values []any) map[string]any {
	out := make(map[string]any, len(names))
	for i, name := range names {
		out[name] = values[i]
	}
	return out
}

// resolve turns one already-expanded TaskDef into a model.Task by running
// every declared descriptor through resolveNode.
func resolve(ctx context.Context, def TaskDef, resolveNode *ResolveNodeHook, allowedMarks map[string]bool) (model.Task, error) {
	if allowedMarks != nil {
		for _, m := range def.Marks {
			if !allowedMarks[m.Name] {
				return model.Task{}, fmt.Errorf("unregistered mark %q used under strict-markers mode", m.Name)
			}
		}
	}

	deps, err := resolveShapes(ctx, def.DependsOn, resolveNode)
	if err != nil {
		return model.Task{}, fmt.Errorf("resolving depends_on: %w", err)
	}
	products, err := resolveShapes(ctx, def.Produces, resolveNode)
	if err != nil {
		return model.Task{}, fmt.Errorf("resolving produces: %w", err)
	}

	return model.Task{
		ID:       def.ID,
		Func:     def.Func,
		Deps:     deps,
		Products: products,
		Marks:    def.Marks,
		TryFirst: def.TryFirst,
		TryLast:  def.TryLast,
	}, nil
}

// resolveShapes resolves a map of raw descriptors (each a scalar, a slice,
// or a map, mirroring how depends_on/produces may be declared) into
// model.NodeShape values.
func resolveShapes(ctx context.Context, raw map[string]any, resolveNode *ResolveNodeHook) (map[string]model.NodeShape, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(map[string]model.NodeShape, len(raw))
	for name, descriptor := range raw {
		shape, err := resolveShape(ctx, descriptor, resolveNode)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = shape
	}
	return out, nil
}

func resolveShape(ctx context.Context, descriptor any, resolveNode *ResolveNodeHook) (model.NodeShape, error) {
	switch d := descriptor.(type) {
	case []any:
		nodes := make([]model.Node, 0, len(d))
		for _, item := range d {
			n, err := resolveOne(item, resolveNode)
			if err != nil {
				return model.NodeShape{}, err
			}
			nodes = append(nodes, n)
		}
		return model.NodeShape{Slice: nodes}, nil
	case map[string]any:
		nodes := make(map[string]model.Node, len(d))
		for key, item := range d {
			n, err := resolveOne(item, resolveNode)
			if err != nil {
				return model.NodeShape{}, err
			}
			nodes[key] = n
		}
		return model.NodeShape{Mapping: nodes}, nil
	default:
		n, err := resolveOne(descriptor, resolveNode)
		if err != nil {
			return model.NodeShape{}, err
		}
		return model.NodeShape{Single: n}, nil
	}
}

func resolveOne(descriptor any, resolveNode *ResolveNodeHook) (model.Node, error) {
	n, err := resolveNode.Call(descriptor)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, &model.NodeNotCollectedError{Descriptor: descriptor}
	}
	return n, nil
}
