// Package graph builds the bipartite Task/Node dependency graph and
// resolves it into a deterministic execution order, grounded on the
// reference orchestrator's buildDAG/executeDAG split: a cheap structural
// build pass that can fail fast on duplicate producers, followed by a
// Kahn's-algorithm topological sort collapsed onto the task layer.
package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/augustebaum/pytask-go/internal/model"
)

// Graph is the resolved dependency structure over a task set: which task
// produces which node, and which tasks consume which nodes.
type Graph struct {
	tasks      map[string]model.Task
	producerOf map[string]string   // node ID -> producing task ID
	consumers  map[string][]string // node ID -> consuming task IDs
}

// Build indexes tasks by the nodes they produce and consume. It fails fast
// if two tasks declare the same product node: a node can have at most one
// producer, mirroring the one-writer invariant the reference state store
// relies on for safe concurrent reads.
func Build(tasks []model.Task) (*Graph, error) {
	g := &Graph{
		tasks:      make(map[string]model.Task, len(tasks)),
		producerOf: make(map[string]string),
		consumers:  make(map[string][]string),
	}

	for _, t := range tasks {
		if _, exists := g.tasks[t.ID]; exists {
			return nil, &model.ResolvingDependenciesError{Msg: fmt.Sprintf("duplicate task id %q", t.ID)}
		}
		g.tasks[t.ID] = t
	}

	for _, t := range tasks {
		for _, product := range t.AllProducts() {
			if owner, exists := g.producerOf[product.ID()]; exists {
				return nil, &model.ResolvingDependenciesError{
					Msg: fmt.Sprintf("node %q is produced by both %q and %q", product.ID(), owner, t.ID),
				}
			}
			g.producerOf[product.ID()] = t.ID
		}
	}

	for _, t := range tasks {
		for _, dep := range t.AllDeps() {
			g.consumers[dep.ID()] = append(g.consumers[dep.ID()], t.ID)
		}
	}

	return g, nil
}

// ValidateDependencies checks that every dependency node either has a
// producing task in this graph, or already exists on disk/externally. A
// dependency with neither is a resolution error: nothing will ever create
// it. Pre-existing external artifacts (checked out source, vendored data)
// are the intended reason a node can lack a producer and still be valid.
func (g *Graph) ValidateDependencies(ctx context.Context) error {
	seen := make(map[string]bool)
	for _, t := range g.tasks {
		for _, dep := range t.AllDeps() {
			if seen[dep.ID()] {
				continue
			}
			seen[dep.ID()] = true
			if _, hasProducer := g.producerOf[dep.ID()]; hasProducer {
				continue
			}
			if !dep.Exists(ctx) {
				return &model.ResolvingDependenciesError{
					Msg: fmt.Sprintf("node %q has no producing task and does not exist", dep.ID()),
				}
			}
		}
	}
	return nil
}

// taskEdges returns, for task id, the ids of tasks that must run before it:
// the producers of every node it depends on.
func (g *Graph) taskEdges(id string) []string {
	var parents []string
	seen := make(map[string]bool)
	for _, dep := range g.tasks[id].AllDeps() {
		producer, ok := g.producerOf[dep.ID()]
		if !ok || seen[producer] {
			continue
		}
		seen[producer] = true
		parents = append(parents, producer)
	}
	return parents
}

// Sort returns tasks in a topological order satisfying every dependency
// edge, breaking ties with try_first/try_last priority and finally
// lexicographic task ID so the order is fully deterministic across runs.
// Returns a ResolvingDependenciesError if the task graph contains a cycle,
// naming every task that could not be ordered (the tasks on a cycle and any
// task downstream of one).
func (g *Graph) Sort() ([]string, error) {
	inDegree := make(map[string]int, len(g.tasks))
	children := make(map[string][]string, len(g.tasks))
	for id := range g.tasks {
		parents := g.taskEdges(id)
		inDegree[id] = len(parents)
		for _, p := range parents {
			children[p] = append(children[p], id)
		}
	}

	ready := make([]string, 0, len(g.tasks))
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return Less(g.tasks[ready[i]], g.tasks[ready[j]]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, child := range children[next] {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(order) != len(g.tasks) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &model.ResolvingDependenciesError{Msg: fmt.Sprintf("dependency cycle detected among %d task(s): %s", len(stuck), strings.Join(stuck, ", "))}
	}
	return order, nil
}

// Less orders ready tasks by try_first first, try_last last, and ID
// lexicographically within a tie, matching the priority the execution
// engine's ready-set scheduler uses when picking the next task to dispatch.
func Less(a, b model.Task) bool {
	pa, pb := priority(a), priority(b)
	if pa != pb {
		return pa < pb
	}
	return a.ID < b.ID
}

func priority(t model.Task) int {
	switch {
	case t.TryFirst:
		return 0
	case t.TryLast:
		return 2
	default:
		return 1
	}
}

// Task returns the task registered under id.
func (g *Graph) Task(id string) (model.Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Consumers returns the IDs of tasks that depend on the node nodeID.
func (g *Graph) Consumers(nodeID string) []string {
	return append([]string(nil), g.consumers[nodeID]...)
}

// Producer returns the ID of the task that produces nodeID, if any.
func (g *Graph) Producer(nodeID string) (string, bool) {
	id, ok := g.producerOf[nodeID]
	return id, ok
}
