// Package marks implements the sidecar metadata table that stands in for
// pytask's dynamic attribute-based mark system. Go task callables cannot
// carry runtime-assigned attributes, so marks are tracked externally, keyed
// by the stable task identity the collector assigns each task.
package marks

import "github.com/augustebaum/pytask-go/internal/model"

// Table is a sidecar store mapping task ID to its attached marks. Construct
// it with NewTable: the zero value has a nil map, and Attach or Set on it
// panics.
type Table struct {
	byTask map[string][]model.Mark
}

// NewTable constructs an empty mark table.
func NewTable() *Table {
	return &Table{byTask: make(map[string][]model.Mark)}
}

// Attach appends a mark to the set already recorded for taskID, preserving
// attachment order.
func (t *Table) Attach(taskID string, m model.Mark) {
	t.byTask[taskID] = append(t.byTask[taskID], m)
}

// Set replaces the entire mark set for taskID. Set(id, GetAll(id)) is the
// identity: it round-trips whatever GetAll previously returned.
func (t *Table) Set(taskID string, ms []model.Mark) {
	if len(ms) == 0 {
		delete(t.byTask, taskID)
		return
	}
	t.byTask[taskID] = append([]model.Mark(nil), ms...)
}

// GetAll returns every mark attached to taskID, in attachment order. The
// returned slice is a copy; mutating it does not affect the table.
func (t *Table) GetAll(taskID string) []model.Mark {
	ms := t.byTask[taskID]
	if len(ms) == 0 {
		return nil
	}
	return append([]model.Mark(nil), ms...)
}

// Get returns the first mark attached to taskID under name, and whether one
// was found. Marks may be attached more than once; Get favors the first.
func (t *Table) Get(taskID, name string) (model.Mark, bool) {
	for _, m := range t.byTask[taskID] {
		if m.Name == name {
			return m, true
		}
	}
	return model.Mark{}, false
}

// Has reports whether taskID carries at least one mark named name.
func (t *Table) Has(taskID, name string) bool {
	_, ok := t.Get(taskID, name)
	return ok
}

// Remove drops every mark named name from taskID.
func (t *Table) Remove(taskID, name string) {
	ms := t.byTask[taskID]
	if len(ms) == 0 {
		return
	}
	kept := ms[:0:0]
	for _, m := range ms {
		if m.Name != name {
			kept = append(kept, m)
		}
	}
	t.Set(taskID, kept)
}

// DropTask clears every mark attached to taskID.
func (t *Table) DropTask(taskID string) {
	delete(t.byTask, taskID)
}
