// Package hooks implements the typed, ordered multi-listener dispatch bus
// the rest of the core is layered on, modeled on pluggy's calling
// conventions (firstresult, hookimpl chains, wrappers) but expressed with Go
// generics instead of runtime introspection.
package hooks

import (
	"fmt"
	"sort"
)

// Convention selects how a hook's listeners are combined into a result.
type Convention int

const (
	// FirstNonNil calls listeners in order; the first to return a non-nil
	// result wins and later listeners are not invoked.
	FirstNonNil Convention = iota
	// CollectAll calls every listener and gathers all results in order.
	CollectAll
	// Wrapper lets a listener run logic around the rest of the chain.
	Wrapper
)

// listener is one registered implementation of a hook, with its tie-breaking
// priority and registration order preserved for deterministic dispatch.
type listener[In, Out any] struct {
	fn       func(In) (Out, error)
	wrapFn   WrapFunc[In, Out]
	tryFirst bool
	tryLast  bool
	seq      int
}

// WrapFunc is a wrapper listener: it receives the call input and a next
// function that invokes the remaining chain, and returns the final result.
type WrapFunc[In, Out any] func(in In, next func(In) (Out, error)) (Out, error)

// Hook is one named extensibility point with a fixed calling convention.
type Hook[In, Out any] struct {
	name       string
	convention Convention
	blocked    bool
	listeners  []listener[In, Out]
	seq        int
}

// NewHook declares a hook specification with the given name and calling convention.
func NewHook[In, Out any](name string, convention Convention) *Hook[In, Out] {
	return &Hook[In, Out]{name: name, convention: convention}
}

// Name returns the hook's registered name, for bus diagnostics.
func (h *Hook[In, Out]) Name() string { return h.name }

// RegisterOpt configures tie-breaking priority for one registration.
type RegisterOpt func(*registerOpts)

type registerOpts struct {
	tryFirst bool
	tryLast  bool
}

// TryFirst requests this listener run before unmarked listeners.
func TryFirst() RegisterOpt { return func(o *registerOpts) { o.tryFirst = true } }

// TryLast requests this listener run after unmarked listeners.
func TryLast() RegisterOpt { return func(o *registerOpts) { o.tryLast = true } }

// Register adds a plain (non-wrapper) listener. Valid for FirstNonNil and CollectAll hooks.
func (h *Hook[In, Out]) Register(fn func(In) (Out, error), opts ...RegisterOpt) {
	if h.convention == Wrapper {
		panic(fmt.Sprintf("hook %q: Register called on a wrapper hook, use RegisterWrapper", h.name))
	}
	o := applyOpts(opts)
	h.listeners = append(h.listeners, listener[In, Out]{fn: fn, tryFirst: o.tryFirst, tryLast: o.tryLast, seq: h.nextSeq()})
	h.reorder()
}

// RegisterWrapper adds a wrapper listener. Valid only for Wrapper hooks.
func (h *Hook[In, Out]) RegisterWrapper(fn WrapFunc[In, Out], opts ...RegisterOpt) {
	if h.convention != Wrapper {
		panic(fmt.Sprintf("hook %q: RegisterWrapper called on a non-wrapper hook", h.name))
	}
	o := applyOpts(opts)
	h.listeners = append(h.listeners, listener[In, Out]{wrapFn: fn, tryFirst: o.tryFirst, tryLast: o.tryLast, seq: h.nextSeq()})
	h.reorder()
}

func applyOpts(opts []RegisterOpt) registerOpts {
	var o registerOpts
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (h *Hook[In, Out]) nextSeq() int {
	h.seq++
	return h.seq
}

// reorder sorts listeners by (try_first before unmarked before try_last),
// then by registration order within a bucket, so dispatch is deterministic.
func (h *Hook[In, Out]) reorder() {
	sort.SliceStable(h.listeners, func(i, j int) bool {
		bi, bj := bucket(h.listeners[i]), bucket(h.listeners[j])
		if bi != bj {
			return bi < bj
		}
		return h.listeners[i].seq < h.listeners[j].seq
	})
}

func bucket[In, Out any](l listener[In, Out]) int {
	switch {
	case l.tryFirst:
		return 0
	case l.tryLast:
		return 2
	default:
		return 1
	}
}

// Block disables a hook name entirely: dispatch becomes a no-op (zero value, nil error).
func (h *Hook[In, Out]) Block()   { h.blocked = true }
func (h *Hook[In, Out]) Unblock() { h.blocked = false }

// Listeners returns the number of currently registered listeners, for diagnostics.
func (h *Hook[In, Out]) Listeners() int { return len(h.listeners) }

// PartialResult pairs one listener's CollectAll outcome with any error it raised.
type PartialResult[Out any] struct {
	Value Out
	Err   error
}

// Call dispatches the hook according to its calling convention.
//
// FirstNonNil: listeners run in order; the first whose error is nil and
// whose result is non-nil (compared against the zero value via isZero) wins.
// A listener error aborts dispatch and is returned directly.
//
// CollectAll hooks are dispatched with CallAll; Call panics on them.
//
// Wrapper: the registered wrappers are nested around a terminal no-op that
// returns the zero value, the first in dispatch order outermost and the last
// innermost.
func (h *Hook[In, Out]) Call(in In) (Out, error) {
	var zero Out
	if h.blocked {
		return zero, nil
	}
	switch h.convention {
	case FirstNonNil:
		return h.callFirstNonNil(in)
	case Wrapper:
		return h.callWrapper(in)
	default:
		panic(fmt.Sprintf("hook %q: Call used with CollectAll convention, use CallAll", h.name))
	}
}

// CallAll dispatches a CollectAll hook: every listener runs, and its result
// and error are returned in dispatch order (try_first, unmarked, try_last,
// registration order within each). Dispatch itself never errors; a blocked
// hook or a non-CollectAll hook returns nil.
func (h *Hook[In, Out]) CallAll(in In) []PartialResult[Out] {
	if h.blocked || h.convention != CollectAll {
		return nil
	}
	out := make([]PartialResult[Out], 0, len(h.listeners))
	for _, l := range h.listeners {
		v, err := l.fn(in)
		out = append(out, PartialResult[Out]{Value: v, Err: err})
	}
	return out
}

func (h *Hook[In, Out]) callFirstNonNil(in In) (Out, error) {
	var zero Out
	for _, l := range h.listeners {
		v, err := l.fn(in)
		if err != nil {
			return zero, err
		}
		if !isZero(v) {
			return v, nil
		}
	}
	return zero, nil
}

func (h *Hook[In, Out]) callWrapper(in In) (Out, error) {
	var zero Out
	chain := func(In) (Out, error) { return zero, nil }
	for i := len(h.listeners) - 1; i >= 0; i-- {
		next := chain
		wrap := h.listeners[i].wrapFn
		chain = func(in In) (Out, error) { return wrap(in, next) }
	}
	return chain(in)
}

// isZero reports whether v equals Out's zero value. The comparison panics
// when Out is not comparable (slices, maps, funcs); such hooks should use a
// pointer or wrapper struct for Out instead.
func isZero[T any](v T) bool {
	return any(v) == any(*new(T))
}
