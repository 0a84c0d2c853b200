package vm

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Environment: a frame of bindings linked to its lexical parent
// ---------------------------------------------------------------------------

// Environment is one scope of variable bindings. Environments chain to a
// parent; the empty environment terminates every chain and holds no frame.
//
// Function-call frames start lightweight: promises bound in them may be
// speculative. A frame that becomes externally visible (returned as a
// value, captured by a closure, introspected) is materialized, which
// deoptimizes those promises. Environments are owned by a single session
// and are not safe for concurrent mutation.
type Environment struct {
	id     uint64
	name   string
	parent *Environment
	empty  bool

	bindings map[string]Value
	order    []string

	locked    map[string]bool
	allLocked bool

	materialized bool

	// call is set for function-call frames.
	call *CallInfo

	// site is the call expression errors raised in this frame are
	// attributed to. Promise forcing swaps it temporarily.
	site *CallExpr

	// epoch is the function-binding counter of the context that owns
	// this chain, inherited from the parent. Nil for detached frames.
	epoch *atomic.Uint64
}

// CallInfo describes the call that created a function frame.
type CallInfo struct {
	Call     *CallExpr    // the call expression
	Function Value        // the function applied
	Caller   *Environment // the environment the call was evaluated in
	Args     []Value      // supplied arguments (promises or values), call order
	Names    []string     // argument names, "" for positional

	// Matched holds the formal each supplied argument was matched to.
	Matched []string
}

var nextEnvID atomic.Uint64

// NewEmptyEnvironment creates a terminal environment.
func NewEmptyEnvironment() *Environment {
	return newEmptyEnvironment(nil)
}

// newEmptyEnvironment creates the terminal environment of a context.
// Every environment chained to it bumps epoch when a function-valued
// binding is created, replaced or removed; lookup caches compare it to
// detect method redefinition.
func newEmptyEnvironment(epoch *atomic.Uint64) *Environment {
	return &Environment{id: nextEnvID.Add(1), name: "R_EmptyEnv", empty: true, materialized: true, epoch: epoch}
}

// NewEnvironment creates a frame whose parent is parent.
func NewEnvironment(name string, parent *Environment) *Environment {
	env := &Environment{
		id:       nextEnvID.Add(1),
		name:     name,
		parent:   parent,
		bindings: make(map[string]Value),
	}
	if parent != nil {
		env.epoch = parent.epoch
	}
	return env
}

// newFrame creates a function-call frame.
func newFrame(parent *Environment, info *CallInfo) *Environment {
	env := NewEnvironment("", parent)
	env.call = info
	if info != nil {
		env.site = info.Call
	}
	return env
}

// TypeName implements Value.
func (*Environment) TypeName() string { return "environment" }

// ID returns the environment's unique id.
func (e *Environment) ID() uint64 { return e.id }

// Name returns the environment's name ("" for anonymous frames).
func (e *Environment) Name() string { return e.name }

// Parent returns the enclosing environment, nil for the empty environment.
func (e *Environment) Parent() *Environment { return e.parent }

// IsEmpty reports whether this is a terminal environment with no frame.
func (e *Environment) IsEmpty() bool { return e.empty }

// Call returns the call info of a function frame, nil otherwise.
func (e *Environment) Call() *CallInfo { return e.call }

// Site returns the call expression errors in this frame are attributed to.
func (e *Environment) Site() *CallExpr { return e.site }

// IsMaterialized reports whether the frame has been made externally visible.
func (e *Environment) IsMaterialized() bool { return e.materialized }

// GetLocal reads a binding from this frame only.
func (e *Environment) GetLocal(name string) (Value, bool) {
	if e.empty {
		return nil, false
	}
	v, ok := e.bindings[name]
	return v, ok
}

// Get reads a binding, walking parents. It returns the frame the binding
// was found in.
func (e *Environment) Get(name string) (Value, *Environment, bool) {
	for env := e; env != nil; env = env.parent {
		if v, ok := env.GetLocal(name); ok {
			return v, env, true
		}
	}
	return nil, nil, false
}

// Put creates or replaces a binding in this frame.
func (e *Environment) Put(name string, v Value) error {
	if e.empty {
		return &TypeMismatchError{Msg: "cannot assign values in the empty environment"}
	}
	old, exists := e.bindings[name]
	if exists && (e.allLocked || e.locked[name]) {
		return &LockedBindingError{Msg: fmt.Sprintf("cannot change value of locked binding for '%s'", name)}
	}
	if !exists && e.allLocked {
		return &LockedBindingError{Msg: "cannot add bindings to a locked environment"}
	}
	if !exists {
		e.order = append(e.order, name)
	}
	e.bindings[name] = v
	if isFunctionBinding(v) || isFunctionBinding(old) {
		e.bumpEpoch()
	}
	return nil
}

// define binds without lock checks; used while building call frames.
func (e *Environment) define(name string, v Value) {
	if _, exists := e.bindings[name]; !exists {
		e.order = append(e.order, name)
	}
	e.bindings[name] = v
}

// Remove deletes a binding from this frame. It reports whether it existed.
func (e *Environment) Remove(name string) (bool, error) {
	if e.empty {
		return false, nil
	}
	old, ok := e.bindings[name]
	if !ok {
		return false, nil
	}
	if e.allLocked {
		return false, &LockedBindingError{Msg: "cannot remove bindings from a locked environment"}
	}
	delete(e.bindings, name)
	delete(e.locked, name)
	for i, n := range e.order {
		if n == name {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	if isFunctionBinding(old) {
		e.bumpEpoch()
	}
	return true, nil
}

// Names lists the bindings of this frame in sorted order. Names starting
// with "." are hidden unless all is set; a non-empty pattern filters by
// regular expression.
func (e *Environment) Names(all bool, pattern string) ([]string, error) {
	if e.empty {
		return nil, nil
	}
	var re *regexp.Regexp
	if pattern != "" {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid name pattern %q: %w", pattern, err)
		}
	}
	names := make([]string, 0, len(e.order))
	for _, n := range e.order {
		if !all && strings.HasPrefix(n, ".") {
			continue
		}
		if re != nil && !re.MatchString(n) {
			continue
		}
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Len returns the number of bindings in this frame.
func (e *Environment) Len() int { return len(e.bindings) }

// LockBinding disallows updates to an existing binding.
func (e *Environment) LockBinding(name string) error {
	if _, ok := e.GetLocal(name); !ok {
		return fmt.Errorf("no binding for '%s'", name)
	}
	if e.locked == nil {
		e.locked = make(map[string]bool)
	}
	e.locked[name] = true
	return nil
}

// UnlockBinding allows updates to a previously locked binding.
func (e *Environment) UnlockBinding(name string) error {
	if _, ok := e.GetLocal(name); !ok {
		return fmt.Errorf("no binding for '%s'", name)
	}
	delete(e.locked, name)
	return nil
}

// BindingIsLocked reports whether updates to name are disallowed.
func (e *Environment) BindingIsLocked(name string) bool {
	return e.allLocked || e.locked[name]
}

// LockBindings locks every binding and disallows new ones.
func (e *Environment) LockBindings() { e.allLocked = true }

// Each calls fn for every binding of this frame in insertion order.
func (e *Environment) Each(fn func(name string, v Value)) {
	if e.empty {
		return
	}
	for _, n := range e.order {
		fn(n, e.bindings[n])
	}
}

// IsAncestorOf reports whether e is other or one of its parents.
func (e *Environment) IsAncestorOf(other *Environment) bool {
	for env := other; env != nil; env = env.parent {
		if env == e {
			return true
		}
	}
	return false
}

func (e *Environment) String() string {
	if e.name != "" {
		return "<environment: " + e.name + ">"
	}
	return fmt.Sprintf("<environment: %#x>", e.id)
}

func (e *Environment) bumpEpoch() {
	if e.epoch != nil {
		e.epoch.Add(1)
	}
}

func isFunctionBinding(v Value) bool {
	if v == nil {
		return false
	}
	if p, ok := v.(*Promise); ok {
		return p.state == Evaluated && IsFunction(p.value)
	}
	return IsFunction(v)
}
