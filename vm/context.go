package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Runtime: state shared by every session of a process
// ---------------------------------------------------------------------------

// Options configures a Runtime and the contexts it creates.
type Options struct {
	// MaxMethodNameLength bounds len(generic)+len(class)+2 for S3 method
	// names.
	MaxMethodNameLength int

	// MaxDepth bounds nested calls per context.
	MaxDepth int

	// MethodDispatch is the initial formal-dispatch flag of new contexts.
	MethodDispatch bool

	// EagerPromises enables speculative argument promises.
	EagerPromises bool

	// Interactive is copied to new contexts.
	Interactive bool
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxMethodNameLength: 512,
		MaxDepth:            5000,
		MethodDispatch:      true,
		EagerPromises:       true,
	}
}

// Runtime owns the process-wide tables: the method table, the generic
// lookup cache, the builtin table and the closure arena.
type Runtime struct {
	opts     Options
	methods  *MethodTable
	generics *GenericCache
	closures *ClosureCache
	builtins map[string]*Builtin
	log      commonlog.Logger
}

// NewRuntime creates a runtime. Zero-valued numeric options take their
// defaults.
func NewRuntime(opts Options) *Runtime {
	def := DefaultOptions()
	if opts.MaxMethodNameLength <= 0 {
		opts.MaxMethodNameLength = def.MaxMethodNameLength
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = def.MaxDepth
	}
	rt := &Runtime{
		opts:     opts,
		methods:  NewMethodTable(),
		generics: NewGenericCache(),
		closures: NewClosureCache(),
		log:      commonlog.GetLogger("rcore.vm"),
	}
	rt.builtins = newBuiltinTable()
	return rt
}

// Options returns the runtime configuration.
func (rt *Runtime) Options() Options { return rt.opts }

// Methods returns the shared method table.
func (rt *Runtime) Methods() *MethodTable { return rt.methods }

// Generics returns the shared generic lookup cache.
func (rt *Runtime) Generics() *GenericCache { return rt.generics }

// Closures returns the closure arena.
func (rt *Runtime) Closures() *ClosureCache { return rt.closures }

// LookupBuiltin returns the builtin registered under name.
func (rt *Runtime) LookupBuiltin(name string) (*Builtin, bool) {
	b, ok := rt.builtins[name]
	return b, ok
}

// BuiltinNames returns the names of every builtin.
func (rt *Runtime) BuiltinNames() []string {
	names := make([]string, 0, len(rt.builtins))
	for n := range rt.builtins {
		names = append(names, n)
	}
	return names
}

// ---------------------------------------------------------------------------
// Context: one evaluation session
// ---------------------------------------------------------------------------

// ContextKind selects how a child context relates to its parent's global
// environment.
type ContextKind uint8

const (
	// ShareNothing gives the child a fresh global environment.
	ShareNothing ContextKind = iota
	// ShareParentRO gives the child a copy of the parent's global bindings.
	ShareParentRO
	// ShareParentRW makes the child evaluate in the parent's global
	// environment. A parent has at most one active RW child.
	ShareParentRW
)

func (k ContextKind) String() string {
	switch k {
	case ShareNothing:
		return "share-nothing"
	case ShareParentRO:
		return "share-parent-ro"
	case ShareParentRW:
		return "share-parent-rw"
	}
	return fmt.Sprintf("ContextKind(%d)", k)
}

// ParseContextKind parses the names produced by ContextKind.String.
func ParseContextKind(s string) (ContextKind, error) {
	switch s {
	case "", "share-nothing":
		return ShareNothing, nil
	case "share-parent-ro":
		return ShareParentRO, nil
	case "share-parent-rw":
		return ShareParentRW, nil
	}
	return ShareNothing, fmt.Errorf("unknown context kind %q", s)
}

// Context is the per-session evaluation state. A context is used by one
// goroutine at a time; the session package pins each to a worker.
type Context struct {
	rt     *Runtime
	kind   ContextKind
	parent *Context

	empty  *Environment
	base   *Environment
	global *Environment

	// epoch counts function-binding changes in this context's
	// environments. A share-parent-rw child shares its parent's.
	epoch *atomic.Uint64

	dispatchOn            bool
	allowPrimitiveMethods bool
	interactive           bool

	mu      sync.Mutex // guards rwChild and active
	rwChild *Context
	active  bool

	stats  PromiseStats
	interp *Interpreter
	log    commonlog.Logger
}

// NewContext creates a top-level context with fresh base and global
// environments.
func (rt *Runtime) NewContext() *Context {
	c := rt.newContext(ShareNothing, nil)
	c.newRoots()
	c.log.Debug("context created", "kind", c.kind.String())
	return c
}

func (rt *Runtime) newContext(kind ContextKind, parent *Context) *Context {
	c := &Context{
		rt:                    rt,
		kind:                  kind,
		parent:                parent,
		dispatchOn:            rt.opts.MethodDispatch,
		allowPrimitiveMethods: true,
		interactive:           rt.opts.Interactive,
		active:                true,
		log:                   commonlog.GetLogger("rcore.vm.context"),
	}
	c.interp = newInterpreter(c)
	return c
}

// newBaseEnvironment binds every builtin in a fresh base environment
// whose bindings are locked.
func (rt *Runtime) newBaseEnvironment(empty *Environment) *Environment {
	base := NewEnvironment("base", empty)
	for name, b := range rt.builtins {
		base.define(name, b)
	}
	base.LockBindings()
	base.materialized = true
	return base
}

// newRoots gives c its own empty, base and global environments.
func (c *Context) newRoots() {
	c.epoch = new(atomic.Uint64)
	c.empty = newEmptyEnvironment(c.epoch)
	c.base = c.rt.newBaseEnvironment(c.empty)
	c.global = NewEnvironment("R_GlobalEnv", c.base)
	c.global.materialized = true
}

// NewChild creates a child context of the given kind. Share-nothing and
// share-parent-ro children get their own root environments, so they
// never touch the parent's; a share-parent-rw child evaluates in the
// parent's environments and must run on the parent's goroutine.
func (c *Context) NewChild(kind ContextKind) (*Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return nil, fmt.Errorf("cannot fork a destroyed context")
	}

	child := c.rt.newContext(kind, c)
	child.dispatchOn = c.dispatchOn
	child.allowPrimitiveMethods = c.allowPrimitiveMethods
	child.interactive = c.interactive

	switch kind {
	case ShareNothing:
		child.newRoots()
	case ShareParentRO:
		child.newRoots()
		f := newForker(c, child)
		c.global.Each(func(name string, v Value) {
			child.global.define(name, f.value(v))
		})
	case ShareParentRW:
		if c.rwChild != nil {
			return nil, fmt.Errorf("context already has an active %s child", ShareParentRW)
		}
		child.epoch = c.epoch
		child.empty = c.empty
		child.base = c.base
		child.global = c.global
		c.rwChild = child
	default:
		return nil, fmt.Errorf("unknown context kind %d", kind)
	}
	c.log.Debug("child context created", "kind", kind.String())
	return child, nil
}

// Destroy deactivates the context and detaches it from its parent.
func (c *Context) Destroy() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()

	if p := c.parent; p != nil && c.kind == ShareParentRW {
		p.mu.Lock()
		if p.rwChild == c {
			p.rwChild = nil
		}
		p.mu.Unlock()
	} else {
		c.rt.generics.forget(c.global, c.base)
	}
	c.log.Debug("context destroyed", "kind", c.kind.String())
}

// IsActive reports whether the context has not been destroyed.
func (c *Context) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Runtime returns the shared runtime.
func (c *Context) Runtime() *Runtime { return c.rt }

// Kind returns how the context shares its parent's state.
func (c *Context) Kind() ContextKind { return c.kind }

// Parent returns the parent context, nil for top-level contexts.
func (c *Context) Parent() *Context { return c.parent }

// Global returns the global environment.
func (c *Context) Global() *Environment { return c.global }

// Base returns the base environment holding the builtins.
func (c *Context) Base() *Environment { return c.base }

// Empty returns the empty environment.
func (c *Context) Empty() *Environment { return c.empty }

// Interpreter returns the context's evaluator.
func (c *Context) Interpreter() *Interpreter { return c.interp }

// Stats returns a copy of the promise statistics.
func (c *Context) Stats() PromiseStats { return c.stats }

// IsInteractive reports whether the session talks to a terminal.
func (c *Context) IsInteractive() bool { return c.interactive }

// SetInteractive sets the interactive flag.
func (c *Context) SetInteractive(v bool) { c.interactive = v }

// MethodDispatchOn reports whether formal method dispatch is enabled.
func (c *Context) MethodDispatchOn() bool { return c.dispatchOn }

// AllowPrimitiveMethods reports whether methods may be set on builtins.
func (c *Context) AllowPrimitiveMethods() bool { return c.allowPrimitiveMethods }

// Eval evaluates expr in the global environment.
func (c *Context) Eval(expr Expr) (Value, error) {
	return c.EvalIn(expr, c.global)
}

// EvalIn evaluates expr in env. A top-level return() yields its value.
func (c *Context) EvalIn(expr Expr, env *Environment) (Value, error) {
	if !c.IsActive() {
		return nil, fmt.Errorf("context has been destroyed")
	}
	v, err := c.interp.Eval(expr, env)
	if err != nil {
		if rs, ok := err.(*returnSignal); ok {
			return rs.value, nil
		}
		return nil, err
	}
	return c.interp.CheckEvaluate(v, env)
}

// EvalAll evaluates exprs in order in the global environment and returns
// the last value.
func (c *Context) EvalAll(exprs []Expr) (Value, error) {
	var last Value = Null
	for _, e := range exprs {
		v, err := c.Eval(e)
		if err != nil {
			return nil, err
		}
		last = v
	}
	return last, nil
}
