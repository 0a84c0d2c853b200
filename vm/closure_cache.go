package vm

import "sync"

// ---------------------------------------------------------------------------
// ClosureCache: promise expressions prepared once, indexed by node id
// ---------------------------------------------------------------------------

// Thunk is the prepared form of a promise expression. Literals and plain
// variable reads get a direct evaluation path; everything else goes
// through the evaluator. Thunks are immutable and shared by every promise
// created for the same expression node.
type Thunk struct {
	Expr Expr
	eval func(i *Interpreter, env *Environment) (Value, error)
}

// ClosureCache is an arena of thunks indexed by expression id. It is
// shared across sessions of a Runtime.
type ClosureCache struct {
	mu     sync.RWMutex
	thunks []*Thunk
}

// NewClosureCache creates an empty cache.
func NewClosureCache() *ClosureCache {
	return &ClosureCache{}
}

// GetOrCreate returns the thunk for expr, preparing it on first use.
func (c *ClosureCache) GetOrCreate(expr Expr) *Thunk {
	if expr == nil {
		return nil
	}
	id := expr.ID()

	c.mu.RLock()
	if id < len(c.thunks) {
		if t := c.thunks[id]; t != nil {
			c.mu.RUnlock()
			return t
		}
	}
	c.mu.RUnlock()

	t := prepareThunk(expr)

	c.mu.Lock()
	defer c.mu.Unlock()
	if id >= len(c.thunks) {
		grown := make([]*Thunk, id+1, 2*(id+1))
		copy(grown, c.thunks)
		c.thunks = grown
	}
	if existing := c.thunks[id]; existing != nil {
		return existing
	}
	c.thunks[id] = t
	return t
}

// Len returns the number of prepared thunks.
func (c *ClosureCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, t := range c.thunks {
		if t != nil {
			n++
		}
	}
	return n
}

func prepareThunk(expr Expr) *Thunk {
	t := &Thunk{Expr: expr}
	switch e := expr.(type) {
	case *Const:
		v := e.Value
		t.eval = func(*Interpreter, *Environment) (Value, error) { return v, nil }
	case *Ident:
		name := e.Name
		t.eval = func(i *Interpreter, env *Environment) (Value, error) {
			return i.readVariable(name, env, e)
		}
	default:
		t.eval = func(i *Interpreter, env *Environment) (Value, error) {
			return i.Eval(expr, env)
		}
	}
	return t
}
