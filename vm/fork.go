package vm

// forker copies the reference values reachable from a parent context's
// global bindings into a share-parent-ro child. Closures, environments
// and promises that lead back to the parent's roots are rebuilt over the
// child's roots, so nothing the child evaluates reads or writes the
// parent's environments. Data vectors are immutable and stay shared
// unless they hold such references.
type forker struct {
	to       *Context
	envs     map[*Environment]*Environment
	closures map[*Closure]*Closure
	promises map[*Promise]*Promise
}

func newForker(from, to *Context) *forker {
	return &forker{
		to: to,
		envs: map[*Environment]*Environment{
			from.empty:  to.empty,
			from.base:   to.base,
			from.global: to.global,
		},
		closures: make(map[*Closure]*Closure),
		promises: make(map[*Promise]*Promise),
	}
}

func (f *forker) value(v Value) Value {
	switch x := v.(type) {
	case *Closure:
		return f.closure(x)
	case *Environment:
		return f.env(x)
	case *Promise:
		return f.promise(x)
	case *Vector:
		return f.vector(x)
	case *DotsList:
		d := &DotsList{Values: make([]Value, len(x.Values)), Names: x.Names}
		for k, e := range x.Values {
			d.Values[k] = f.value(e)
		}
		return d
	}
	return v
}

func (f *forker) closure(cl *Closure) *Closure {
	if n, ok := f.closures[cl]; ok {
		return n
	}
	n := cl.copy()
	f.closures[cl] = n
	n.Env = f.env(cl.Env)
	if n.next != nil {
		n.next = f.value(n.next)
	}
	f.attrs(n.attrs)
	return n
}

func (f *forker) env(e *Environment) *Environment {
	if e == nil {
		return nil
	}
	if n, ok := f.envs[e]; ok {
		return n
	}
	if e.empty {
		return f.to.empty
	}
	n := &Environment{
		id:           nextEnvID.Add(1),
		name:         e.name,
		bindings:     make(map[string]Value, len(e.bindings)),
		order:        append([]string(nil), e.order...),
		allLocked:    e.allLocked,
		materialized: e.materialized,
		site:         e.site,
		epoch:        f.to.epoch,
	}
	f.envs[e] = n
	n.parent = f.env(e.parent)
	if len(e.locked) > 0 {
		n.locked = make(map[string]bool, len(e.locked))
		for name, l := range e.locked {
			n.locked[name] = l
		}
	}
	if e.call != nil {
		ci := *e.call
		ci.Caller = f.env(ci.Caller)
		ci.Function = f.value(ci.Function)
		ci.Args = make([]Value, len(e.call.Args))
		for k, a := range e.call.Args {
			ci.Args[k] = f.value(a)
		}
		n.call = &ci
	}
	for _, name := range e.order {
		n.bindings[name] = f.value(e.bindings[name])
	}
	return n
}

func (f *forker) promise(p *Promise) *Promise {
	if n, ok := f.promises[p]; ok {
		return n
	}
	n := *p
	f.promises[p] = &n
	if p.state == Evaluated {
		n.value = f.value(p.value)
		return &n
	}
	n.env = f.env(p.env)
	n.execFrame = f.env(p.execFrame)
	if p.wrapped != nil {
		n.wrapped = f.promise(p.wrapped)
	}
	// Guards close over the parent's frames.
	n.Deoptimize()
	return &n
}

func (f *forker) vector(v *Vector) *Vector {
	var elems []Value
	for k, e := range v.elems {
		fe := f.value(e)
		if fe != e && elems == nil {
			elems = append([]Value(nil), v.elems...)
		}
		if elems != nil {
			elems[k] = fe
		}
	}
	attrs := v.attrs
	if v.attrs != nil {
		for _, a := range v.attrs.values {
			if f.value(a) != a {
				attrs = v.attrs.clone()
				f.attrs(attrs)
				break
			}
		}
	}
	if elems == nil && attrs == v.attrs {
		return v
	}
	n := *v
	if elems != nil {
		n.elems = elems
	}
	n.attrs = attrs
	return &n
}

// attrs forks every attribute value of a in place.
func (f *forker) attrs(a *Attributes) {
	if a == nil {
		return
	}
	for k, v := range a.values {
		a.values[k] = f.value(v)
	}
}
