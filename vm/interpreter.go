package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Interpreter: tree-walking evaluator
// ---------------------------------------------------------------------------

// Interpreter evaluates expression trees for one Context. It is not safe
// for concurrent use.
type Interpreter struct {
	ctx *Context
	rt  *Runtime
	log commonlog.Logger

	depth int

	// s3 caches the last S3 method lookup.
	s3 LookupCache

	// matchedCalls and nextCalls memoize the calls built by
	// callNextMethod, keyed by method definition and supplied formals, and
	// by call id.
	matchedCalls map[string]*Language
	nextCalls    map[int]*CallExpr
}

func newInterpreter(ctx *Context) *Interpreter {
	return &Interpreter{
		ctx:          ctx,
		rt:           ctx.rt,
		log:          commonlog.GetLogger("rcore.vm.interpreter"),
		matchedCalls: make(map[string]*Language),
		nextCalls:    make(map[int]*CallExpr),
	}
}

// Context returns the owning context.
func (i *Interpreter) Context() *Context { return i.ctx }

// S3Cache returns the S3 method lookup cache.
func (i *Interpreter) S3Cache() *LookupCache { return &i.s3 }

// lookupEpoch combines the context's function-binding counter with the
// method table's registration counter. Both only grow, so the sum moves
// whenever either does.
func (i *Interpreter) lookupEpoch() uint64 {
	return i.ctx.epoch.Load() + i.rt.methods.Epoch()
}

// returnSignal unwinds to the function frame that evaluated return().
type returnSignal struct {
	value Value
	frame *Environment
}

func (r *returnSignal) Error() string {
	return "no function to return from, jumping to top level"
}

// Eval evaluates expr in env.
func (i *Interpreter) Eval(expr Expr, env *Environment) (Value, error) {
	switch e := expr.(type) {
	case *Const:
		return e.Value, nil

	case *Ident:
		return i.readVariable(e.Name, env, e)

	case *CallExpr:
		fn, err := i.callee(e, env)
		if err != nil {
			return nil, err
		}
		return i.apply(fn, e, env)

	case *FunctionLit:
		// The new closure captures env.
		i.MaterializeFrame(env)
		return &Closure{Def: e, Env: env}, nil

	case *Assign:
		return i.evalAssign(e, env)

	case *Block:
		var last Value = Null
		for _, x := range e.Exprs {
			v, err := i.Eval(x, env)
			if err != nil {
				return nil, err
			}
			last = v
		}
		return last, nil

	case *If:
		return i.evalIf(e, env)
	}
	return nil, &InternalConsistencyError{Msg: fmt.Sprintf("cannot evaluate %T", expr)}
}

func (i *Interpreter) readVariable(name string, env *Environment, at Expr) (Value, error) {
	if name == "..." {
		return nil, newEvalError(env, "'...' used in an incorrect context")
	}
	v, _, ok := env.Get(name)
	if !ok {
		return nil, newEvalError(env, "object '%s' not found", name)
	}
	switch t := v.(type) {
	case *Promise:
		return i.Force(t, env)
	case *DotsList:
		return nil, newEvalError(env, "'...' used in an incorrect context")
	}
	if v == Missing {
		return nil, newEvalError(env, "argument \"%s\" is missing, with no default", name)
	}
	return v, nil
}

// FindFunction looks name up from env, skipping bindings that are not
// functions and forcing promises on the way.
func (i *Interpreter) FindFunction(name string, env *Environment) (Value, bool, error) {
	for e := env; e != nil; e = e.parent {
		v, ok := e.GetLocal(name)
		if !ok {
			continue
		}
		if p, isPromise := v.(*Promise); isPromise {
			fv, err := i.Force(p, env)
			if err != nil {
				return nil, false, err
			}
			v = fv
		}
		if IsFunction(v) {
			return v, true, nil
		}
	}
	return nil, false, nil
}

func (i *Interpreter) lookupFunction(name string, env *Environment) (Value, error) {
	fn, ok, err := i.FindFunction(name, env)
	if err != nil {
		return nil, err
	}
	if !ok {
		msg := fmt.Sprintf("could not find function \"%s\"", name)
		if s := i.suggestFunction(name, env); s != "" {
			msg += fmt.Sprintf("; did you mean \"%s\"?", s)
		}
		return nil, newEvalError(env, "%s", msg)
	}
	return fn, nil
}

// suggestFunction returns the visible function name closest to name, or
// "" when nothing is close.
func (i *Interpreter) suggestFunction(name string, env *Environment) string {
	const maxDistance = 2
	best, bestDist := "", maxDistance+1
	seen := make(map[string]bool)
	for e := env; e != nil; e = e.parent {
		e.Each(func(cand string, v Value) {
			if seen[cand] || !isFunctionBinding(v) {
				return
			}
			seen[cand] = true
			d := levenshtein.DistanceForStrings(
				[]rune(strings.ToLower(name)),
				[]rune(strings.ToLower(cand)),
				levenshtein.DefaultOptionsWithSub,
			)
			if d < bestDist || (d == bestDist && cand < best) {
				best, bestDist = cand, d
			}
		})
	}
	if bestDist > maxDistance {
		return ""
	}
	return best
}

func (i *Interpreter) callee(call *CallExpr, env *Environment) (Value, error) {
	if id, ok := call.Fn.(*Ident); ok {
		return i.lookupFunction(id.Name, env)
	}
	v, err := i.Eval(call.Fn, env)
	if err != nil {
		return nil, err
	}
	if !IsFunction(v) {
		return nil, newEvalError(env, "attempt to apply non-function")
	}
	return v, nil
}

func (i *Interpreter) apply(fn Value, call *CallExpr, env *Environment) (Value, error) {
	switch f := fn.(type) {
	case *Builtin:
		return i.applyBuiltin(f, call, env)
	case *Closure:
		args, names, err := i.promiseArgs(call, env)
		if err != nil {
			return nil, err
		}
		return i.ApplyClosure(f, call, args, names, env, nil)
	}
	return nil, newEvalError(env, "attempt to apply non-function")
}

// ---------------------------------------------------------------------------
// Argument promises
// ---------------------------------------------------------------------------

func (i *Interpreter) promiseArgs(call *CallExpr, env *Environment) ([]Value, []string, error) {
	args := make([]Value, 0, len(call.Args))
	names := make([]string, 0, len(call.Args))
	for _, a := range call.Args {
		if a.Value == nil {
			args = append(args, Missing)
			names = append(names, a.Name)
			continue
		}
		if id, ok := a.Value.(*Ident); ok && id.Name == "..." {
			dots, err := i.lookupDots(env)
			if err != nil {
				return nil, nil, err
			}
			for k, v := range dots.Values {
				if p, ok := v.(*Promise); ok {
					v = NewVarargForward(p)
				}
				args = append(args, v)
				names = append(names, dots.Names[k])
			}
			continue
		}
		args = append(args, i.newArgPromise(a.Value, env))
		names = append(names, a.Name)
	}
	return args, names, nil
}

func (i *Interpreter) lookupDots(env *Environment) (*DotsList, error) {
	v, _, ok := env.Get("...")
	if !ok {
		return nil, newEvalError(env, "'...' used in an incorrect context")
	}
	if d, ok := v.(*DotsList); ok {
		return d, nil
	}
	return &DotsList{}, nil
}

// newArgPromise creates the promise for one argument expression. With
// eager promises enabled, literals and plain reads of local variables are
// evaluated now and guarded against later rebinding.
func (i *Interpreter) newArgPromise(expr Expr, env *Environment) *Promise {
	if !i.rt.opts.EagerPromises {
		return NewDefaultPromise(expr, env)
	}
	switch e := expr.(type) {
	case *Const:
		return NewEagerPromise(e, env, e.Value, nil, env)
	case *Ident:
		v, ok := env.GetLocal(e.Name)
		if !ok || v == Missing {
			break
		}
		if p, isPromise := v.(*Promise); isPromise {
			return NewPromisedPromise(e, env, p, bindingGuard(env, e.Name, v), env)
		}
		if _, isDots := v.(*DotsList); !isDots {
			return NewEagerPromise(e, env, v, bindingGuard(env, e.Name, v), env)
		}
	}
	return NewDefaultPromise(expr, env)
}

// bindingGuard holds while name is still bound to v in env.
func bindingGuard(env *Environment, name string, v Value) Guard {
	return func() bool {
		cur, ok := env.GetLocal(name)
		return ok && cur == v
	}
}

// ---------------------------------------------------------------------------
// Closure application
// ---------------------------------------------------------------------------

// ApplyClosure calls fn with already-built arguments. args holds promises
// or values in call order and names their names ("" when positional).
// When dc is non-nil its dispatch bindings are written into the new frame.
func (i *Interpreter) ApplyClosure(fn *Closure, call *CallExpr, args []Value, names []string, caller *Environment, dc *DispatchContext) (Value, error) {
	i.depth++
	defer func() { i.depth-- }()
	if i.depth > i.rt.opts.MaxDepth {
		return nil, fmt.Errorf("%d nested calls: %w", i.depth, ErrStackOverflow)
	}

	bound, dots, matched, err := matchArgs(fn.Def.Formals, args, names)
	if err != nil {
		return nil, &EvalError{Msg: err.Error(), Call: call}
	}
	info := &CallInfo{Call: call, Function: fn, Caller: caller, Args: args, Names: names, Matched: matched}
	frame := newFrame(fn.Env, info)
	for k, f := range fn.Def.Formals {
		if f.Name == "..." {
			frame.define("...", dots)
			continue
		}
		v := bound[k]
		if v == nil || v == Missing {
			v = Missing
			if f.Default != nil {
				penv := frame
				if _, ok := f.Default.(*Const); ok {
					penv = nil
				}
				v = newDefaultArgPromise(f.Default, penv)
			}
		}
		frame.define(f.Name, v)
	}
	if dc != nil {
		dc.bind(frame)
	}
	if fn.next != nil {
		frame.define(".nextMethod", fn.next)
	}

	v, err := i.Eval(fn.Def.Body, frame)
	if err != nil {
		var rs *returnSignal
		if errors.As(err, &rs) && rs.frame == frame {
			return rs.value, nil
		}
		return nil, err
	}
	return v, nil
}

// matchArgs matches supplied arguments to formals: exact names first,
// then positionally up to "...", which collects the rest. Formals after
// "..." match by name only.
func matchArgs(formals []Formal, args []Value, names []string) ([]Value, *DotsList, []string, error) {
	bound := make([]Value, len(formals))
	matched := make([]string, len(args))
	used := make([]bool, len(args))

	hasDots := false
	for _, f := range formals {
		if f.Name == "..." {
			hasDots = true
		}
	}

	for a, name := range names {
		if name == "" {
			continue
		}
		for k, f := range formals {
			if f.Name != name || f.Name == "..." {
				continue
			}
			if bound[k] != nil {
				return nil, nil, nil, fmt.Errorf("formal argument \"%s\" matched by multiple actual arguments", name)
			}
			bound[k] = args[a]
			matched[a] = name
			used[a] = true
			break
		}
	}

	var dots *DotsList
	if hasDots {
		dots = &DotsList{}
	}
	k := 0
	for a, v := range args {
		if used[a] {
			continue
		}
		if names[a] == "" {
			for k < len(formals) && formals[k].Name != "..." && bound[k] != nil {
				k++
			}
			if k < len(formals) && formals[k].Name != "..." {
				bound[k] = v
				matched[a] = formals[k].Name
				k++
				continue
			}
		}
		if !hasDots {
			return nil, nil, nil, fmt.Errorf("unused argument (%s)", argText(names[a], v))
		}
		dots.Values = append(dots.Values, v)
		dots.Names = append(dots.Names, names[a])
		matched[a] = "..."
	}
	return bound, dots, matched, nil
}

func argText(name string, v Value) string {
	var s string
	if p, ok := v.(*Promise); ok && p.Expr() != nil {
		s = p.Expr().String()
	} else {
		s = Format(v)
	}
	if name != "" {
		return name + " = " + s
	}
	return s
}

// ---------------------------------------------------------------------------
// Builtin application
// ---------------------------------------------------------------------------

func (i *Interpreter) applyBuiltin(b *Builtin, call *CallExpr, env *Environment) (Value, error) {
	bc := &BuiltinCall{Interp: i, Builtin: b, Expr: call, Env: env}
	if b.Special {
		return b.Fn(bc)
	}
	for _, a := range call.Args {
		if a.Value == nil {
			bc.Args = append(bc.Args, Missing)
			bc.Names = append(bc.Names, a.Name)
			continue
		}
		if id, ok := a.Value.(*Ident); ok && id.Name == "..." {
			dots, err := i.lookupDots(env)
			if err != nil {
				return nil, err
			}
			for k, v := range dots.Values {
				fv, err := i.CheckEvaluate(v, env)
				if err != nil {
					return nil, err
				}
				bc.Args = append(bc.Args, fv)
				bc.Names = append(bc.Names, dots.Names[k])
			}
			continue
		}
		v, err := i.Eval(a.Value, env)
		if err != nil {
			return nil, err
		}
		bc.Args = append(bc.Args, v)
		bc.Names = append(bc.Names, a.Name)
	}
	return b.Fn(bc)
}

// callFunction applies fn to already-built arguments. Builtins receive
// forced values.
func (i *Interpreter) callFunction(fn Value, call *CallExpr, args []Value, names []string, caller *Environment, dc *DispatchContext) (Value, error) {
	switch f := fn.(type) {
	case *Closure:
		return i.ApplyClosure(f, call, args, names, caller, dc)
	case *Builtin:
		if f.Special {
			return nil, unimplemented("dispatch to special builtin " + f.Name)
		}
		forced, err := i.CheckEvaluateArgs(args, caller)
		if err != nil {
			return nil, err
		}
		return f.Fn(&BuiltinCall{Interp: i, Builtin: f, Expr: call, Env: caller, Args: forced, Names: names})
	}
	return nil, &TypeMismatchError{Msg: fmt.Sprintf("attempt to apply non-function of type %s", fn.TypeName())}
}

// ---------------------------------------------------------------------------
// Assignment and control flow
// ---------------------------------------------------------------------------

func (i *Interpreter) evalAssign(a *Assign, env *Environment) (Value, error) {
	v, err := i.Eval(a.Value, env)
	if err != nil {
		return nil, err
	}
	target := env
	if a.Super {
		target = i.ctx.global
		for e := env.parent; e != nil && !e.empty; e = e.parent {
			if _, ok := e.GetLocal(a.Name); ok {
				target = e
				break
			}
		}
	}
	if err := target.Put(a.Name, v); err != nil {
		return nil, &EvalError{Msg: err.Error(), Call: env.site, Err: err}
	}
	return v, nil
}

func (i *Interpreter) evalIf(e *If, env *Environment) (Value, error) {
	c, err := i.Eval(e.Cond, env)
	if err != nil {
		return nil, err
	}
	l, ok := ScalarLogical(c)
	if !ok {
		if vec, isVec := c.(*Vector); isVec && vec.Len() == 0 {
			return nil, newEvalError(env, "argument is of length zero")
		}
		return nil, newEvalError(env, "argument is not interpretable as logical")
	}
	if l == LogicalNA {
		return nil, newEvalError(env, "missing value where TRUE/FALSE needed")
	}
	if l == LogicalTrue {
		return i.Eval(e.Then, env)
	}
	if e.Else == nil {
		return Null, nil
	}
	return i.Eval(e.Else, env)
}

// functionFrame returns the nearest function-call frame at or above env.
func functionFrame(env *Environment) *Environment {
	for e := env; e != nil; e = e.parent {
		if e.call != nil {
			return e
		}
	}
	return nil
}
