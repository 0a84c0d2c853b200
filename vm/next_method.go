package vm

import (
	"fmt"
	"strings"
)

// CallNextMethod calls the next method of a formal-dispatch chain from
// the method frame env. matchedCall is the current call with its
// arguments matched to formals; the next method is called with the same
// argument names in the same order, each passed as a reference to the
// variable of that name in env.
//
// env must bind .nextMethod locally. Arguments still pending in "..."
// cannot be forwarded yet and fail with an ErrUnimplemented error, as
// does a builtin next method.
func (i *Interpreter) CallNextMethod(matchedCall *Language, env *Environment) (Value, error) {
	next, ok := env.GetLocal(".nextMethod")
	if !ok {
		return nil, &InternalConsistencyError{Msg: "no .nextMethod binding in method frame"}
	}
	if v, ok := env.GetLocal("..."); ok {
		if dots, isDots := v.(*DotsList); isDots && dots.Len() > 0 {
			return nil, unimplemented("callNextMethod with arguments in '...'")
		}
	}
	if b, isBuiltin := next.(*Builtin); isBuiltin {
		return nil, unimplemented("callNextMethod to builtin " + b.Name)
	}

	call, ok := matchedCall.Expr.(*CallExpr)
	if !ok {
		return nil, &TypeMismatchError{Msg: fmt.Sprintf("matched call must be a call, not a %s", matchedCall.TypeName())}
	}
	nc, ok := i.nextCalls[call.ID()]
	if !ok {
		args := make([]Arg, len(call.Args))
		for k, a := range call.Args {
			if a.Name == "" {
				args[k] = a
				continue
			}
			args[k] = Named(a.Name, NewIdent(a.Name))
		}
		nc = NewCall(NewIdent(".nextMethod"), args...)
		i.nextCalls[call.ID()] = nc
	}
	return i.Eval(nc, env)
}

// matchedCall builds the call of the method running in frame with every
// supplied formal passed by name. Calls are shared between invocations
// that supplied the same formals.
func (i *Interpreter) matchedCall(frame *Environment) (*Language, error) {
	cl, ok := frame.call.Function.(*Closure)
	if !ok {
		return nil, &InternalConsistencyError{Msg: "method frame without a closure"}
	}
	var supplied []string
	for _, f := range cl.Def.Formals {
		v, ok := frame.GetLocal(f.Name)
		if !ok || v == Missing {
			continue
		}
		if p, isPromise := v.(*Promise); isPromise && p.defaultArg {
			continue
		}
		supplied = append(supplied, f.Name)
	}
	key := fmt.Sprintf("%d:%s", cl.Def.ID(), strings.Join(supplied, ","))
	if mc, ok := i.matchedCalls[key]; ok {
		return mc, nil
	}
	args := make([]Arg, len(supplied))
	for k, name := range supplied {
		if name == "..." {
			args[k] = Positional(NewIdent("..."))
			continue
		}
		args[k] = Named(name, NewIdent(name))
	}
	mc := &Language{Expr: NewCall(frame.call.Call.Fn, args...)}
	i.matchedCalls[key] = mc
	return mc, nil
}

// builtinCallNextMethod implements callNextMethod(). Without arguments
// the current arguments are passed on; with arguments, those are passed
// instead.
func builtinCallNextMethod(c *BuiltinCall) (Value, error) {
	frame := functionFrame(c.Env)
	if frame == nil {
		return nil, c.Errorf("callNextMethod called from outside a method dispatch")
	}
	if len(c.Expr.Args) > 0 {
		if _, ok := frame.GetLocal(".nextMethod"); !ok {
			return nil, &InternalConsistencyError{Msg: "no .nextMethod binding in method frame"}
		}
		nc, ok := c.Interp.nextCalls[c.Expr.ID()]
		if !ok {
			nc = NewCall(NewIdent(".nextMethod"), c.Expr.Args...)
			c.Interp.nextCalls[c.Expr.ID()] = nc
		}
		return c.Interp.Eval(nc, c.Env)
	}
	mc, err := c.Interp.matchedCall(frame)
	if err != nil {
		return nil, err
	}
	return c.Interp.CallNextMethod(mc, frame)
}
