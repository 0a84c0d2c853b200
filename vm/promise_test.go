package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	return NewRuntime(DefaultOptions()).NewContext()
}

// counter binds a builtin that returns how many times it has been called.
func counter(env *Environment, name string) *int {
	n := 0
	env.define(name, &Builtin{Name: name, Fn: func(*BuiltinCall) (Value, error) {
		n++
		return NewInteger(int64(n)), nil
	}})
	return &n
}

func tickCall() *CallExpr { return NewCall(NewIdent("tick")) }

func TestForceIsIdempotent(t *testing.T) {
	ctx := newTestContext(t)
	g, i := ctx.Global(), ctx.Interpreter()
	n := counter(g, "tick")

	p := NewDefaultPromise(tickCall(), g)
	assert.Equal(t, Unevaluated, p.State())
	assert.Equal(t, Unset, p.Value())

	v1, err := i.Force(p, nil)
	require.NoError(t, err)
	v2, err := i.Force(p, g)
	require.NoError(t, err)

	assert.Same(t, v1, v2)
	assert.Equal(t, 1, *n)
	assert.True(t, p.IsEvaluated())
	assert.Nil(t, p.Env(), "environment is released once evaluated")
	assert.Equal(t, uint64(1), ctx.Stats().Forced)
}

func TestForceDetectsCycle(t *testing.T) {
	ctx := newTestContext(t)
	g, i := ctx.Global(), ctx.Interpreter()

	p := NewDefaultPromise(NewIdent("x"), g)
	g.define("x", p)

	_, err := i.Force(p, g)
	require.ErrorIs(t, err, ErrCyclicEvaluation)
	var ce *CyclicEvaluationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "promise already under evaluation: recursive default argument reference or earlier problems?", err.Error())
	assert.Equal(t, Unevaluated, p.State())
}

func TestForceAfterErrorIsRetried(t *testing.T) {
	ctx := newTestContext(t)
	g, i := ctx.Global(), ctx.Interpreter()
	fail := true
	g.define("flaky", &Builtin{Name: "flaky", Fn: func(c *BuiltinCall) (Value, error) {
		if fail {
			fail = false
			return nil, c.Errorf("not yet")
		}
		return NewDouble(7), nil
	}})

	p := NewDefaultPromise(NewCall(NewIdent("flaky")), g)
	_, err := i.Force(p, g)
	require.ErrorIs(t, err, ErrEvaluation)
	assert.Equal(t, Unevaluated, p.State())

	v, err := i.Force(p, g)
	require.NoError(t, err, "a failed forcing must not look like a cycle")
	assert.Equal(t, "7", Format(v))
}

func TestEagerPromiseUsesSpeculativeValue(t *testing.T) {
	ctx := newTestContext(t)
	g, i := ctx.Global(), ctx.Interpreter()
	n := counter(g, "tick")

	p := NewEagerPromise(tickCall(), g, NewDouble(42), func() bool { return true }, g)
	v, err := i.Force(p, g)
	require.NoError(t, err)
	assert.Equal(t, "42", Format(v))
	assert.Equal(t, 0, *n, "expression must not be evaluated while the guard holds")
	assert.Equal(t, uint64(1), ctx.Stats().Speculated)
}

func TestEagerPromiseFallsBackWhenGuardFails(t *testing.T) {
	ctx := newTestContext(t)
	g, i := ctx.Global(), ctx.Interpreter()
	n := counter(g, "tick")
	frame := NewEnvironment("f", g)

	p := NewEagerPromise(tickCall(), g, NewDouble(42), func() bool { return false }, frame)
	v, err := i.Force(p, g)
	require.NoError(t, err)
	assert.Equal(t, "1L", Format(v))
	assert.Equal(t, 1, *n)
	assert.True(t, p.IsDeoptimized())
	assert.True(t, frame.IsMaterialized())
	assert.Equal(t, uint64(1), ctx.Stats().Fallbacks)
}

func TestDeoptimizeIsIrreversibleAndIdempotent(t *testing.T) {
	ctx := newTestContext(t)
	g := ctx.Global()
	frame := NewEnvironment("f", g)

	p := NewEagerPromise(NewConst(NewDouble(1)), nil, NewDouble(1), nil, frame)
	assert.True(t, p.IsValid())
	assert.True(t, p.Deoptimize())
	assert.False(t, p.Deoptimize())
	assert.Equal(t, StrategyDefault, p.Strategy())
	assert.False(t, p.IsValid())
	assert.Same(t, frame, p.Env(), "a deoptimized promise evaluates in its exec frame")
	assert.True(t, frame.IsMaterialized())

	d := NewDefaultPromise(NewConst(Null), g)
	assert.False(t, d.Deoptimize())
}

func TestDeoptimizedPromiseSeesCurrentBinding(t *testing.T) {
	ctx := newTestContext(t)
	g, i := ctx.Global(), ctx.Interpreter()
	frame := NewEnvironment("f", g)
	old := NewDouble(1)
	frame.define("x", old)

	p := NewEagerPromise(NewIdent("x"), frame, old, bindingGuard(frame, "x", old), frame)
	frame.define("a", p)
	require.NoError(t, frame.Put("x", NewDouble(2)))
	assert.False(t, p.IsValid())

	assert.True(t, i.MaterializeFrame(frame))
	v, err := i.Force(p, nil)
	require.NoError(t, err)
	assert.Equal(t, "2", Format(v))
}

func TestMaterializeFrameDeoptimizesDots(t *testing.T) {
	ctx := newTestContext(t)
	g, i := ctx.Global(), ctx.Interpreter()
	frame := NewEnvironment("f", g)

	a := NewEagerPromise(NewConst(NewDouble(1)), frame, NewDouble(1), nil, frame)
	inner := NewEagerPromise(NewConst(NewDouble(2)), frame, NewDouble(2), nil, frame)
	plain := NewDefaultPromise(NewIdent("a"), frame)
	frame.define("a", a)
	frame.define("b", plain)
	frame.define("...", &DotsList{Values: []Value{inner}, Names: []string{""}})

	assert.True(t, i.MaterializeFrame(frame))
	assert.True(t, a.IsDeoptimized())
	assert.True(t, inner.IsDeoptimized())
	assert.False(t, plain.IsDeoptimized())
	assert.True(t, frame.IsMaterialized())
	assert.False(t, i.MaterializeFrame(frame), "second materialization has nothing to do")
	assert.Equal(t, uint64(2), ctx.Stats().Deoptimized)

	v, err := i.Force(a, frame)
	require.NoError(t, err)
	assert.Equal(t, "1", Format(v))
}

func TestVarargForwardDelegates(t *testing.T) {
	ctx := newTestContext(t)
	g, i := ctx.Global(), ctx.Interpreter()
	n := counter(g, "tick")
	other := NewEnvironment("other", g)

	w := NewDefaultPromise(tickCall(), g)
	f := NewVarargForward(w)
	assert.Equal(t, StrategyVarargForward, f.Strategy())
	assert.Same(t, w, f.Wrapped())

	v, err := i.Force(f, other)
	require.NoError(t, err)
	wv, err := i.Force(w, g)
	require.NoError(t, err)
	assert.Same(t, v, wv)
	assert.Equal(t, 1, *n)
}

func TestPromisedPromiseForcesWrapped(t *testing.T) {
	ctx := newTestContext(t)
	g, i := ctx.Global(), ctx.Interpreter()
	n := counter(g, "tick")
	frame := NewEnvironment("f", g)

	w := NewDefaultPromise(tickCall(), g)
	p := NewPromisedPromise(NewIdent("y"), frame, w, nil, frame)
	v, err := i.Force(p, frame)
	require.NoError(t, err)
	assert.Equal(t, "1L", Format(v))
	assert.True(t, w.IsEvaluated())
	assert.Equal(t, 1, *n)
}

func TestIsInOriginFrame(t *testing.T) {
	g := NewEnvironment("g", nil)
	other := NewEnvironment("other", g)

	assert.True(t, IsInOriginFrame(nil, NewInlinedPromise(NewIdent("x"))))
	assert.True(t, IsInOriginFrame(nil, newDefaultArgPromise(NewConst(Null), nil)))

	p := NewDefaultPromise(NewIdent("x"), g)
	assert.True(t, IsInOriginFrame(g, p))
	assert.False(t, IsInOriginFrame(other, p))
	assert.False(t, IsInOriginFrame(nil, p))
}

func TestInlinedPromiseNeedsFrame(t *testing.T) {
	ctx := newTestContext(t)
	_, err := ctx.Interpreter().Force(NewInlinedPromise(NewIdent("x")), nil)
	require.ErrorIs(t, err, ErrInternalConsistency)
}

func TestForceAttributesErrorsToForcingCall(t *testing.T) {
	ctx := newTestContext(t)
	g, i := ctx.Global(), ctx.Interpreter()
	site := NewCall(NewIdent("f"), Positional(NewIdent("x")))
	frame := newFrame(g, &CallInfo{Call: site})

	p := NewDefaultPromise(NewCall(NewIdent("stop"), Positional(NewConst(NewCharacter("boom")))), g)
	_, err := i.Force(p, frame)
	require.Error(t, err)
	assert.Equal(t, "Error in (f x): boom", err.Error())
	assert.Nil(t, g.Site(), "call site is restored after forcing")
}

func TestForcingFunctionValueInvalidatesLookups(t *testing.T) {
	ctx := newTestContext(t)
	g, i := ctx.Global(), ctx.Interpreter()

	before := i.lookupEpoch()
	_, err := i.Force(NewDefaultPromise(NewIdent("c"), g), g)
	require.NoError(t, err)
	assert.Greater(t, i.lookupEpoch(), before)
}

func TestEvaluatedPromise(t *testing.T) {
	ctx := newTestContext(t)
	p := NewEvaluatedPromise(NewIdent("x"), NewDouble(3))
	v, err := ctx.Interpreter().CheckEvaluate(p, nil)
	require.NoError(t, err)
	assert.Equal(t, "3", Format(v))

	args, err := ctx.Interpreter().CheckEvaluateArgs([]Value{p, NewDouble(4)}, nil)
	require.NoError(t, err)
	assert.Len(t, args, 2)
	assert.Equal(t, "4", Format(args[1]))
}
