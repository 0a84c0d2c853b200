package vm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupCacheEmpty(t *testing.T) {
	var lc LookupCache

	_, _, hit := lc.Lookup(lookupKey{name: "f.a"})
	assert.False(t, hit)
	assert.Equal(t, CacheEmpty, lc.State)
	assert.Equal(t, uint64(1), lc.Misses)
}

func TestLookupCacheSingleEntry(t *testing.T) {
	var lc LookupCache
	g := NewEnvironment("g", nil)
	fn := &Closure{Def: NewFunction(nil, NewConst(Null)), Env: g}
	a := lookupKey{name: "f.a", callEnv: g, epoch: 1}
	b := lookupKey{name: "f.b", callEnv: g, epoch: 1}

	lc.Update(a, fn, true)
	assert.Equal(t, CacheValid, lc.State)
	assert.Same(t, fn.Def, lc.Definition())

	target, found, hit := lc.Lookup(a)
	assert.True(t, hit)
	assert.True(t, found)
	assert.Same(t, fn, target)

	lc.Update(b, nil, false)
	_, _, hit = lc.Lookup(a)
	assert.False(t, hit, "a new entry replaces the old one")
	assert.Nil(t, lc.Definition())

	_, found, hit = lc.Lookup(b)
	assert.True(t, hit, "negative results are cached")
	assert.False(t, found)
}

func TestLookupCacheEpochMismatch(t *testing.T) {
	var lc LookupCache
	lc.Update(lookupKey{name: "f.a", epoch: 1}, Null, true)
	_, _, hit := lc.Lookup(lookupKey{name: "f.a", epoch: 2})
	assert.False(t, hit)
}

func TestLookupCacheInvalidateKeepsStats(t *testing.T) {
	var lc LookupCache
	k := lookupKey{name: "f.a"}
	lc.Update(k, Null, true)
	lc.Lookup(k)
	lc.Lookup(lookupKey{name: "f.b"})

	lc.Invalidate()
	assert.Equal(t, CacheEmpty, lc.State)
	assert.Equal(t, uint64(1), lc.Hits)
	assert.Equal(t, uint64(1), lc.Misses)
	assert.InDelta(t, 50.0, lc.HitRate(), 0.001)
}

func TestLookupCacheHitRateEmpty(t *testing.T) {
	var lc LookupCache
	assert.Zero(t, lc.HitRate())
}

func TestResolveS3UsesCache(t *testing.T) {
	ctx := newTestContext(t)
	g, i := ctx.Global(), ctx.Interpreter()
	fa := &Closure{Def: NewFunction(nil, NewConst(NewCharacter("a"))), Env: g}
	require.NoError(t, g.Put("f.a", fa))

	fn, found, err := i.ResolveS3("f", "a", g, nil)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Same(t, fa, fn)
	assert.Equal(t, uint64(1), i.S3Cache().Misses)

	_, _, err = i.ResolveS3("f", "a", g, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), i.S3Cache().Hits)

	// Defining any function moves the epoch: the next lookup misses and
	// sees the new definition.
	fa2 := &Closure{Def: NewFunction(nil, NewConst(NewCharacter("a2"))), Env: g}
	require.NoError(t, g.Put("f.a", fa2))
	fn, _, err = i.ResolveS3("f", "a", g, nil)
	require.NoError(t, err)
	assert.Same(t, fa2, fn)
	assert.Equal(t, uint64(2), i.S3Cache().Misses)
}

func TestResolveS3NegativeThenRegistered(t *testing.T) {
	ctx := newTestContext(t)
	g, i := ctx.Global(), ctx.Interpreter()

	_, found, err := i.ResolveS3("f", "zz", g, nil)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = i.ResolveS3("f", "zz", g, nil)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, uint64(1), i.S3Cache().Hits)

	fn := &Builtin{Name: "fzz", Fn: func(*BuiltinCall) (Value, error) { return Null, nil }}
	ctx.Runtime().Methods().DefineMethod("f", "zz", fn)
	t.Cleanup(func() { ctx.Runtime().Methods().RemoveMethod("f", "zz") })

	got, found, err := i.ResolveS3("f", "zz", g, nil)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Same(t, fn, got)
}

func TestResolveS3LexicalBeforeTable(t *testing.T) {
	ctx := newTestContext(t)
	g, i := ctx.Global(), ctx.Interpreter()
	local := &Closure{Def: NewFunction(nil, NewConst(Null)), Env: g}
	table := &Closure{Def: NewFunction(nil, NewConst(Null)), Env: g}
	require.NoError(t, g.Put("h.k", local))
	ctx.Runtime().Methods().DefineMethod("h", "k", table)

	fn, found, err := i.ResolveS3("h", "k", g, nil)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Same(t, local, fn)
}

func TestResolveS3SkipsNonFunctions(t *testing.T) {
	ctx := newTestContext(t)
	g, i := ctx.Global(), ctx.Interpreter()
	def := NewEnvironment("def", g)
	fn := &Closure{Def: NewFunction(nil, NewConst(Null)), Env: def}
	require.NoError(t, g.Put("p.q", NewDouble(1)))
	require.NoError(t, def.Put("p.q", fn))

	got, found, err := i.ResolveS3("p", "q", g, def)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Same(t, fn, got)
}

func TestResolveS3NameTooLong(t *testing.T) {
	ctx := newTestContext(t)
	i := ctx.Interpreter()
	generic, class := strings.Repeat("g", 300), strings.Repeat("c", 300)

	_, _, err := i.ResolveS3(generic, class, ctx.Global(), nil)
	require.ErrorIs(t, err, ErrNameTooLong)
	var nt *NameTooLongError
	require.ErrorAs(t, err, &nt)
	assert.Equal(t, generic, nt.Generic)
	assert.Equal(t, class, nt.Class)
	assert.Zero(t, i.S3Cache().Misses, "no lookup is attempted")

	// 255 + 255 + 2 is exactly the limit.
	_, _, err = i.ResolveS3(strings.Repeat("g", 255), strings.Repeat("c", 255), ctx.Global(), nil)
	require.NoError(t, err)
}

func TestLookupEpochIsPerContext(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	a, b := rt.NewContext(), rt.NewContext()
	fn := func(env *Environment) *Closure { return &Closure{Def: NewFunction(nil, NewConst(Null)), Env: env} }

	before := a.Interpreter().lookupEpoch()
	require.NoError(t, b.Global().Put("f", fn(b.Global())))
	assert.Equal(t, before, a.Interpreter().lookupEpoch(), "other contexts' bindings leave the epoch alone")

	require.NoError(t, NewEnvironment("scratch", a.Global()).Put("f", fn(a.Global())))
	moved := a.Interpreter().lookupEpoch()
	assert.Greater(t, moved, before)

	rt.Methods().DefineMethod("g", "k", fn(a.Global()))
	assert.Greater(t, a.Interpreter().lookupEpoch(), moved, "method registration is seen by every context")
	assert.Greater(t, b.Interpreter().lookupEpoch(), before)

	rw, err := a.NewChild(ShareParentRW)
	require.NoError(t, err)
	assert.Equal(t, a.Interpreter().lookupEpoch(), rw.Interpreter().lookupEpoch())
}
