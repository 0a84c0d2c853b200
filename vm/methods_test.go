package vm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/rcore/vm"
)

const describeGeneric = `
(setGeneric "describe" (function (x ...) (standardGeneric "describe")))
(setMethod "describe" "numeric" (function (x ...) "number"))
(setMethod "describe" "integer" (function (x ...) (paste "integer" (callNextMethod))))
`

func TestFormalDispatchWithCallNextMethod(t *testing.T) {
	ctx := newContext(t)
	run(t, ctx, describeGeneric)
	assert.Equal(t, `"integer number"`, show(t, ctx, "(describe 1L)"))
	assert.Equal(t, `"number"`, show(t, ctx, "(describe 1.5)"))

	_, err := runErr(ctx, `(describe "a")`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unable to find an inherited method for function 'describe' for signature 'x = "character"'`)
}

func TestCallNextMethodWithArguments(t *testing.T) {
	ctx := newContext(t)
	run(t, ctx, `
(setGeneric "scale2" (function (x) (standardGeneric "scale2")))
(setMethod "scale2" "numeric" (function (x) (* x 2)))
(setMethod "scale2" "integer" (function (x) (callNextMethod (+ x 1L))))`)
	assert.Equal(t, "4", show(t, ctx, "(scale2 1L)"))
}

func TestCallNextMethodRefusesPendingDots(t *testing.T) {
	ctx := newContext(t)
	run(t, ctx, `
(setGeneric "dd" (function (x ...) (standardGeneric "dd")))
(setMethod "dd" "ANY" (function (x ...) "any"))
(setMethod "dd" "character" (function (x ...) (callNextMethod)))`)
	assert.Equal(t, `"any"`, show(t, ctx, `(dd "a")`))

	_, err := runErr(ctx, `(dd "a" 1)`)
	require.ErrorIs(t, err, vm.ErrUnimplemented)
}

func TestCallNextMethodWithoutNextMethod(t *testing.T) {
	ctx := newContext(t)
	frame := vm.NewEnvironment("method", ctx.Global())
	call := &vm.Language{Expr: vm.NewCall(vm.NewIdent("f"))}
	_, err := ctx.Interpreter().CallNextMethod(call, frame)
	require.ErrorIs(t, err, vm.ErrInternalConsistency)
}

func TestMissingSignature(t *testing.T) {
	ctx := newContext(t)
	run(t, ctx, `
(setGeneric "m" (function (x) (standardGeneric "m")))
(setMethod "m" "missing" (function (x) "none"))
(setMethod "m" "ANY" (function (x) "some"))`)
	assert.Equal(t, `"none"`, show(t, ctx, "(m)"))
	assert.Equal(t, `"some"`, show(t, ctx, "(m 1)"))
}

func TestMethodChangesInvalidateChains(t *testing.T) {
	ctx := newContext(t)
	run(t, ctx, `
(setGeneric "dd" (function (x ...) (standardGeneric "dd")))
(setMethod "dd" "ANY" (function (x ...) "any"))`)
	assert.Equal(t, `"any"`, show(t, ctx, `(dd "a")`))

	run(t, ctx, `(setMethod "dd" "character" (function (x ...) "chr"))`)
	assert.Equal(t, `"chr"`, show(t, ctx, `(dd "a")`))

	assert.Equal(t, "TRUE", show(t, ctx, `(removeMethod "dd" "character")`))
	assert.Equal(t, `"any"`, show(t, ctx, `(dd "a")`))
	assert.Equal(t, "FALSE", show(t, ctx, `(removeMethod "dd" "character")`))
}

func TestExistingFunctionBecomesDefault(t *testing.T) {
	ctx := newContext(t)
	run(t, ctx, `
(<- size (function (x) "generic size"))
(setMethod "size" "character" (function (x) "chars"))`)

	assert.Equal(t, `"chars"`, show(t, ctx, `(size "a")`))
	assert.Equal(t, `"generic size"`, show(t, ctx, "(size 1)"))
	assert.Equal(t, "TRUE", show(t, ctx, `(isGeneric "size")`))
	assert.Equal(t, "TRUE", show(t, ctx, `(existsMethod "size" "character")`))
	assert.Equal(t, "FALSE", show(t, ctx, `(existsMethod "size" "numeric")`))
	assert.Equal(t, "FALSE", show(t, ctx, `(isGeneric "paste")`))
}

func TestMethodDispatchSwitch(t *testing.T) {
	ctx := newContext(t)
	run(t, ctx, `
(<- size (function (x) "generic size"))
(setMethod "size" "character" (function (x) "chars"))`)

	assert.Equal(t, "TRUE", show(t, ctx, "(.isMethodsDispatchOn FALSE)"))
	assert.False(t, ctx.MethodDispatchOn())
	assert.Equal(t, `"generic size"`, show(t, ctx, `(size "a")`))
	assert.Equal(t, "FALSE", show(t, ctx, "(.isMethodsDispatchOn)"))

	assert.Equal(t, vm.LogicalFalse, ctx.SetMethodDispatch(vm.LogicalTrue))
	assert.Equal(t, `"chars"`, show(t, ctx, `(size "a")`))
}

func TestSetGenericNeedsSkeleton(t *testing.T) {
	ctx := newContext(t)
	_, err := runErr(ctx, `(setGeneric "nothing")`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must supply a function skeleton for 'nothing'")

	_, err = runErr(ctx, `(setMethod "nothing" "numeric" (function (x) 1))`)
	require.ErrorIs(t, err, vm.ErrNoGenericFunction)
}

func TestGetGeneric(t *testing.T) {
	ctx := newContext(t)
	run(t, ctx, describeGeneric)

	assert.Equal(t, "TRUE", show(t, ctx, `(identical (getGeneric "describe") describe)`))
	assert.Equal(t, "NULL", show(t, ctx, `(getGeneric "nope")`))
	assert.Equal(t, "NULL", show(t, ctx, `(getGeneric paste)`))

	tests := []struct {
		src  string
		want string
	}{
		{`(getGeneric "nope" TRUE)`, "no generic function found for 'nope'"},
		{`(getGeneric "nope" TRUE (new.env))`, "no generic function definition found for 'nope' in the supplied environment"},
		{`(getGeneric 1)`, `'f' must be a single string (got an object of class "numeric")`},
		{`(getGeneric (c "a" "b"))`, "'f' must be a single string (got a character vector of length 2)"},
		{`(getGeneric "")`, "'f' must be a non-empty string; got an empty string"},
	}
	for _, tc := range tests {
		_, err := runErr(ctx, tc.src)
		assert.EqualError(t, err, tc.want, tc.src)
	}

	_, err := runErr(ctx, `(getGeneric "nope" TRUE)`)
	assert.ErrorIs(t, err, vm.ErrNoGenericFunction)
	_, err = runErr(ctx, `(getGeneric 1)`)
	assert.ErrorIs(t, err, vm.ErrTypeMismatch)
}

func TestGetGenericFiltersByPackage(t *testing.T) {
	ctx := newContext(t)
	run(t, ctx, `
(setGeneric "area" (function (x) (standardGeneric "area")) :package "pkgA")
(<- e (new.env))
(assign "area" (structure (function (x) x) :generic "area" :package "pkgB") :envir e)`)

	assert.Equal(t, `"pkgB"`, show(t, ctx, `(attr (getGeneric "area" FALSE e) "package")`))
	assert.Equal(t, `"pkgA"`, show(t, ctx, `(attr (getGeneric "area" FALSE e "pkgA") "package")`))
	assert.Equal(t, "TRUE", show(t, ctx, `(identical (getGeneric "area" FALSE e "pkgA") area)`))
	assert.Equal(t, "NULL", show(t, ctx, `(getGeneric "area" FALSE e "pkgC")`))
}

func TestLookupGenericForcesPromises(t *testing.T) {
	ctx := newContext(t)
	run(t, ctx, describeGeneric)
	assert.Equal(t, "TRUE", show(t, ctx, `
(<- probe (function (g) (getGeneric "g" FALSE (environment))))
(identical (probe describe) describe)`))
}

func TestLookupGenericCache(t *testing.T) {
	ctx := newContext(t)
	run(t, ctx, describeGeneric)
	i := ctx.Interpreter()

	_, found, err := i.LookupGeneric("describe", ctx.Global(), "")
	require.NoError(t, err)
	require.True(t, found)
	hits, _ := ctx.Runtime().Generics().Stats()

	_, found, err = i.LookupGeneric("describe", ctx.Global(), "")
	require.NoError(t, err)
	require.True(t, found)
	after, _ := ctx.Runtime().Generics().Stats()
	assert.Equal(t, hits+1, after)

	// Redefinition resets the cache.
	run(t, ctx, `(setGeneric "describe" (function (x ...) (standardGeneric "describe")) :package "other")`)
	v, found, err := i.LookupGeneric("describe", ctx.Global(), "other")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `"other"`, vm.Format(vm.GetAttr(v, vm.AttrPackage)))
}

func TestPrimitiveMethods(t *testing.T) {
	ctx := newContext(t)
	run(t, ctx, `(setMethod "length" "foo" (function (x ...) 99))`)
	assert.Equal(t, "99", show(t, ctx, `(length (structure 1 :class "foo"))`))
	assert.Equal(t, "2L", show(t, ctx, `(length (c 1 2))`))

	other := newContext(t)
	run(t, other, `(setPrimitiveMethods "" NULL "C")`)
	assert.False(t, other.AllowPrimitiveMethods())
	_, err := runErr(other, `(setMethod "length" "foo" (function (x ...) 99))`)
	assert.EqualError(t, err, "Error: methods may not be defined for primitive function 'length' in this version")

	other.SetPrimitiveMethods("S")
	assert.True(t, other.AllowPrimitiveMethods())
}

func TestMethodsPackageHelpers(t *testing.T) {
	ctx := newContext(t)
	assert.Equal(t, `".__C__foo:pkg"`, show(t, ctx, `(methodsPackageMetaName "C" "foo" "pkg")`))
	assert.Equal(t, ".__T__bar", vm.MethodsPackageMetaName("T", "bar", ""))

	assert.Equal(t, "TRUE", show(t, ctx, `(.identC "a" "a")`))
	assert.Equal(t, "FALSE", show(t, ctx, `(.identC "a" (c "a" "b"))`))
	assert.Equal(t, "FALSE", show(t, ctx, `(.identC "a" 1)`))

	_, err := runErr(ctx, `(methodsPackageMetaName "C" 1 "pkg")`)
	assert.ErrorIs(t, err, vm.ErrTypeMismatch)
}

func TestGetClassFromCache(t *testing.T) {
	ctx := newContext(t)
	run(t, ctx, `
(<- def (structure (list 1) :class "classRepresentation" :package "pkgA"))
(<- tbl (new.env))
(assign "foo" def :envir tbl)`)

	assert.Equal(t, "TRUE", show(t, ctx, `(identical (getClassFromCache "foo" tbl) def)`))
	assert.Equal(t, "TRUE", show(t, ctx, `(identical (getClassFromCache (structure "foo" :package "pkgA") tbl) def)`))
	assert.Equal(t, "NULL", show(t, ctx, `(getClassFromCache (structure "foo" :package "pkgB") tbl)`))
	assert.Equal(t, "NULL", show(t, ctx, `(getClassFromCache "bar" tbl)`))
	assert.Equal(t, "TRUE", show(t, ctx, `(identical (getClassFromCache def tbl) def)`))

	_, err := runErr(ctx, `(getClassFromCache 1 tbl)`)
	assert.EqualError(t, err, "class should be either a character-string name or a class definition")
}

func TestGenericCacheKeepsOnlyLongLivedEntries(t *testing.T) {
	rt := vm.NewRuntime(vm.DefaultOptions())
	ctx := rt.NewContext()
	run(t, ctx, describeGeneric)
	i := ctx.Interpreter()

	_, found, err := i.LookupGeneric("describe", ctx.Global(), "")
	require.NoError(t, err)
	require.True(t, found)
	cached := rt.Generics().Len()
	assert.Positive(t, cached)

	for k := 0; k < 10; k++ {
		_, found, err := i.LookupGeneric("describe", vm.NewEnvironment("scratch", ctx.Global()), "")
		require.NoError(t, err)
		require.True(t, found)
	}
	assert.Equal(t, cached, rt.Generics().Len(), "lookups from short-lived environments are not cached")

	ctx.Destroy()
	assert.Zero(t, rt.Generics().Len())
}
