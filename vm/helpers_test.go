package vm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chazu/rcore/reader"
	"github.com/chazu/rcore/vm"
)

func newContext(t *testing.T, configure ...func(*vm.Options)) *vm.Context {
	t.Helper()
	opts := vm.DefaultOptions()
	for _, f := range configure {
		f(&opts)
	}
	return vm.NewRuntime(opts).NewContext()
}

func runErr(ctx *vm.Context, src string) (vm.Value, error) {
	exprs, err := reader.Parse(src)
	if err != nil {
		return nil, err
	}
	return ctx.EvalAll(exprs)
}

func run(t *testing.T, ctx *vm.Context, src string) vm.Value {
	t.Helper()
	v, err := runErr(ctx, src)
	require.NoError(t, err, src)
	return v
}

// show runs src and returns its last value in deparsed form.
func show(t *testing.T, ctx *vm.Context, src string) string {
	t.Helper()
	return vm.Format(run(t, ctx, src))
}

func lazy(o *vm.Options) { o.EagerPromises = false }
