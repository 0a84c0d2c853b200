package snapshot

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/rcore/reader"
	"github.com/chazu/rcore/vm"
)

func newContext(t *testing.T, src string) *vm.Context {
	t.Helper()
	ctx := vm.NewRuntime(vm.DefaultOptions()).NewContext()
	exprs, err := reader.Parse(src)
	require.NoError(t, err)
	_, err = ctx.EvalAll(exprs)
	require.NoError(t, err)
	return ctx
}

func lookup(t *testing.T, env *vm.Environment, name string) string {
	t.Helper()
	v, ok := env.GetLocal(name)
	require.True(t, ok, name)
	return vm.Format(v)
}

const data = `
(<- n 1L)
(<- x (c 1.5 NaN))
(<- s (c "a" "b"))
(<- flags (c TRUE NA FALSE))
(<- nothing NULL)
(<- pt (structure (list 1 "two" (list TRUE)) :class "point" :names (c "a" "b" "c")))
(<- f (function (x) x))
(<- e (new.env))
`

func TestRoundTrip(t *testing.T) {
	src := newContext(t, data)
	img, err := Decode(mustEncode(t, src.Global()), vm.NewEnvironment("restored", nil))
	require.NoError(t, err)
	assert.Equal(t, FormatVersion.String(), img.Version)

	dst := vm.NewRuntime(vm.DefaultOptions()).NewContext()
	_, err = Decode(mustEncode(t, src.Global()), dst.Global())
	require.NoError(t, err)

	for _, name := range []string{"n", "x", "s", "flags", "nothing", "pt"} {
		assert.Equal(t, lookup(t, src.Global(), name), lookup(t, dst.Global(), name), name)
	}
	_, ok := dst.Global().GetLocal("f")
	assert.False(t, ok, "functions are not data")
}

func TestCaptureSkipsNonData(t *testing.T) {
	ctx := newContext(t, data)
	img := Capture(ctx.Global())
	assert.Equal(t, []string{"f", "e"}, img.Skipped)

	names := make([]string, len(img.Bindings))
	for i, b := range img.Bindings {
		names[i] = b.Name
	}
	assert.Equal(t, []string{"n", "x", "s", "flags", "nothing", "pt"}, names)
}

func TestCapturePromises(t *testing.T) {
	env := vm.NewEnvironment("frame", nil)
	require.NoError(t, env.Put("forced", vm.NewEvaluatedPromise(vm.NewConst(vm.NewDouble(2)), vm.NewDouble(2))))
	require.NoError(t, env.Put("pending", vm.NewDefaultPromise(vm.NewIdent("y"), env)))

	img := Capture(env)
	require.Len(t, img.Bindings, 1)
	assert.Equal(t, "forced", img.Bindings[0].Name)
	assert.Equal(t, []string{"pending"}, img.Skipped)
}

func TestEncodingIsCanonical(t *testing.T) {
	a := newContext(t, data)
	b := newContext(t, data)
	assert.True(t, bytes.Equal(mustEncode(t, a.Global()), mustEncode(t, b.Global())))
}

func TestRefusesNewerMajorVersion(t *testing.T) {
	raw, err := cbor.Marshal(&Image{Version: "2.0.0"})
	require.NoError(t, err)
	_, err = Unmarshal(raw)
	require.ErrorIs(t, err, ErrIncompatible)

	raw, err = cbor.Marshal(&Image{Version: "1.4.0"})
	require.NoError(t, err)
	_, err = Unmarshal(raw)
	require.NoError(t, err, "minor versions are compatible")

	raw, err = cbor.Marshal(&Image{Version: "latest"})
	require.NoError(t, err)
	_, err = Unmarshal(raw)
	require.Error(t, err)

	_, err = Unmarshal([]byte{0xff, 0x00})
	require.Error(t, err)
}

func TestRestoreIntoLockedBinding(t *testing.T) {
	src := newContext(t, "(<- a 1)")
	env := vm.NewEnvironment("locked", nil)
	require.NoError(t, env.Put("a", vm.NewDouble(0)))
	require.NoError(t, env.LockBinding("a"))

	_, err := Decode(mustEncode(t, src.Global()), env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `binding "a"`)
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.img")
	src := newContext(t, data)

	written, err := WriteFile(path, src.Global())
	require.NoError(t, err)
	assert.Len(t, written.Bindings, 6)

	dst := vm.NewRuntime(vm.DefaultOptions()).NewContext()
	read, err := ReadFile(path, dst.Global())
	require.NoError(t, err)
	assert.Equal(t, written.Skipped, read.Skipped)
	assert.Equal(t, lookup(t, src.Global(), "pt"), lookup(t, dst.Global(), "pt"))

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.img"), dst.Global())
	assert.Error(t, err)
}

func mustEncode(t *testing.T, env *vm.Environment) []byte {
	t.Helper()
	data, err := Encode(env)
	require.NoError(t, err)
	return data
}
