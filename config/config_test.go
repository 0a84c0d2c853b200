package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/rcore/vm"
)

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "rcore.toml", `
[runtime]
max-method-name-length = 64
max-depth = 100
method-dispatch = false
eager-promises = false

[session]
kind = "share-parent-ro"
workers = 4

[log]
verbosity = 2
file = "rcore.log"

[image]
path = "state/session.img"
`)

	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 64, c.Runtime.MaxMethodNameLength)
	assert.Equal(t, 4, c.Session.Workers)
	assert.Equal(t, vm.ShareParentRO, c.SessionKind())
	assert.Equal(t, 2, c.Log.Verbosity)
	assert.Equal(t, filepath.Join(c.Dir, "state", "session.img"), c.ImagePath())
	assert.Equal(t, filepath.Join(c.Dir, "rcore.log"), c.LogPath())

	opts := c.VMOptions()
	assert.Equal(t, 64, opts.MaxMethodNameLength)
	assert.Equal(t, 100, opts.MaxDepth)
	assert.False(t, opts.MethodDispatch)
	assert.False(t, opts.EagerPromises)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "rcore.yaml", `
runtime:
  max-depth: 20
session:
  kind: share-parent-rw
image:
  path: /tmp/abs.img
`)

	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 20, c.Runtime.MaxDepth)
	assert.Equal(t, vm.ShareParentRW, c.SessionKind())
	assert.Equal(t, "/tmp/abs.img", c.ImagePath())
	assert.Equal(t, filepath.Join(dir, "rcore.yaml"), c.Path)
}

func TestDefaults(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "rcore.toml", "[log]\nverbosity = 1\n")

	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, vm.DefaultOptions(), c.VMOptions())
	assert.Equal(t, vm.ShareNothing, c.SessionKind())
	assert.Empty(t, c.ImagePath())
	assert.Empty(t, c.LogPath())

	assert.Equal(t, vm.DefaultOptions(), Default().VMOptions())
}

func TestTOMLPreferredOverYAML(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "rcore.toml", "[runtime]\nmax-depth = 1\n")
	write(t, dir, "rcore.yaml", "runtime:\n  max-depth: 2\n")

	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Runtime.MaxDepth)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)

	dir := t.TempDir()
	write(t, dir, "rcore.toml", "[runtime\n")
	_, err = Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse error")

	dir = t.TempDir()
	write(t, dir, "rcore.toml", "[session]\nkind = \"share-everything\"\n")
	_, err = Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown context kind")

	dir = t.TempDir()
	write(t, dir, "rcore.toml", "[session]\nworkers = -1\n")
	_, err = Load(dir)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(dir, "rcore.json"))
	assert.Error(t, err)
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	write(t, root, "rcore.toml", "[runtime]\nmax-depth = 7\n")
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	c, err := FindAndLoad(nested)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 7, c.Runtime.MaxDepth)

	c, err = FindAndLoad(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, c)
}
