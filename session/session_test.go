package session

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/rcore/vm"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(vm.NewRuntime(vm.DefaultOptions()), Options{Workers: 2})
	t.Cleanup(func() { s.Close() })
	return s
}

func eval(t *testing.T, s *Store, id, src string) string {
	t.Helper()
	v, err := s.Eval(id, src)
	require.NoError(t, err, src)
	return vm.Format(v)
}

func TestWorkerRecoversPanics(t *testing.T) {
	w := NewWorker(vm.NewRuntime(vm.DefaultOptions()).NewContext())
	defer w.Stop()

	_, err := w.Do(func(*vm.Context) (vm.Value, error) { panic("kaboom") })
	require.ErrorIs(t, err, vm.ErrInternalConsistency)
	assert.Contains(t, err.Error(), "kaboom")

	v, err := w.Do(func(*vm.Context) (vm.Value, error) { return vm.NewInteger(1), nil })
	require.NoError(t, err)
	assert.Equal(t, "1L", vm.Format(v), "the worker survives a panic")
}

func TestWorkerStop(t *testing.T) {
	w := NewWorker(vm.NewRuntime(vm.DefaultOptions()).NewContext())
	w.Stop()
	w.Stop()
	_, err := w.Do(func(*vm.Context) (vm.Value, error) { return vm.Null, nil })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestWorkerSerializesAccess(t *testing.T) {
	w := NewWorker(vm.NewRuntime(vm.DefaultOptions()).NewContext())
	defer w.Stop()

	n := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Do(func(*vm.Context) (vm.Value, error) {
				n++
				return nil, nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, n)
}

func TestCreateAndEval(t *testing.T) {
	s := newStore(t)
	sess := s.Create("scratch")
	assert.Equal(t, "scratch", sess.Name)
	assert.Len(t, sess.ID, 36)
	assert.Equal(t, vm.ShareNothing, sess.Kind())

	assert.Equal(t, "3", eval(t, s, sess.ID, "(<- x 1) (+ x 2)"))
	assert.Equal(t, "1", eval(t, s, sess.ID, "x"))

	_, err := s.Eval(sess.ID, "(")
	assert.Error(t, err)

	_, err = s.Eval("no-such-id", "1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionsAreIsolated(t *testing.T) {
	s := newStore(t)
	a, b := s.Create("a"), s.Create("b")
	eval(t, s, a.ID, "(<- x 1)")
	assert.Equal(t, "FALSE", eval(t, s, b.ID, `(exists "x")`))
}

func TestFork(t *testing.T) {
	s := newStore(t)
	parent := s.Create("parent")
	eval(t, s, parent.ID, "(<- x 1)")

	ro, err := s.Fork(parent.ID, vm.ShareParentRO, "ro")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, ro.ParentID)
	eval(t, s, ro.ID, "(<- x 2)")
	assert.Equal(t, "1", eval(t, s, parent.ID, "x"))

	rw, err := s.Fork(parent.ID, vm.ShareParentRW, "rw")
	require.NoError(t, err)
	eval(t, s, rw.ID, "(<- y 3)")
	assert.Equal(t, "3", eval(t, s, parent.ID, "y"))

	_, err = s.Fork(parent.ID, vm.ShareParentRW, "second")
	require.Error(t, err)

	require.NoError(t, s.Destroy(rw.ID))
	_, err = s.Fork(parent.ID, vm.ShareParentRW, "again")
	require.NoError(t, err)

	_, err = s.Fork("missing", vm.ShareNothing, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvalAll(t *testing.T) {
	s := newStore(t)
	a, b, c := s.Create("a"), s.Create("b"), s.Create("c")

	results, err := s.EvalAll(context.Background(), map[string]string{
		a.ID: "(+ 1 1)",
		b.ID: `(stop "broken")`,
		c.ID: `(paste "c" "ok")`,
	})
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 1)
	assert.Contains(t, err.Error(), "broken")

	assert.Equal(t, "2", vm.Format(results[a.ID]))
	assert.Equal(t, `"c ok"`, vm.Format(results[c.ID]))
	assert.NotContains(t, results, b.ID)
}

func TestEvalAllCancelled(t *testing.T) {
	s := newStore(t)
	a := s.Create("a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.EvalAll(ctx, map[string]string{a.ID: "1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExportImport(t *testing.T) {
	s := newStore(t)
	src, dst := s.Create("src"), s.Create("dst")
	eval(t, s, src.ID, `(<- v (structure (c 1 2) :class "pair")) (<- f (function () 1))`)

	data, err := s.Export(src.ID)
	require.NoError(t, err)
	img, err := s.Import(dst.ID, data)
	require.NoError(t, err)
	assert.Equal(t, []string{"f"}, img.Skipped)
	assert.Equal(t, `"pair"`, eval(t, s, dst.ID, "(class v)"))

	_, err = s.Export("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDestroyAndClose(t *testing.T) {
	s := NewStore(vm.NewRuntime(vm.DefaultOptions()), Options{})
	a := s.Create("a")
	s.Create("b")
	require.NoError(t, s.Destroy(a.ID))
	assert.ErrorIs(t, s.Destroy(a.ID), ErrNotFound)
	assert.Len(t, s.IDs(), 1)

	require.NoError(t, s.Close())
	assert.Empty(t, s.IDs())
}

func TestMethodsSharedAcrossSessions(t *testing.T) {
	s := newStore(t)
	a, b := s.Create("a"), s.Create("b")
	eval(t, s, a.ID, `(registerS3method "describe" "thing" (function (x) "a thing"))`)
	eval(t, s, b.ID, `(<- describe (function (x) (UseMethod "describe")))`)
	out := eval(t, s, b.ID, `(describe (structure 1 :class "thing"))`)
	assert.True(t, strings.Contains(out, "a thing"))
}

func TestReadWriteChildStopsWithParent(t *testing.T) {
	s := newStore(t)
	parent := s.Create("parent")
	child, err := s.Fork(parent.ID, vm.ShareParentRW, "rw")
	require.NoError(t, err)

	require.NoError(t, s.Destroy(parent.ID))
	_, err = s.Eval(child.ID, "1")
	assert.ErrorIs(t, err, ErrStopped)
	require.NoError(t, s.Destroy(child.ID))
}

func TestForkedSessionsDoNotShareEnvironments(t *testing.T) {
	s := newStore(t)
	parent := s.Create("parent")
	eval(t, s, parent.ID, "(<- x 1) (<- getx (function () x))")

	ro, err := s.Fork(parent.ID, vm.ShareParentRO, "ro")
	require.NoError(t, err)
	fresh, err := s.Fork(parent.ID, vm.ShareNothing, "fresh")
	require.NoError(t, err)

	_, err = s.Eval(fresh.ID, "(<<- paste 1)")
	require.ErrorIs(t, err, vm.ErrLockedBinding)

	for i := 0; i < 20; i++ {
		results, err := s.EvalAll(context.Background(), map[string]string{
			parent.ID: `(<- x 2) (paste "p" x)`,
			ro.ID:     "(<- x 3) (getx)",
			fresh.ID:  "(<- list 1) (c 1 2)",
		})
		require.NoError(t, err)
		assert.Equal(t, `"p 2"`, vm.Format(results[parent.ID]))
		assert.Equal(t, "3", vm.Format(results[ro.ID]))
		assert.Equal(t, "c(1, 2)", vm.Format(results[fresh.ID]))
	}
	assert.Equal(t, "2", eval(t, s, parent.ID, "(getx)"))
}
