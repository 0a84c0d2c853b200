package session

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/chazu/rcore/vm"
)

// request is a unit of work to be executed on the worker goroutine.
type request struct {
	fn   func(*vm.Context) (vm.Value, error)
	done chan result
}

type result struct {
	value vm.Value
	err   error
}

// Worker serializes all access to one evaluation context through a
// single goroutine locked to its OS thread. A context is not safe for
// concurrent use; every caller must go through Do.
type Worker struct {
	ctx      *vm.Context
	requests chan request
	quit     chan struct{}
	stopped  chan struct{}
	once     sync.Once
}

// NewWorker creates a Worker for ctx and starts its goroutine.
func NewWorker(ctx *vm.Context) *Worker {
	w := &Worker{
		ctx:      ctx,
		requests: make(chan request, 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.stopped)
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn on the context, turning panics into errors.
func (w *Worker) execute(fn func(*vm.Context) (vm.Value, error)) (res result) {
	defer func() {
		if r := recover(); r != nil {
			res = result{err: fmt.Errorf("%w: panic during evaluation: %v", vm.ErrInternalConsistency, r)}
		}
	}()
	v, err := fn(w.ctx)
	return result{value: v, err: err}
}

// Do submits fn for execution on the worker goroutine and blocks until
// it completes.
func (w *Worker) Do(fn func(*vm.Context) (vm.Value, error)) (vm.Value, error) {
	req := request{fn: fn, done: make(chan result, 1)}
	select {
	case w.requests <- req:
	case <-w.stopped:
		return nil, ErrStopped
	}
	select {
	case res := <-req.done:
		return res.value, res.err
	case <-w.stopped:
		// The request may have completed just before the loop exited.
		select {
		case res := <-req.done:
			return res.value, res.err
		default:
			return nil, ErrStopped
		}
	}
}

// Stop shuts the worker down. Work already running completes first;
// Stop returns once the goroutine has exited.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.quit) })
	<-w.stopped
}

// Context returns the context owned by the worker. Callers must not
// evaluate on it outside Do.
func (w *Worker) Context() *vm.Context {
	return w.ctx
}
