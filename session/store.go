// Package session runs evaluation contexts on dedicated worker
// goroutines and keeps track of them by id.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/rcore/reader"
	"github.com/chazu/rcore/snapshot"
	"github.com/chazu/rcore/vm"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")

	// ErrStopped is returned when work is submitted to a stopped worker.
	ErrStopped = errors.New("session worker stopped")
)

// Session is one evaluation context and the worker that owns it.
type Session struct {
	ID       string
	Name     string
	ParentID string
	Created  time.Time

	ctx    *vm.Context
	worker *Worker
	// shared is set for share-parent-rw children, which run on their
	// parent's worker because both evaluate in the same global
	// environment.
	shared bool
}

// Kind returns how the session shares its parent's global environment.
func (s *Session) Kind() vm.ContextKind {
	return s.ctx.Kind()
}

// Do runs fn with the session's context on the session's worker.
func (s *Session) Do(fn func(*vm.Context) (vm.Value, error)) (vm.Value, error) {
	return s.worker.Do(func(*vm.Context) (vm.Value, error) {
		return fn(s.ctx)
	})
}

// Eval parses source and evaluates it in the session's global
// environment, returning the last value.
func (s *Session) Eval(source string) (vm.Value, error) {
	exprs, err := reader.Parse(source)
	if err != nil {
		return nil, err
	}
	return s.Do(func(ctx *vm.Context) (vm.Value, error) {
		return ctx.EvalAll(exprs)
	})
}

// Options configures a Store.
type Options struct {
	// Workers bounds how many sessions EvalAll runs at once. Zero means
	// no limit.
	Workers int
}

// Store manages sessions sharing one runtime.
type Store struct {
	rt   *vm.Runtime
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session

	log commonlog.Logger
}

// NewStore creates a store whose sessions are contexts of rt.
func NewStore(rt *vm.Runtime, opts Options) *Store {
	return &Store{
		rt:       rt,
		opts:     opts,
		sessions: make(map[string]*Session),
		log:      commonlog.GetLogger("rcore.session"),
	}
}

// Runtime returns the runtime shared by every session.
func (s *Store) Runtime() *vm.Runtime { return s.rt }

// Create starts a top-level session with an optional name.
func (s *Store) Create(name string) *Session {
	ctx := s.rt.NewContext()
	sess := s.add(name, "", ctx, NewWorker(ctx), false)
	s.log.Infof("created session %s", sess.ID)
	return sess
}

// Fork starts a child session of parentID. The child context is created
// on the parent's worker so a read-only copy sees a consistent global
// environment. A share-parent-rw child keeps using the parent's worker.
func (s *Store) Fork(parentID string, kind vm.ContextKind, name string) (*Session, error) {
	parent, err := s.Get(parentID)
	if err != nil {
		return nil, err
	}
	var child *vm.Context
	_, err = parent.Do(func(ctx *vm.Context) (vm.Value, error) {
		var err error
		child, err = ctx.NewChild(kind)
		return nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("fork session %s: %w", parentID, err)
	}
	var sess *Session
	if kind == vm.ShareParentRW {
		sess = s.add(name, parentID, child, parent.worker, true)
	} else {
		sess = s.add(name, parentID, child, NewWorker(child), false)
	}
	s.log.Infof("forked session %s from %s (%s)", sess.ID, parentID, kind)
	return sess, nil
}

func (s *Store) add(name, parentID string, ctx *vm.Context, w *Worker, shared bool) *Session {
	sess := &Session{
		ID:       uuid.NewString(),
		Name:     name,
		ParentID: parentID,
		Created:  time.Now(),
		ctx:      ctx,
		worker:   w,
		shared:   shared,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// Get retrieves a session by id.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, nil
}

// IDs returns the ids of every live session, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Eval evaluates source in session id.
func (s *Store) Eval(id, source string) (vm.Value, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.Eval(source)
}

// EvalAll evaluates one source per session, in parallel across
// sessions. Every session runs even when others fail; the failures are
// returned together. Sessions not yet started when ctx is cancelled are
// skipped with ctx's error.
func (s *Store) EvalAll(ctx context.Context, sources map[string]string) (map[string]vm.Value, error) {
	var (
		mu      sync.Mutex
		results = make(map[string]vm.Value, len(sources))
		errs    *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	if s.opts.Workers > 0 {
		g.SetLimit(s.opts.Workers)
	}
	for id, src := range sources {
		id, src := id, src
		g.Go(func() error {
			var v vm.Value
			err := gctx.Err()
			if err == nil {
				v, err = s.Eval(id, src)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("session %s: %w", id, err))
				return nil
			}
			results[id] = v
			return nil
		})
	}
	g.Wait()
	return results, errs.ErrorOrNil()
}

// Export writes the data bindings of the session's global environment
// as a snapshot image.
func (s *Store) Export(id string) ([]byte, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	var data []byte
	_, err = sess.Do(func(ctx *vm.Context) (vm.Value, error) {
		var err error
		data, err = snapshot.Encode(ctx.Global())
		return nil, err
	})
	return data, err
}

// Import restores a snapshot image into the session's global
// environment.
func (s *Store) Import(id string, data []byte) (*snapshot.Image, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	var img *snapshot.Image
	_, err = sess.Do(func(ctx *vm.Context) (vm.Value, error) {
		var err error
		img, err = snapshot.Decode(data, ctx.Global())
		return nil, err
	})
	return img, err
}

// Destroy waits for the session's in-flight work, stops its worker and
// destroys its context. Child sessions keep running, except that a
// share-parent-rw child stops with its parent's worker.
func (s *Store) Destroy(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if sess.shared {
		// Runs after the work already queued on the parent's worker.
		_, err := sess.worker.Do(func(*vm.Context) (vm.Value, error) {
			sess.ctx.Destroy()
			return nil, nil
		})
		if err != nil {
			sess.ctx.Destroy()
		}
	} else {
		sess.worker.Stop()
		sess.ctx.Destroy()
	}
	s.log.Infof("destroyed session %s", id)
	return nil
}

// Close destroys every session.
func (s *Store) Close() error {
	var errs *multierror.Error
	for _, id := range s.IDs() {
		if err := s.Destroy(id); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
