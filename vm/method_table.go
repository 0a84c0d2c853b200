package vm

import (
	"strings"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// MethodTable: process-wide method registry shared by sessions
// ---------------------------------------------------------------------------

// MethodTable maps "generic.class" keys to registered S3 methods and
// memoizes formal-dispatch chains. It is safe for concurrent use; the
// last writer wins.
type MethodTable struct {
	s3     sync.Map // string -> Value
	chains sync.Map // chainKey -> *methodChain

	// epoch moves on every registration change.
	epoch atomic.Uint64
}

// methodChain is a memoized formal-dispatch result: the first candidate
// linked to the rest through .nextMethod, and the class it matched.
type methodChain struct {
	head  Value
	class string
}

type chainKey struct {
	methods uint64 // id of the generic's methods environment
	classes string
}

// NewMethodTable creates an empty table.
func NewMethodTable() *MethodTable {
	return &MethodTable{}
}

// MethodKey returns the "generic.class" key.
func MethodKey(generic, class string) string {
	return generic + "." + class
}

// DefineMethod registers fn as the S3 method for generic and class.
func (t *MethodTable) DefineMethod(generic, class string, fn Value) {
	t.s3.Store(MethodKey(generic, class), fn)
	t.invalidateLookups()
}

// RemoveMethod removes a registered S3 method. It reports whether one
// was registered.
func (t *MethodTable) RemoveMethod(generic, class string) bool {
	_, ok := t.s3.LoadAndDelete(MethodKey(generic, class))
	if ok {
		t.invalidateLookups()
	}
	return ok
}

// Lookup returns the registered method for key.
func (t *MethodTable) Lookup(key string) (Value, bool) {
	v, ok := t.s3.Load(key)
	if !ok {
		return nil, false
	}
	return v.(Value), true
}

// Invalidate drops the registration and every memoized chain for key.
func (t *MethodTable) Invalidate(key string) {
	t.s3.Delete(key)
	t.chains.Range(func(k, _ any) bool {
		t.chains.Delete(k)
		return true
	})
	t.invalidateLookups()
}

// Reset clears the table.
func (t *MethodTable) Reset() {
	t.s3.Range(func(k, _ any) bool {
		t.s3.Delete(k)
		return true
	})
	t.chains.Range(func(k, _ any) bool {
		t.chains.Delete(k)
		return true
	})
	t.invalidateLookups()
}

// Len returns the number of registered S3 methods.
func (t *MethodTable) Len() int {
	n := 0
	t.s3.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (t *MethodTable) chain(methods *Environment, classes []string) (*methodChain, bool) {
	v, ok := t.chains.Load(chainKey{methods.id, strings.Join(classes, "\x00")})
	if !ok {
		return nil, false
	}
	return v.(*methodChain), true
}

func (t *MethodTable) storeChain(methods *Environment, classes []string, mc *methodChain) {
	t.chains.Store(chainKey{methods.id, strings.Join(classes, "\x00")}, mc)
}

// invalidateChains drops the memoized chains built from methods.
func (t *MethodTable) invalidateChains(methods *Environment) {
	t.chains.Range(func(k, _ any) bool {
		if k.(chainKey).methods == methods.id {
			t.chains.Delete(k)
		}
		return true
	})
}

// invalidateLookups forces every lookup cache to miss on its next use.
func (t *MethodTable) invalidateLookups() {
	t.epoch.Add(1)
}

// Epoch returns the registration counter.
func (t *MethodTable) Epoch() uint64 { return t.epoch.Load() }

// ---------------------------------------------------------------------------
// GenericCache: memoized generic function lookup
// ---------------------------------------------------------------------------

type genericKey struct {
	env  uint64
	name string
	pkg  string
}

type genericEntry struct {
	epoch uint64
	value Value
	found bool
}

// GenericCache memoizes LookupGeneric results per (start environment,
// name, package). Only lookups starting at a context's global or base
// environment are cached, and a destroyed context's entries are
// forgotten. Entries are stamped with the lookup epoch of the owning
// context and ignored once it moves.
type GenericCache struct {
	entries sync.Map // genericKey -> genericEntry
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// NewGenericCache creates an empty cache.
func NewGenericCache() *GenericCache {
	return &GenericCache{}
}

func (c *GenericCache) get(start *Environment, name, pkg string, epoch uint64) (Value, bool, bool) {
	v, ok := c.entries.Load(genericKey{start.id, name, pkg})
	if ok {
		e := v.(genericEntry)
		if e.epoch == epoch {
			c.hits.Add(1)
			return e.value, e.found, true
		}
	}
	c.misses.Add(1)
	return nil, false, false
}

func (c *GenericCache) put(start *Environment, name, pkg string, epoch uint64, value Value, found bool) {
	c.entries.Store(genericKey{start.id, name, pkg}, genericEntry{epoch: epoch, value: value, found: found})
}

// forget drops the entries of lookups that started at any of envs.
func (c *GenericCache) forget(envs ...*Environment) {
	c.entries.Range(func(k, _ any) bool {
		for _, env := range envs {
			if k.(genericKey).env == env.id {
				c.entries.Delete(k)
				break
			}
		}
		return true
	})
}

// Len returns the number of cached lookups.
func (c *GenericCache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Reset drops every entry.
func (c *GenericCache) Reset() {
	c.entries.Range(func(k, _ any) bool {
		c.entries.Delete(k)
		return true
	})
}

// Stats returns the hit and miss counts.
func (c *GenericCache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
