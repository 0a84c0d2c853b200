package vm

// Lookup caching for S3 method resolution
//
// Each interpreter keeps one single-entry cache in front of the lexical
// search for generic.class. Repeated dispatch of the same generic on the
// same class from the same environment, the common case in loops, hits
// the entry; anything else replaces it. Entries are stamped with the
// interpreter's lookup epoch, so defining or removing a function binding
// in the same context, or changing the shared method table, invalidates
// them.

// CacheState represents the current state of a lookup cache.
type CacheState uint8

const (
	CacheEmpty CacheState = iota // No cached lookup yet
	CacheValid                   // One (name, environments) result cached
)

type lookupKey struct {
	name    string
	callEnv *Environment
	defEnv  *Environment
	epoch   uint64
}

// LookupCache holds the result of the last S3 method lookup. Negative
// results are cached too.
type LookupCache struct {
	State CacheState

	key    lookupKey
	def    *FunctionLit // definition of a closure target
	target Value
	found  bool

	// Statistics for profiling
	Hits   uint64
	Misses uint64
}

// Lookup returns the cached result for key. hit is false on a miss.
func (lc *LookupCache) Lookup(key lookupKey) (target Value, found, hit bool) {
	if lc.State == CacheValid && lc.key == key {
		lc.Hits++
		return lc.target, lc.found, true
	}
	lc.Misses++
	return nil, false, false
}

// Update replaces the entry.
func (lc *LookupCache) Update(key lookupKey, target Value, found bool) {
	lc.State = CacheValid
	lc.key = key
	lc.target = target
	lc.found = found
	lc.def = nil
	if c, ok := target.(*Closure); ok {
		lc.def = c.Def
	}
}

// Definition returns the function literal of the cached closure, if any.
func (lc *LookupCache) Definition() *FunctionLit { return lc.def }

// Invalidate clears the entry.
func (lc *LookupCache) Invalidate() {
	*lc = LookupCache{Hits: lc.Hits, Misses: lc.Misses}
}

// HitRate returns the cache hit rate as a percentage (0-100).
func (lc *LookupCache) HitRate() float64 {
	total := lc.Hits + lc.Misses
	if total == 0 {
		return 0
	}
	return float64(lc.Hits) / float64(total) * 100
}
