package store

import (
	"sort"
	"sync"
)

// Key identifies a collection within the process.
type Key struct {
	Tenant     string
	Collection string
}

func (k Key) String() string { return k.Tenant + "/" + k.Collection }

// LockRegistry hands out one mutex per collection. Creation is guarded with
// a double-checked pattern so concurrent first touches of the same collection
// settle on a single mutex.
type LockRegistry struct {
	guard sync.RWMutex
	locks map[Key]*sync.Mutex
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[Key]*sync.Mutex)}
}

// Get returns the mutex for the collection, creating it on first request.
func (r *LockRegistry) Get(tenant, collection string) *sync.Mutex {
	k := Key{Tenant: tenant, Collection: collection}

	r.guard.RLock()
	mu, ok := r.locks[k]
	r.guard.RUnlock()
	if ok {
		return mu
	}

	r.guard.Lock()
	defer r.guard.Unlock()
	if mu, ok = r.locks[k]; ok {
		return mu
	}
	mu = &sync.Mutex{}
	r.locks[k] = mu
	return mu
}

// Pair returns the two collections' mutexes in stable key order, so callers
// that must hold both (rename) always acquire in the same sequence.
func (r *LockRegistry) Pair(tenant, a, b string) (first, second *sync.Mutex) {
	ka := Key{Tenant: tenant, Collection: a}
	kb := Key{Tenant: tenant, Collection: b}
	if kb.String() < ka.String() {
		ka, kb = kb, ka
	}
	return r.Get(ka.Tenant, ka.Collection), r.Get(kb.Tenant, kb.Collection)
}

// Ordered returns mutexes for the given keys in deterministic key order.
// The archive engine uses this to hold every collection lock at once.
func (r *LockRegistry) Ordered(keys []Key) []*sync.Mutex {
	sorted := make([]Key, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	out := make([]*sync.Mutex, len(sorted))
	for i, k := range sorted {
		out[i] = r.Get(k.Tenant, k.Collection)
	}
	return out
}
