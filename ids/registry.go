// Package ids assigns the monotonically increasing, nonzero u32 handles
// needed for meshes and materials on first reference, and keeps the
// reverse map every downstream readback needs.
//
// Mesh and material ids need a map where many goroutines read concurrently
// while a single update-thread inserts new entries. No third-party
// concurrent-map library is wired into this module, so this is built on
// sync.Map (stdlib): its read path is lock-free for the steady state of
// repeated lookups on existing keys, and writes are serialized only
// against each other, never against readers. A sharded-map library (the
// kind hashicorp/golang-lru wraps) would add a dependency for no
// behavioral gain over sync.Map here, so the stdlib type is kept.
package ids

import (
	"fmt"
	"sync"
)

// ErrIDSpaceExhausted is returned when the next id would overflow u32.
var ErrIDSpaceExhausted = fmt.Errorf("ids: id space exhausted at uint32 max")

// Registry assigns a nonzero, monotonically increasing uint32 id to each
// distinct key K on first reference and remembers the reverse mapping.
// IDs live for the registry's lifetime; nothing is ever reclaimed or
// renumbered.
type Registry[K comparable] struct {
	mu      sync.Mutex // guards `next`; the update thread is the only inserter
	forward sync.Map   // K -> uint32
	reverse sync.Map   // uint32 -> K
	next    uint32
}

func New[K comparable]() *Registry[K] {
	return &Registry[K]{}
}

// Lookup returns the id already assigned to key, if any. Safe for
// concurrent readers.
func (r *Registry[K]) Lookup(key K) (uint32, bool) {
	v, ok := r.forward.Load(key)
	if !ok {
		return 0, false
	}
	return v.(uint32), true
}

// ReverseLookup returns the key an id was assigned to, if any.
func (r *Registry[K]) ReverseLookup(id uint32) (K, bool) {
	v, ok := r.reverse.Load(id)
	if !ok {
		var zero K
		return zero, false
	}
	return v.(K), true
}

// Acquire returns the existing id for key, or assigns the next one.
// Only the update thread may call Acquire with a previously-unseen key;
// concurrent Lookup calls from the render thread are always safe.
func (r *Registry[K]) Acquire(key K) (id uint32, created bool, err error) {
	if existing, ok := r.forward.Load(key); ok {
		return existing.(uint32), false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under the lock: another Acquire may have raced us between
	// the Load above and here.
	if existing, ok := r.forward.Load(key); ok {
		return existing.(uint32), false, nil
	}

	if r.next == ^uint32(0) {
		return 0, false, ErrIDSpaceExhausted
	}
	r.next++
	id = r.next

	r.forward.Store(key, id)
	r.reverse.Store(id, key)
	return id, true, nil
}

// Len reports how many distinct keys have been assigned ids. Intended
// for diagnostics/tests only.
func (r *Registry[K]) Len() int {
	n := 0
	r.forward.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
