package cache

import (
	"sync"

	"github.com/dolthub/swiss"
)

// StagedCache is a two-tier read-mostly cache for expensive, immutable GPU
// objects- pipelines, samplers, descriptor-set layouts. The committed tier
// is read with zero synchronization, which makes the overwhelmingly common
// case (a hit on the render hot path) lock-free. Misses fall through to the
// staged tier, a mutex-guarded map that guarantees at most one factory call
// per key. Commit drains the staged tier into the committed tier.
//
// Concurrency contract: any number of goroutines may call GetCommitted and
// GetOrInsert simultaneously. Commit and GetOrInsertCommitted mutate the
// committed tier and must not run concurrently with any other access-
// callers run them at a frame-boundary synchronization point when worker
// goroutines are known idle. A key present in the committed tier is never
// re-inserted.
type StagedCache[K comparable, V any] struct {
	committed *swiss.Map[K, V]

	stagedMutex sync.Mutex
	staged      map[K]V
}

// NewStagedCache creates an empty cache.
func NewStagedCache[K comparable, V any]() *StagedCache[K, V] {
	return &StagedCache[K, V]{
		committed: swiss.NewMap[K, V](42),
		staged:    map[K]V{},
	}
}

// GetCommitted returns the committed value for key, if present. It performs
// no synchronization and never sees staged values.
func (c *StagedCache[K, V]) GetCommitted(key K) (V, bool) {
	return c.committed.Get(key)
}

// GetOrInsert returns the value for key, calling factory to create it on a
// miss. The committed tier is checked first without locking; on a miss the
// staged tier is checked and populated under its lock. factory runs at most
// once per key. The lock is held across the factory call so that concurrent
// misses on the same key cannot both build the value- a slow factory
// serializes other staged-tier misses, which is accepted in exchange for
// the at-most-once guarantee. Fallible factories are not supported.
func (c *StagedCache[K, V]) GetOrInsert(key K, factory func() V) V {
	value, ok := c.committed.Get(key)
	if ok {
		return value
	}

	c.stagedMutex.Lock()
	defer c.stagedMutex.Unlock()

	value, ok = c.staged[key]
	if ok {
		return value
	}

	value = factory()
	c.staged[key] = value
	return value
}

// Commit moves every staged value into the committed tier. The caller must
// guarantee that no other goroutine is accessing the cache.
func (c *StagedCache[K, V]) Commit() {
	for key, value := range c.staged {
		if _, ok := c.committed.Get(key); ok {
			panic("staged cache: key staged for commit is already committed")
		}
		c.committed.Put(key, value)
		delete(c.staged, key)
	}
}

// GetOrInsertCommitted returns the committed value for key, calling factory
// and inserting directly into the committed tier on a miss. It is the
// single-writer fast path used during initialization, before worker
// goroutines exist. It panics if the staged tier is not empty, since
// inserting around staged work could silently discard it.
func (c *StagedCache[K, V]) GetOrInsertCommitted(key K, factory func() V) V {
	if len(c.staged) != 0 {
		panic("staged cache: GetOrInsertCommitted called with staged values present")
	}

	value, ok := c.committed.Get(key)
	if ok {
		return value
	}

	value = factory()
	c.committed.Put(key, value)
	return value
}

// CommittedCount returns the number of committed entries.
func (c *StagedCache[K, V]) CommittedCount() int {
	return c.committed.Count()
}

// StagedCount returns the number of entries staged and not yet committed.
func (c *StagedCache[K, V]) StagedCount() int {
	c.stagedMutex.Lock()
	defer c.stagedMutex.Unlock()

	return len(c.staged)
}
