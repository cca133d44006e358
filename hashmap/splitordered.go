// Package hashmap implements a split-ordered hash map: a lock-free
// map from uint64 keys in [0, 2^63) to values, built on a single
// shared lockfree.List kept in "recursive split" order and a
// trie.Array bucket directory that caches, for each bucket number,
// the sentinel node marking that bucket's start in the shared list.
package hashmap

import (
	"errors"
	"math/bits"
	"sync/atomic"

	"github.com/dijkstracula/go-lockfree/hazard"
	"github.com/dijkstracula/go-lockfree/lockfree"
	"github.com/dijkstracula/go-lockfree/trie"
)

// loadFactor is doubled-size threshold: the bucket count doubles once
// count/size exceeds loadFactor.
const loadFactor = 2

// ErrKeyOutOfRange is the panic value used when a caller passes a key
// with its top bit set. One bit of every key is reserved so that
// split-ordered keys (which always set the low bit) and sentinel keys
// (which always clear it) never collide with the reversed-bit
// encoding's own sign considerations.
var ErrKeyOutOfRange = errors.New("hashmap: key must be in [0, 2^63)")

func assertValidKey(key uint64) {
	if key&(1<<63) != 0 {
		panic(ErrKeyOutOfRange)
	}
}

// SplitOrderedMap is a lock-free map from uint64 to V.
type SplitOrderedMap[V any] struct {
	list    *lockfree.List[uint64, V]
	buckets *trie.Array[lockfree.Node[uint64, V]]
	size    atomic.Uint64
	count   atomic.Int64
}

// New creates an empty split-ordered map with two buckets.
func New[V any]() *SplitOrderedMap[V] {
	m := &SplitOrderedMap[V]{
		list:    lockfree.New[uint64, V](),
		buckets: trie.NewArray[lockfree.Node[uint64, V]](),
	}
	m.size.Store(2)
	return m
}

// lookupBucket returns a cursor positioned at the sentinel node for
// bucket index, recursively initializing ancestor buckets (and the
// sentinels threaded into the shared list) as needed.
func (m *SplitOrderedMap[V]) lookupBucket(index uint64, guard *hazard.Guard) *lockfree.Cursor[uint64, V] {
	bucket := m.buckets.Get(index)
	sentKey := bits.Reverse64(index)

	for {
		if sentNode := bucket.Load(); sentNode != nil {
			return m.list.CursorFrom(guard, sentNode)
		}

		if index == 0 {
			c := m.list.Head(guard)
			if err := c.Insert(lockfree.NewNode[uint64, V](sentKey, nil)); err != nil {
				continue
			}
			bucket.Store(c.Curr())
			return c
		}

		parent := m.size.Load()
		for {
			parent >>= 1
			if parent <= index {
				break
			}
		}
		parentIndex := index - parent

		prevBucket := m.lookupBucket(parentIndex, guard)
		found, err := prevBucket.Find(sentKey)
		if err == lockfree.ErrStale {
			continue
		}
		if found {
			return prevBucket
		}
		if err := prevBucket.Insert(lockfree.NewNode[uint64, V](sentKey, nil)); err != nil {
			continue
		}
		bucket.Store(prevBucket.Curr())
		return prevBucket
	}
}

// find moves a cursor to the position of key within its bucket,
// reporting the map's size at the time of the search alongside
// whether key was present.
func (m *SplitOrderedMap[V]) find(key uint64, guard *hazard.Guard) (uint64, bool, *lockfree.Cursor[uint64, V]) {
	bucketIndex := key % m.size.Load()
	splOrdKey := bits.Reverse64(key) | 1
	for {
		cursor := m.lookupBucket(bucketIndex, guard)
		found, err := cursor.Find(splOrdKey)
		if err == lockfree.ErrStale {
			continue
		}
		return m.size.Load(), found, cursor
	}
}

// Lookup returns the value stored at key, and whether it was present.
func (m *SplitOrderedMap[V]) Lookup(key uint64, guard *hazard.Guard) (*V, bool) {
	assertValidKey(key)
	_, found, cursor := m.find(key, guard)
	if !found {
		return nil, false
	}
	return cursor.Lookup()
}

// Insert adds key/value to the map, reporting false without modifying
// the map if key was already present.
func (m *SplitOrderedMap[V]) Insert(key uint64, value V, guard *hazard.Guard) bool {
	assertValidKey(key)
	splOrdKey := bits.Reverse64(key) | 1
	node := lockfree.NewNode[uint64, V](splOrdKey, &value)

	for {
		_, found, cursor := m.find(key, guard)
		if found {
			return false
		}
		if err := cursor.Insert(node); err == lockfree.ErrStale {
			continue
		}
		m.count.Add(1)
		m.maybeResize()
		return true
	}
}

// Delete removes key from the map, returning its value and true if it
// was present.
func (m *SplitOrderedMap[V]) Delete(key uint64, guard *hazard.Guard) (*V, bool) {
	assertValidKey(key)
	for {
		_, found, cursor := m.find(key, guard)
		if !found {
			return nil, false
		}
		v, err := cursor.Delete()
		if err != nil {
			// Either the list changed underneath us (ErrStale) or a
			// concurrent deleter already marked the node we just
			// found (ErrNotFound); either way, re-find and retry.
			continue
		}
		m.count.Add(-1)
		return v, true
	}
}

// maybeResize doubles the bucket count if the load factor has been
// exceeded. Multiple concurrent callers racing to resize is
// harmless: only one CompareAndSwap wins, the rest are no-ops.
func (m *SplitOrderedMap[V]) maybeResize() {
	size := m.size.Load()
	if uint64(m.count.Load())/size > loadFactor {
		m.size.CompareAndSwap(size, size*2)
	}
}

// Size returns the current number of buckets.
func (m *SplitOrderedMap[V]) Size() uint64 {
	return m.size.Load()
}

// Count returns the current number of key/value pairs in the map.
func (m *SplitOrderedMap[V]) Count() int64 {
	return m.count.Load()
}
