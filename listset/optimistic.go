package listset

import (
	"cmp"
	"errors"
	"unsafe"

	"github.com/dijkstracula/go-lockfree/hazard"
	"github.com/dijkstracula/go-lockfree/seqlock"
)

// ErrIterStale is returned by OSIterator.Next when it observes a
// concurrent write it cannot reconcile with the validation it already
// performed. The iterator must be discarded and a fresh one obtained
// from OptimisticSet.Iter.
var ErrIterStale = errors.New("listset: iteration observed a concurrent write, restart from Iter")

// osNode is one element of an OptimisticSet. next is a SeqLock
// guarding the atomic pointer to the successor, matching the pattern
// used for every swung pointer in this module: the payload itself is
// always behind an atomic.Pointer, so a racing reader's read is never
// torn, only possibly stale — which the seqlock's sequence-validate
// protocol detects.
type osNode[T any] struct {
	data T
	next seqlock.SeqLock[osNode[T]]
}

func newOSNode[T any](data T, next *osNode[T]) *osNode[T] {
	n := &osNode[T]{data: data}
	wg := n.next.WriteLock()
	wg.Store(next)
	wg.Unlock()
	return n
}

// OptimisticSet is a concurrent sorted set of T using seqlock-guarded
// optimistic traversal: readers never block writers, and a reader
// waits on a link only while a writer is mid-update on it; a reader
// that detects a write raced with its traversal must restart. Node reclamation is deferred through hazard pointers, since
// a seqlock's validation only guarantees a pointer word was not
// concurrently rewritten — it says nothing about whether the pointee
// has since been freed.
type OptimisticSet[T cmp.Ordered] struct {
	head seqlock.SeqLock[osNode[T]]
}

// NewOptimisticSet creates an empty set.
func NewOptimisticSet[T cmp.Ordered]() *OptimisticSet[T] {
	return &OptimisticSet[T]{}
}

// protectOSNode protects the node currently readable through rg with
// sh, and reports whether rg is still valid after doing so.
func protectOSNode[T any](sh *hazard.Shield, rg seqlock.ReadGuard[osNode[T]]) (*osNode[T], bool) {
	p := rg.Load()
	if p == nil {
		sh.Clear()
		return nil, rg.Validate()
	}
	hazard.Set(sh, p)
	return p, rg.Validate()
}

// osCursor holds the read guard over the currently-entered link (prev)
// and the node it currently points to (curr, hazard-protected by
// shield so it cannot be reclaimed out from under a dereference).
type osCursor[T cmp.Ordered] struct {
	guard  *hazard.Guard
	shield *hazard.Shield
	prev   seqlock.ReadGuard[osNode[T]]
	curr   *osNode[T]
}

// headCursor begins a traversal at the set's head.
func (s *OptimisticSet[T]) headCursor(guard *hazard.Guard) *osCursor[T] {
	sh := guard.Shield()
	rg := s.head.ReadLock()
	curr := rg.Load()
	if curr != nil {
		hazard.Set(sh, curr)
	}
	return &osCursor[T]{guard: guard, shield: sh, prev: rg, curr: curr}
}

// find advances the cursor to key's position. A non-nil error means a
// concurrent write raced with the traversal; the caller must discard
// this cursor and start over from headCursor.
func (c *osCursor[T]) find(key T) (bool, error) {
	for {
		b := c.curr
		if b == nil {
			if c.prev.Validate() {
				return false, nil
			}
			return false, ErrIterStale
		}
		switch {
		case b.data < key:
			rgInB := b.next.ReadLock()
			oldPrev := c.prev
			c.prev = rgInB
			newCurr, ok := protectOSNode[T](c.shield, rgInB)
			if !ok {
				return false, ErrIterStale
			}
			c.curr = newCurr
			if oldPrev.Finish() {
				continue
			}
			return false, ErrIterStale
		case key < b.data:
			if c.prev.Validate() {
				return false, nil
			}
			return false, ErrIterStale
		default:
			if c.prev.Validate() {
				return true, nil
			}
			return false, ErrIterStale
		}
	}
}

// find retries headCursor+find until it completes without a staleness
// error, returning the found flag and the still-open cursor.
func (s *OptimisticSet[T]) find(key T, guard *hazard.Guard) (bool, *osCursor[T]) {
	for {
		c := s.headCursor(guard)
		found, err := c.find(key)
		if err != nil {
			continue
		}
		return found, c
	}
}

// Contains reports whether key is in the set.
func (s *OptimisticSet[T]) Contains(key T, guard *hazard.Guard) bool {
	for {
		found, c := s.find(key, guard)
		if c.prev.Finish() {
			return found
		}
	}
}

// Insert adds key to the set, reporting false if it was already
// present.
func (s *OptimisticSet[T]) Insert(key T, guard *hazard.Guard) bool {
	for {
		found, c := s.find(key, guard)
		if found {
			if c.prev.Finish() {
				return false
			}
			continue
		}
		wg, ok := c.prev.Upgrade()
		if !ok {
			continue
		}
		node := newOSNode(key, wg.Load())
		wg.Store(node)
		wg.Unlock()
		return true
	}
}

// Remove deletes key from the set, reporting false if it was not
// present.
func (s *OptimisticSet[T]) Remove(key T, guard *hazard.Guard) bool {
	for {
		found, c := s.find(key, guard)
		if !found {
			if c.prev.Finish() {
				return false
			}
			continue
		}
		wg, ok := c.prev.Upgrade()
		if !ok {
			continue
		}
		b := c.curr
		wgInB := b.next.WriteLock()
		wg.Store(wgInB.Load())
		wgInB.Unlock()
		guard.Retire(unsafe.Pointer(b), func() {})
		wg.Unlock()
		return true
	}
}

// OSIterator visits a snapshot-ish walk over an OptimisticSet. Once
// Next returns a non-nil error the iterator is done: every subsequent
// call returns ok=false, nil, and the caller must call Iter again to
// restart.
type OSIterator[T cmp.Ordered] struct {
	cursor *osCursor[T]
	done   bool
}

// Iter begins a new iteration from the head of the set.
func (s *OptimisticSet[T]) Iter(guard *hazard.Guard) *OSIterator[T] {
	return &OSIterator[T]{cursor: s.headCursor(guard)}
}

// Next returns the next element in ascending order. ok is false when
// iteration has reached the end (err is nil) or detected a race (err
// is ErrIterStale).
func (it *OSIterator[T]) Next() (value T, ok bool, err error) {
	if it.done {
		return value, false, nil
	}
	c := it.cursor
	b := c.curr
	if b == nil {
		it.done = true
		if c.prev.Validate() {
			return value, false, nil
		}
		return value, false, ErrIterStale
	}

	rgInB := b.next.ReadLock()
	oldPrev := c.prev
	c.prev = rgInB
	if !oldPrev.Finish() {
		it.done = true
		return value, false, ErrIterStale
	}

	newCurr := c.prev.Load()
	if newCurr != nil {
		hazard.Set(c.shield, newCurr)
	} else {
		c.shield.Clear()
	}
	c.curr = newCurr
	return b.data, true, nil
}
