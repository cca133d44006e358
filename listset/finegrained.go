// Package listset implements two concurrent sorted-set list
// implementations that trade off differently between blocking and
// optimism: FineGrainedSet uses hand-over-hand mutex locking
// (lock coupling), and OptimisticSet uses seqlock-validated lock-free
// traversal with hazard-pointer-deferred reclamation.
package listset

import (
	"cmp"
	"sync"
)

// fgNode is one element of a FineGrainedSet. Its own mutex protects
// next, so that a traverser must acquire a node's lock before
// dereferencing its successor link — "lock coupling": a thread always
// holds two adjacent locks (the one it is leaving and the one it is
// entering) for the instant it takes to move forward.
type fgNode[T any] struct {
	data T
	mu   sync.Mutex
	next *fgNode[T]
}

// fgCell is a mutex-guarded slot holding a *fgNode[T]: either the
// set's head field or some node's next field. Lock coupling walks the
// list by moving from one cell to the next, locking the next cell
// before unlocking the current one, so at least one and at most two
// adjacent cells are locked at any time.
type fgCell[T any] interface {
	lock()
	unlock()
	load() *fgNode[T]
	store(*fgNode[T])
}

// FineGrainedSet is a concurrent sorted set of T using fine-grained
// lock coupling.
type FineGrainedSet[T cmp.Ordered] struct {
	mu   sync.Mutex
	head *fgNode[T]
}

func (s *FineGrainedSet[T]) lock()               { s.mu.Lock() }
func (s *FineGrainedSet[T]) unlock()              { s.mu.Unlock() }
func (s *FineGrainedSet[T]) load() *fgNode[T]     { return s.head }
func (s *FineGrainedSet[T]) store(n *fgNode[T])   { s.head = n }

func (n *fgNode[T]) lock()             { n.mu.Lock() }
func (n *fgNode[T]) unlock()           { n.mu.Unlock() }
func (n *fgNode[T]) load() *fgNode[T]  { return n.next }
func (n *fgNode[T]) store(m *fgNode[T]) { n.next = m }

// NewFineGrainedSet creates an empty set.
func NewFineGrainedSet[T cmp.Ordered]() *FineGrainedSet[T] {
	return &FineGrainedSet[T]{}
}

// fgCursor holds the currently-locked cell preceding the position
// being examined.
type fgCursor[T cmp.Ordered] struct {
	prev fgCell[T]
}

// find walks forward from the cursor's current cell until it reaches
// a node whose data is >= key, locking each node it enters before
// unlocking the one it leaves. Reports whether key was found exactly.
func (c *fgCursor[T]) find(key T) bool {
	for {
		curr := c.prev.load()
		if curr == nil {
			return false
		}
		if key < curr.data {
			return false
		}
		if curr.data < key {
			curr.lock()
			c.prev.unlock()
			c.prev = curr
			continue
		}
		return true
	}
}

// find locks the head cell and walks to key's position, returning the
// still-locked cursor alongside whether key was found. The caller
// must unlock the cursor (directly, or via Contains/Insert/Remove).
func (s *FineGrainedSet[T]) find(key T) (bool, *fgCursor[T]) {
	s.lock()
	c := &fgCursor[T]{prev: s}
	return c.find(key), c
}

// Contains reports whether key is in the set.
func (s *FineGrainedSet[T]) Contains(key T) bool {
	found, c := s.find(key)
	c.prev.unlock()
	return found
}

// Insert adds key to the set, reporting false if it was already
// present.
func (s *FineGrainedSet[T]) Insert(key T) bool {
	found, c := s.find(key)
	defer c.prev.unlock()
	if found {
		return false
	}
	c.prev.store(&fgNode[T]{data: key, next: c.prev.load()})
	return true
}

// Remove deletes key from the set, reporting false if it was not
// present.
func (s *FineGrainedSet[T]) Remove(key T) bool {
	found, c := s.find(key)
	defer c.prev.unlock()
	if !found {
		return false
	}
	nodeFound := c.prev.load()
	nodeFound.lock()
	c.prev.store(nodeFound.next)
	nodeFound.unlock()
	return true
}

// Iter walks every element in ascending order, calling yield for
// each. Iteration stops early if yield returns false. The walk uses
// the same lock-coupling discipline as find: it locks the next node
// before unlocking the current cell, so it holds one lock, or two
// adjacent ones while moving forward.
func (s *FineGrainedSet[T]) Iter(yield func(T) bool) {
	var cell fgCell[T] = s
	cell.lock()
	for {
		curr := cell.load()
		if curr == nil {
			cell.unlock()
			return
		}
		if !yield(curr.data) {
			cell.unlock()
			return
		}
		curr.lock()
		cell.unlock()
		cell = curr
	}
}
