// Package lockfree implements a Harris–Michael lock-free sorted
// singly-linked list: logical deletion via a mark bit combined with
// the successor pointer, physical unlinking via CAS, and
// hazard-pointer protected traversal so that a concurrent reader never
// dereferences a node a concurrent writer has freed.
package lockfree

import (
	"cmp"
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/dijkstracula/go-lockfree/hazard"
)

// ErrStale is returned when a cursor operation observes that the list
// changed underneath it; the caller must restart traversal from Head.
var ErrStale = errors.New("lockfree: cursor is stale, restart from head")

// ErrNotFound is returned by Delete when the cursor is not positioned
// on a live node.
var ErrNotFound = errors.New("lockfree: no node at cursor")

// nextState is the combined (successor pointer, logical-delete mark)
// word every node's "next" field and the list's head field hold. A
// mutation allocates a new nextState and CASes the field from the old
// value to the new one, giving pointer-and-tag swing atomicity without
// pointer-bit packing.
type nextState[K any, V any] struct {
	ptr    *Node[K, V]
	marked bool
}

// Node is one element of the list, sorted ascending by Key. Value is a
// pointer so that sentinel nodes (used by the split-ordered hash map's
// bucket directory) can represent "no value" as a nil Value while
// still participating in the same sorted order as regular nodes.
type Node[K any, V any] struct {
	Key   K
	Value *V
	next  atomic.Pointer[nextState[K, V]]
}

// NewNode allocates a detached node. It is not part of any list until
// passed to a Cursor's Insert.
func NewNode[K any, V any](key K, value *V) *Node[K, V] {
	n := &Node[K, V]{Key: key, Value: value}
	n.next.Store(&nextState[K, V]{})
	return n
}

// List is a lock-free sorted singly-linked list with Harris–Michael
// logical deletion.
type List[K cmp.Ordered, V any] struct {
	head atomic.Pointer[nextState[K, V]]
}

// New creates an empty list.
func New[K cmp.Ordered, V any]() *List[K, V] {
	l := &List[K, V]{}
	l.head.Store(&nextState[K, V]{})
	return l
}

// Cursor is positioned between a predecessor link (prevNext, either
// the list's head field or some node's next field) and the node that
// link currently points to (curr, possibly nil at the end of the
// list). A cursor owns two hazard shields for its lifetime: one
// protecting the node that owns prevNext (nil when prevNext is the
// list head, which is never reclaimed), and one protecting curr.
type Cursor[K cmp.Ordered, V any] struct {
	guard      *hazard.Guard
	prevShield *hazard.Shield
	currShield *hazard.Shield
	prevNext   *atomic.Pointer[nextState[K, V]]
	prevWrap   *nextState[K, V]
	curr       *Node[K, V]
}

// protectNext loads src, protects the node it currently points to via
// sh, and returns both the validated wrapper and node. The returned
// wrapper is always the exact value observed at src consistent with
// the returned node, suitable as the "old" argument to a subsequent
// CompareAndSwap on src.
func protectNext[K any, V any](sh *hazard.Shield, src *atomic.Pointer[nextState[K, V]]) (*nextState[K, V], *Node[K, V]) {
	wrap := src.Load()
	var p *Node[K, V]
	if wrap != nil {
		p = wrap.ptr
	}
	for {
		if p == nil {
			sh.Clear()
			return wrap, nil
		}
		hazard.Set(sh, p)
		wrap2 := src.Load()
		var p2 *Node[K, V]
		if wrap2 != nil {
			p2 = wrap2.ptr
		}
		if p2 == p {
			return wrap2, p
		}
		sh.Clear()
		wrap, p = wrap2, p2
	}
}

// Head returns a cursor positioned at the start of the list, owning
// shields drawn from guard.
func (l *List[K, V]) Head(guard *hazard.Guard) *Cursor[K, V] {
	currShield := guard.Shield()
	wrap, curr := protectNext[K, V](currShield, &l.head)
	return &Cursor[K, V]{
		guard:      guard,
		currShield: currShield,
		prevNext:   &l.head,
		prevWrap:   wrap,
		curr:       curr,
	}
}

// CursorFrom returns a cursor positioned at node, an already-known
// live node belonging to the list (such as a split-ordered hash map's
// cached bucket sentinel). node must never itself be deleted from the
// list: the returned cursor's predecessor link is node's own next
// field, which is only a valid predecessor slot for whatever node
// advances to become the cursor's successor, never for node
// physically going away.
func (l *List[K, V]) CursorFrom(guard *hazard.Guard, node *Node[K, V]) *Cursor[K, V] {
	currShield := guard.Shield()
	hazard.Set(currShield, node)
	return &Cursor[K, V]{
		guard:      guard,
		currShield: currShield,
		prevNext:   &node.next,
		prevWrap:   node.next.Load(),
		curr:       node,
	}
}

// Curr returns the node the cursor is currently positioned on, or nil
// if the cursor has run off the end of the list.
func (c *Cursor[K, V]) Curr() *Node[K, V] {
	return c.curr
}

// Find advances the cursor to the first node with key >= target,
// physically unlinking any logically-deleted nodes it passes along
// the way. It reports whether an exact match was found. A returned
// error of ErrStale means the list changed underneath the cursor; the
// caller must discard this cursor and restart from Head.
func (c *Cursor[K, V]) Find(key K) (bool, error) {
	for {
		if c.curr == nil {
			return false, nil
		}
		ns := c.curr.next.Load()
		if ns.marked {
			newWrap := &nextState[K, V]{ptr: ns.ptr}
			if !c.prevNext.CompareAndSwap(c.prevWrap, newWrap) {
				return false, ErrStale
			}
			deleted := c.curr
			c.guard.Retire(unsafe.Pointer(deleted), func() {})
			wrap, node := protectNext[K, V](c.currShield, c.prevNext)
			c.prevWrap, c.curr = wrap, node
			continue
		}
		switch {
		case c.curr.Key == key:
			return true, nil
		case key < c.curr.Key:
			return false, nil
		default:
			if c.prevShield == nil {
				c.prevShield = c.guard.Shield()
			}
			c.prevShield, c.currShield = c.currShield, c.prevShield
			c.prevNext = &c.curr.next
			wrap, node := protectNext[K, V](c.currShield, c.prevNext)
			c.prevWrap, c.curr = wrap, node
		}
	}
}

// Insert splices node in at the cursor's current position (so that it
// becomes the immediate successor of prevNext's owner and the
// immediate predecessor of curr), then advances the cursor to be
// positioned at node itself. It fails with ErrStale if the list
// changed underneath the cursor; the caller must re-Find and retry.
func (c *Cursor[K, V]) Insert(node *Node[K, V]) error {
	node.next.Store(&nextState[K, V]{ptr: c.curr})
	newWrap := &nextState[K, V]{ptr: node}
	if !c.prevNext.CompareAndSwap(c.prevWrap, newWrap) {
		return ErrStale
	}
	c.prevWrap = newWrap
	hazard.Set(c.currShield, node)
	c.curr = node
	return nil
}

// Delete logically removes curr (CAS its mark bit), then opportunistically
// attempts the physical unlink. When Delete returns a nil error the
// logical removal has taken effect; a failed physical unlink just
// means a later Find will clean curr up. Returns the deleted value.
// It returns ErrNotFound, without marking anything, if there is no
// curr or curr is already marked, and ErrStale if the mark CAS lost a
// race.
func (c *Cursor[K, V]) Delete() (*V, error) {
	if c.curr == nil {
		return nil, ErrNotFound
	}
	ns := c.curr.next.Load()
	if ns.marked {
		return nil, ErrNotFound
	}
	markedWrap := &nextState[K, V]{ptr: ns.ptr, marked: true}
	if !c.curr.next.CompareAndSwap(ns, markedWrap) {
		return nil, ErrStale
	}
	value := c.curr.Value

	unlinkWrap := &nextState[K, V]{ptr: ns.ptr}
	if c.prevNext.CompareAndSwap(c.prevWrap, unlinkWrap) {
		deleted := c.curr
		c.guard.Retire(unsafe.Pointer(deleted), func() {})
		c.prevWrap = unlinkWrap
		c.curr = ns.ptr
	}
	return value, nil
}

// Lookup returns the value at the cursor's current position, or
// ok=false if the cursor is off the end of the list or curr has since
// been logically deleted.
func (c *Cursor[K, V]) Lookup() (value *V, ok bool) {
	if c.curr == nil {
		return nil, false
	}
	if c.curr.next.Load().marked {
		return nil, false
	}
	return c.curr.Value, true
}
