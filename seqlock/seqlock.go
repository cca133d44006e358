// Package seqlock implements a sequence lock (SeqLock): an optimistic
// read/write lock in which readers never block writers; a reader only
// waits (ReadLock spins) while a writer is mid-update, and never for
// another reader. A reader snapshots a sequence counter, reads
// the payload, then re-checks the counter; if it changed (a writer
// intervened, or the counter was odd meaning a writer was already
// mid-update), the read must be discarded and retried by the caller.
//
// The payload is stored behind an atomic.Pointer so that the "read"
// itself is never a torn access — only the validity of the pointer
// value observed during the read window is optimistic, matching the
// original source's SeqLock<Atomic<Node<T>>> cells.
package seqlock

import (
	"sync"
	"sync/atomic"
)

// SeqLock guards a pointer-typed payload with a sequence counter. An
// even counter means the payload is quiescent; an odd counter means a
// writer currently holds the lock.
type SeqLock[T any] struct {
	seq     atomic.Uint64
	payload atomic.Pointer[T]

	// writerMu serializes writers (and upgraders) against one another;
	// it is never held across a reader's read-validate cycle.
	writerMu sync.Mutex
}

// New creates a SeqLock initialized with the given payload pointer.
func New[T any](payload *T) *SeqLock[T] {
	l := &SeqLock[T]{}
	l.payload.Store(payload)
	return l
}

// ReadGuard is a snapshot-in-progress read: the sequence number
// observed at the start of the read, used to Validate once the caller
// is done reading the payload.
type ReadGuard[T any] struct {
	lock      *SeqLock[T]
	seqAtRead uint64
}

// ReadLock begins an optimistic read, spinning until no writer is
// mid-update.
func (l *SeqLock[T]) ReadLock() ReadGuard[T] {
	for {
		s := l.seq.Load()
		if s%2 == 0 {
			return ReadGuard[T]{lock: l, seqAtRead: s}
		}
	}
}

// Load returns the payload pointer as observed during the read
// window. The caller must call Validate (or Finish) before trusting
// that the node this pointer refers to is the one the data structure
// still considers current.
func (g *ReadGuard[T]) Load() *T {
	return g.lock.payload.Load()
}

// Validate reports whether the sequence counter is unchanged since
// ReadLock, i.e. whether no writer intervened during the read.
func (g *ReadGuard[T]) Validate() bool {
	return g.lock.seq.Load() == g.seqAtRead
}

// Finish is an alias for Validate, used at the end of a traversal hop
// where the reader only needs a final yes/no answer and does not
// intend to Upgrade.
func (g *ReadGuard[T]) Finish() bool {
	return g.Validate()
}

// Upgrade attempts to convert a read guard into a write guard. It
// fails (ok=false) rather than blocking if another writer is already
// upgrading or if a writer intervened since ReadLock — this preserves
// progress for the read side: a reader that wants to write retries the
// whole operation instead of waiting.
func (g *ReadGuard[T]) Upgrade() (wg WriteGuard[T], ok bool) {
	if !g.lock.writerMu.TryLock() {
		return WriteGuard[T]{}, false
	}
	if g.lock.seq.Load() != g.seqAtRead {
		g.lock.writerMu.Unlock()
		return WriteGuard[T]{}, false
	}
	g.lock.seq.Add(1) // now odd: writer in progress
	return WriteGuard[T]{lock: g.lock}, true
}

// WriteGuard grants exclusive write access to the payload pointer.
// The zero value is not usable; obtain one via WriteLock or Upgrade.
type WriteGuard[T any] struct {
	lock *SeqLock[T]
}

// WriteLock acquires exclusive write access, blocking until any
// concurrent writer finishes.
func (l *SeqLock[T]) WriteLock() WriteGuard[T] {
	l.writerMu.Lock()
	l.seq.Add(1) // now odd: writer in progress
	return WriteGuard[T]{lock: l}
}

// Load returns the current payload pointer under exclusive access.
func (g *WriteGuard[T]) Load() *T {
	return g.lock.payload.Load()
}

// Store replaces the payload pointer under exclusive access. The
// update is not visible to readers until Unlock publishes the new,
// even sequence number.
func (g *WriteGuard[T]) Store(p *T) {
	g.lock.payload.Store(p)
}

// Unlock publishes the write and releases exclusive access.
func (g *WriteGuard[T]) Unlock() {
	g.lock.seq.Add(1) // now even again: quiescent
	g.lock.writerMu.Unlock()
}
