// Package hazard implements a hazard-pointer based safe memory
// reclamation (SMR) scheme: a grow-only bag of per-thread slots that
// lets readers publish the pointers they are currently dereferencing,
// and lets writers defer freeing a retired pointer until no slot still
// holds it.
//
// Slots are never freed once allocated; a slot is recycled by
// activating it rather than allocating a fresh one, so the number of
// slots in the bag is bounded by the peak number of concurrently live
// Shields.
package hazard

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// retireThreshold is the number of buffered retirements that triggers
// a hazard scan. Kept small for predictable test behavior; production
// tuning would raise it to amortize the scan cost.
const retireThreshold = 64

// Slot is one entry in the hazard bag: whether it is currently owned
// by a Shield, the pointer value (if any) that shield is protecting,
// and an immutable link to the next slot in the bag.
type Slot struct {
	active atomic.Bool
	hazard atomic.Uintptr
	next   *Slot
}

// Bag is a process-wide (or, for testability, explicitly constructed)
// multiset of hazard pointers. It is safe for concurrent use by any
// number of goroutines: every goroutine may allocate new slots, every
// goroutine may scan.
type Bag struct {
	head atomic.Pointer[Slot]

	mu      sync.Mutex
	retired []retiredItem
}

type retiredItem struct {
	ptr  uintptr
	free func()
}

// NewBag creates a new, empty hazard bag. Consumers of lock-free
// structures should construct one explicitly and share it rather than
// relying on a package-level singleton, so that tests can observe a
// structure's SMR behavior in isolation.
func NewBag() *Bag {
	return &Bag{}
}

// acquireSlot claims a slot in the bag, either by recycling an
// inactive one or by allocating and publishing a new one.
func (b *Bag) acquireSlot() *Slot {
	if s := b.tryAcquireInactive(); s != nil {
		return s
	}
	s := &Slot{}
	s.active.Store(true)
	for {
		head := b.head.Load()
		s.next = head
		if b.head.CompareAndSwap(head, s) {
			return s
		}
	}
}

// tryAcquireInactive walks the bag looking for a slot whose active bit
// it can flip from false to true.
func (b *Bag) tryAcquireInactive() *Slot {
	for s := b.head.Load(); s != nil; s = s.next {
		if s.active.CompareAndSwap(false, true) {
			return s
		}
	}
	return nil
}

// AcquireShield claims an inactive slot (or allocates a new one) and
// returns a Shield that owns it until Release is called.
func (b *Bag) AcquireShield() *Shield {
	return &Shield{bag: b, slot: b.acquireSlot()}
}

// allHazards returns the set of all machine-word hazards currently
// published by active slots.
func (b *Bag) allHazards() map[uintptr]struct{} {
	out := make(map[uintptr]struct{})
	for s := b.head.Load(); s != nil; s = s.next {
		if !s.active.Load() {
			continue
		}
		if h := s.hazard.Load(); h != 0 {
			out[h] = struct{}{}
		}
	}
	return out
}

// Retire defers the invocation of free until no active shield holds
// p. Implementations buffer retired pointers and scan them against a
// snapshot of the bag's hazards once the buffer grows past a
// threshold; pointers not found live are freed immediately, the rest
// are requeued for the next scan.
func (b *Bag) Retire(p unsafe.Pointer, free func()) {
	b.mu.Lock()
	b.retired = append(b.retired, retiredItem{uintptr(p), free})
	var batch []retiredItem
	if len(b.retired) >= retireThreshold {
		batch = b.retired
		b.retired = nil
	}
	b.mu.Unlock()

	if batch != nil {
		b.scan(batch)
	}
}

// scan frees every item in batch whose pointer is absent from the
// current hazard snapshot, and requeues the rest.
func (b *Bag) scan(batch []retiredItem) {
	live := b.allHazards()
	requeue := batch[:0:0]
	for _, it := range batch {
		if _, ok := live[it.ptr]; ok {
			requeue = append(requeue, it)
		} else {
			it.free()
		}
	}
	if len(requeue) > 0 {
		b.mu.Lock()
		b.retired = append(b.retired, requeue...)
		b.mu.Unlock()
	}
}

// Flush forces an immediate scan of any buffered retirements,
// regardless of retireThreshold. Useful in tests that want
// deterministic reclamation without waiting for the buffer to fill.
func (b *Bag) Flush() {
	b.mu.Lock()
	batch := b.retired
	b.retired = nil
	b.mu.Unlock()
	if len(batch) > 0 {
		b.scan(batch)
	}
}

// Shield represents the ownership of one hazard pointer slot. A
// Shield is not safe to share across goroutines: it is meant to be
// owned by the goroutine that acquired it for the duration of one SMR
// participation window.
type Shield struct {
	bag  *Bag
	slot *Slot
}

// set publishes p, as a raw word, into the owned slot.
func (s *Shield) set(p uintptr) {
	s.slot.hazard.Store(p)
}

// Clear publishes the null pointer into the shield's slot.
func (s *Shield) Clear() {
	s.set(0)
}

// Release clears the shield's hazard and deactivates its slot,
// returning it to the bag for recycling by a future AcquireShield.
func (s *Shield) Release() {
	s.Clear()
	s.slot.active.Store(false)
}

// Set publishes p into sh's slot. It is a free function, not a method,
// because Go methods cannot be generic.
func Set[T any](sh *Shield, p *T) {
	sh.set(uintptr(unsafe.Pointer(p)))
}

// Validate checks whether load() still yields p. If it does not, the
// newly observed value is returned alongside false.
func Validate[T any](p *T, load func() *T) (*T, bool) {
	cur := load()
	return cur, cur == p
}

// TryProtect publishes p into sh and then validates it against load().
// On failure the shield is cleared and the freshly observed pointer is
// returned so the caller can retry from there.
func TryProtect[T any](sh *Shield, p *T, load func() *T) (*T, bool) {
	Set(sh, p)
	cur, ok := Validate(p, load)
	if !ok {
		sh.Clear()
	}
	return cur, ok
}

// Protect repeatedly loads from load() and tries to protect the
// result until a published hazard is validated against a fresh load,
// then returns that pointer. The returned pointer is guaranteed to be
// either live or indistinguishable from a live pointer at some point
// after Protect was called.
func Protect[T any](sh *Shield, load func() *T) *T {
	p := load()
	for {
		cur, ok := TryProtect(sh, p, load)
		if ok {
			return p
		}
		p = cur
	}
}

// Guard represents one SMR participation window: a growable set of
// shields drawn from a single Bag, released together. Lock-free
// structures in this module take a *Guard wherever the spec calls for
// "a guard representing an active SMR participation window" — the
// hazard-pointer analogue of an epoch-based reclamation guard.
type Guard struct {
	bag     *Bag
	shields []*Shield
}

// Acquire begins a new SMR participation window against b.
func (b *Bag) Acquire() *Guard {
	return &Guard{bag: b}
}

// Shield hands out a fresh shield owned by this guard. All shields
// returned by a guard are released together when Release is called.
func (g *Guard) Shield() *Shield {
	sh := g.bag.AcquireShield()
	g.shields = append(g.shields, sh)
	return sh
}

// Retire defers reclamation of p through the guard's bag. See
// Bag.Retire.
func (g *Guard) Retire(p unsafe.Pointer, free func()) {
	g.bag.Retire(p, free)
}

// Release releases every shield this guard handed out, ending the SMR
// participation window.
func (g *Guard) Release() {
	for _, s := range g.shields {
		s.Release()
	}
	g.shields = nil
}
