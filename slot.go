package reach

import "sync/atomic"

// Slot flag bits. Mutated atomically; Reachable transitions during a mark
// cycle go through tryMarkReachable so exactly one thread observes the flip.
const (
	flagReachable uint32 = 1 << iota
	flagUnreachable
	flagPendingKill
	flagRootSet
	flagNative // protected from GC; never swept
)

// slotItem is one entry of the indexed object table. Fixed size, aligned
// for atomic access.
//
// Invariants: a slot with a nil object has zero flags, zero cluster tag and
// zero serial. The object pointer is write-once per allocation and read-only
// during mark and sweep.
type slotItem struct {
	object atomic.Pointer[Object]

	// flags is the packed lifecycle bitset.
	flags atomic.Uint32

	// cluster is the cluster tag: >0 the owning cluster root's slot index,
	// <0 the negated (1-based) cluster descriptor index of a root, 0
	// unclustered.
	cluster atomic.Int32

	// serial is the weak-reference epoch token; monotone while the slot is
	// live, reset to zero on free.
	serial atomic.Int32
}

func (s *slotItem) hasAny(f uint32) bool {
	return s.flags.Load()&f != 0
}

func (s *slotItem) setFlags(f uint32) {
	for {
		old := s.flags.Load()
		if old&f == f || s.flags.CompareAndSwap(old, old|f) {
			return
		}
	}
}

func (s *slotItem) clearFlags(f uint32) {
	for {
		old := s.flags.Load()
		if old&f == 0 || s.flags.CompareAndSwap(old, old&^f) {
			return
		}
	}
}

// tryMarkReachable sets the Reachable bit and reports whether this caller
// was the one that flipped it. Only the flipper may enqueue the object;
// that is what keeps parallel marking free of double-enqueues without a
// per-object lock.
func (s *slotItem) tryMarkReachable() bool {
	for {
		old := s.flags.Load()
		if old&flagReachable != 0 {
			return false
		}

		if s.flags.CompareAndSwap(old, old|flagReachable) {
			return true
		}
	}
}

// reset returns the slot to its free state.
func (s *slotItem) reset() {
	s.object.Store(nil)
	s.flags.Store(0)
	s.cluster.Store(0)
	s.serial.Store(0)
}
