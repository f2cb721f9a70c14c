package reach

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// objectTable is the indexed object table: a chunked, append-only array of
// slot items with a free list for recycled indices.
//
// The chunk index is published atomically, so readers need no lock once a
// slot index is out; writers briefly serialize on growth and free-list
// churn under mu.
type objectTable struct {
	mu sync.Mutex

	// chunks is the published chunk index. Grown under mu, loaded
	// lock-free.
	chunks atomic.Pointer[[]*slotChunk]

	// numElements is one past the highest GC-partition index ever
	// allocated. Starts at firstGCIndex.
	numElements atomic.Int32

	maxObjects   int32
	firstGCIndex int32

	// Permanent (disregard-for-GC) partition state, all under mu.
	permNext int32
	permOpen bool

	// freeList holds recyclable indices in [firstGCIndex, numElements).
	freeList []SlotIndex
}

type slotChunk [slotChunkSize]slotItem

func newObjectTable(maxObjects, maxPermanent int32) *objectTable {
	t := &objectTable{
		maxObjects:   maxObjects,
		firstGCIndex: maxPermanent,
		permOpen:     maxPermanent > 0,
	}

	t.numElements.Store(maxPermanent)

	chunks := make([]*slotChunk, 0, 4)
	t.chunks.Store(&chunks)

	return t
}

// slot returns the slot item at idx. idx must be a published index.
func (t *objectTable) slot(idx SlotIndex) *slotItem {
	chunks := *t.chunks.Load()
	return &chunks[int(idx)/slotChunkSize][int(idx)%slotChunkSize]
}

// inRange reports whether idx refers to a published slot.
func (t *objectTable) inRange(idx SlotIndex) bool {
	if idx < 0 || int32(idx) >= t.numElements.Load() {
		return false
	}

	// Permanent indices beyond what was actually handed out are not live.
	if int32(idx) < t.firstGCIndex {
		t.mu.Lock()
		ok := int32(idx) < t.permNext
		t.mu.Unlock()

		return ok
	}

	return true
}

// ensureChunk grows the chunk index to cover idx. Caller holds mu.
func (t *objectTable) ensureChunk(idx int32) {
	need := int(idx)/slotChunkSize + 1

	chunks := *t.chunks.Load()
	if len(chunks) >= need {
		return
	}

	grown := make([]*slotChunk, need)
	copy(grown, chunks)

	for i := len(chunks); i < need; i++ {
		grown[i] = new(slotChunk)
	}

	t.chunks.Store(&grown)
}

// allocate assigns a slot to obj: from the free list, or by appending.
// appendOnly skips the free list; merge paths use it to avoid racing with
// free-list churn. Permanent-partition allocation takes priority while the
// partition is open.
func (t *objectTable) allocate(obj *Object, appendOnly bool) (SlotIndex, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.permOpen && t.permNext < t.firstGCIndex {
		idx := t.permNext
		t.permNext++

		t.ensureChunk(idx)

		item := t.slot(SlotIndex(idx))
		item.object.Store(obj)
		// Permanent slots hold Reachable forever and are never swept.
		item.flags.Store(flagReachable)
		obj.slot = SlotIndex(idx)

		return SlotIndex(idx), nil
	}

	if !appendOnly && len(t.freeList) > 0 {
		idx := t.freeList[len(t.freeList)-1]
		t.freeList = t.freeList[:len(t.freeList)-1]

		item := t.slot(idx)
		item.object.Store(obj)
		obj.slot = idx

		return idx, nil
	}

	idx := t.numElements.Load()
	if idx >= t.maxObjects {
		return InvalidSlot, fmt.Errorf("%w: ceiling %d", ErrCapacityExceeded, t.maxObjects)
	}

	t.ensureChunk(idx)

	item := t.slot(SlotIndex(idx))
	item.object.Store(obj)
	obj.slot = SlotIndex(idx)

	// Publish the index only after the item is initialized.
	t.numElements.Store(idx + 1)

	return SlotIndex(idx), nil
}

// free clears the slot item and recycles the index. Weak invalidation and
// listener notification happen in the collector's freeSlot wrapper; this is
// only the table-side bookkeeping.
func (t *objectTable) free(idx SlotIndex) error {
	if int32(idx) < t.firstGCIndex {
		return fmt.Errorf("%w: slot %d is permanent", ErrInvalidSlot, idx)
	}

	if !t.inRange(idx) {
		return fmt.Errorf("%w: slot %d", ErrInvalidSlot, idx)
	}

	item := t.slot(idx)
	if item.object.Load() == nil {
		return fmt.Errorf("%w: slot %d already free", ErrInvalidSlot, idx)
	}

	item.reset()

	t.mu.Lock()
	t.freeList = append(t.freeList, idx)
	t.mu.Unlock()

	return nil
}

// closePermanentPartition freezes the disregard-for-GC window. One-way per
// open; openForAdditions can reopen it while partition space remains.
func (t *objectTable) closePermanentPartition() {
	t.mu.Lock()
	t.permOpen = false
	t.mu.Unlock()
}

// openForAdditions reopens the permanent partition. Legal only while space
// remains below firstGCIndex.
func (t *objectTable) openForAdditions() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.permNext >= t.firstGCIndex {
		return fmt.Errorf("%w: permanent partition exhausted (%d slots)", ErrBoundaryViolation, t.firstGCIndex)
	}

	t.permOpen = true

	return nil
}

// numFree returns the free-list length.
func (t *objectTable) numFree() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.freeList)
}

// numPermanent returns the number of permanent slots handed out.
func (t *objectTable) numPermanent() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.permNext
}
