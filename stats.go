package reach

import "time"

// CycleStats describes one completed (or aborted) collection cycle.
type CycleStats struct {
	// Parallel reports whether work-stealing marking ran.
	Parallel bool

	// ObjectsVisited is the number of frontier objects traced.
	ObjectsVisited int64

	// ReferencesDispatched counts references handed to the reference
	// processor, including those it filtered out.
	ReferencesDispatched int64

	// ClustersMarked counts cluster short-circuits taken during marking.
	ClustersMarked int64

	// ClustersDissolved counts clusters broken apart before marking.
	ClustersDissolved int

	// SlotsSwept is the number of unreachable slots freed.
	SlotsSwept int

	// WeakRefsCleared is the number of recorded weak handles nulled after
	// the sweep.
	WeakRefsCleared int

	// FullPurge reports whether the cycle ran the harsher sweep path.
	FullPurge bool

	MarkDuration  time.Duration
	SweepDuration time.Duration
}

// Stats is a point-in-time snapshot of the collector.
type Stats struct {
	// NumSlots is the published slot count, permanent partition included.
	NumSlots int32

	// NumLive is the number of occupied slots.
	NumLive int

	// NumFree is the length of the recycled-index free list.
	NumFree int

	// NumPermanent is the number of occupied permanent slots.
	NumPermanent int32

	// Cycles is the number of completed collection cycles.
	Cycles int64

	Pool PoolStats

	// ArenaReserved and ArenaAllocated are arena bytes mapped and bytes in
	// live blocks.
	ArenaReserved  int64
	ArenaAllocated int64

	// LastCycle is a copy of the most recent completed cycle's stats.
	LastCycle CycleStats
}

// Stats walks the table and assembles a snapshot. Intended for diagnostics
// and tooling; the live count is an O(slots) scan.
func (c *Collector) Stats() Stats {
	s := Stats{
		NumSlots:     c.table.numElements.Load(),
		NumFree:      c.table.numFree(),
		NumPermanent: c.table.numPermanent(),
		Cycles:       c.cycles.Load(),
		Pool:         c.pool.dumpStats(),
	}

	s.ArenaReserved, s.ArenaAllocated = c.arena.stats()

	// Chunks between the handed-out permanent slots and the GC partition
	// may not exist yet, so scan the two occupied ranges separately.
	for i := int32(0); i < s.NumPermanent; i++ {
		if c.table.slot(SlotIndex(i)).object.Load() != nil {
			s.NumLive++
		}
	}

	for i := c.table.firstGCIndex; i < s.NumSlots; i++ {
		if c.table.slot(SlotIndex(i)).object.Load() != nil {
			s.NumLive++
		}
	}

	c.cycleMu.Lock()
	s.LastCycle = c.lastCycle
	c.cycleMu.Unlock()

	return s
}
