package reach

// markProcessor is the mark-and-sweep reference policy: flip the target's
// Reachable bit (enqueueing on the winning flip), short-circuit clustered
// targets, and null references to pending-kill targets in place when the
// token allows elimination.
type markProcessor struct{}

func (markProcessor) HandleReference(tc *TraceContext, referrer *Object, ref **Object, tokenIndex int32, allowElimination bool) bool {
	target := *ref
	if target == nil {
		return false
	}

	c := tc.c

	slot := target.slot
	if slot == InvalidSlot || !c.table.inRange(slot) {
		return false
	}

	item := c.table.slot(slot)
	if item.object.Load() != target {
		return false
	}

	if allowElimination && item.hasAny(flagPendingKill) {
		*ref = nil
		return true
	}

	if tag := item.cluster.Load(); tag != 0 {
		if markClusterFor(tc, slot, tag) {
			return false
		}
		// Inconsistent tag: treat the target as unclustered.
	}

	if item.tryMarkReachable() {
		tc.Enqueue(target)
	}

	return false
}

// markClusterFor marks the whole cluster a slot belongs to, in one step:
// the root and every member get Reachable, mutable objects are enqueued for
// normal tracing, and referenced clusters mark transitively. Reports false
// if the tag does not resolve to a cluster root; the caller then falls back
// to plain marking.
func markClusterFor(tc *TraceContext, slot SlotIndex, tag int32) bool {
	c := tc.c

	rootIdx := slot
	if tag > 0 {
		rootIdx = SlotIndex(tag)

		if !c.table.inRange(rootIdx) {
			c.diag("reach: %v: slot %d tagged with root %d out of range", ErrClusterInconsistency, slot, rootIdx)
			return false
		}
	}

	rootTagVal := c.table.slot(rootIdx).cluster.Load()
	if rootTagVal >= 0 {
		c.diag("reach: %v: slot %d names root %d which is not a cluster root", ErrClusterInconsistency, slot, rootIdx)
		return false
	}

	// Cluster records are read-only during mark; the root CAS below is the
	// only synchronization needed between racing markers.
	work := []ClusterID{clusterIDFromTag(rootTagVal)}

	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]

		cl := c.clusters.get(id)
		if cl == nil {
			continue
		}

		rootItem := c.table.slot(cl.root)
		if !rootItem.tryMarkReachable() {
			continue
		}

		tc.clustersMarked++

		for _, m := range cl.members {
			if c.table.inRange(m) {
				c.table.slot(m).setFlags(flagReachable)
			}
		}

		for _, mo := range cl.mutableObjects {
			if !c.table.inRange(mo) {
				continue
			}

			moItem := c.table.slot(mo)

			obj := moItem.object.Load()
			if obj != nil && moItem.tryMarkReachable() {
				tc.Enqueue(obj)
			}
		}

		work = append(work, cl.referencedClusters...)
	}

	return true
}

// ReferenceCollector is a non-mutating processor that accumulates every
// reference the tracer dispatches; tooling uses it to inspect an object's
// outbound references without running a GC cycle.
type ReferenceCollector struct {
	// Refs holds the non-nil targets in dispatch order.
	Refs []*Object

	// Dispatches counts every dispatch, nil targets included.
	Dispatches int
}

func (rc *ReferenceCollector) HandleReference(_ *TraceContext, _ *Object, ref **Object, _ int32, _ bool) bool {
	rc.Dispatches++

	if *ref != nil {
		rc.Refs = append(rc.Refs, *ref)
	}

	return false
}

// CollectReferences runs a single object's token stream through proc
// without chasing the frontier: only the object's direct references are
// dispatched. The object's class stream is assembled on demand.
func (c *Collector) CollectReferences(o *Object, proc ReferenceProcessor) error {
	if c.closed.Load() {
		return ErrShutdown
	}

	tc := &TraceContext{
		c:            c,
		proc:         proc,
		next:         c.pool.acquire(),
		autoAssemble: true,
		processNoop:  c.cfg.ProcessNoOpTokens,
		processWeak:  c.cfg.ProcessWeakReferences,
	}

	err := tc.traceObject(o)

	c.pool.release(tc.next)

	return err
}
