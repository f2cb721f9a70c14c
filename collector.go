package reach

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// Collector is the managed-object garbage collector: the indexed object
// table, the weak-reference epoch, the frontier pool, the cluster manager
// and the tracer, behind one handle.
//
// Registration and weak resolution are safe for concurrent use outside a
// collection cycle. Collect itself is stop-the-world: the caller guarantees
// no managed object is registered, unregistered or mutated while it runs.
type Collector struct {
	cfg Config

	table     *objectTable
	epoch     *weakEpoch
	pool      *frontierPool
	clusters  *clusterManager
	listeners *listenerRegistry
	arena     *arena

	diag func(format string, args ...any)

	closed atomic.Bool

	// cycleMu serializes collection cycles.
	cycleMu sync.Mutex
	cycles  atomic.Int64

	// rootsMu guards the explicit root and native seed sets. The RootSet
	// and Native slot flags mirror membership.
	rootsMu sync.Mutex
	rootSet map[SlotIndex]struct{}
	natives map[SlotIndex]struct{}

	lastCycle CycleStats
}

// New builds a collector from cfg. The configuration is validated and
// normalized (zero worker count becomes GOMAXPROCS, zero tunables get
// defaults).
func New(cfg Config) (*Collector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Collector{
		cfg:     cfg,
		table:   newObjectTable(cfg.MaxObjects, cfg.MaxPermanentObjects),
		epoch:   newWeakEpoch(),
		pool:    newFrontierPool(cfg.PoolDecayDenominator),
		arena:   newArena(),
		rootSet: make(map[SlotIndex]struct{}),
		natives: make(map[SlotIndex]struct{}),
		diag:    log.Printf,
	}

	c.clusters = newClusterManager(c.table)
	c.listeners = newListenerRegistry(func(format string, args ...any) {
		c.diag(format, args...)
	})

	return c, nil
}

// SetDiagnostics installs the sink for listener faults and cluster
// inconsistency reports. The default is log.Printf.
func (c *Collector) SetDiagnostics(fn func(format string, args ...any)) {
	if fn != nil {
		c.diag = fn
	}
}

// Shutdown tears the collector down and unmaps all object memory. Every
// *Object obtained from this collector becomes invalid. Call only after all
// managed objects are destroyed or abandoned.
func (c *Collector) Shutdown() {
	if c.closed.Swap(true) {
		return
	}

	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	c.arena.shutdown()
}

// Config returns the collector's normalized configuration.
func (c *Collector) Config() Config {
	return c.cfg
}

// AllocObject allocates zeroed object memory for class from the arena
// without registering it. Pair with [Collector.RegisterObject].
func (c *Collector) AllocObject(class *Class) (*Object, error) {
	if c.closed.Load() {
		return nil, ErrShutdown
	}

	block, err := c.arena.alloc(objectHeaderSize + class.size)
	if err != nil {
		return nil, err
	}

	obj := (*Object)(block)
	obj.class = class
	obj.slot = InvalidSlot

	return obj, nil
}

// RegisterObject assigns a table slot to an allocated object and notifies
// create listeners.
func (c *Collector) RegisterObject(obj *Object) (SlotIndex, error) {
	return c.registerObject(obj, false)
}

// RegisterObjectAppendOnly registers without consulting the free list; the
// merge path for objects constructed off the main thread, which must not
// race with free-list churn.
func (c *Collector) RegisterObjectAppendOnly(obj *Object) (SlotIndex, error) {
	return c.registerObject(obj, true)
}

func (c *Collector) registerObject(obj *Object, appendOnly bool) (SlotIndex, error) {
	if c.closed.Load() {
		return InvalidSlot, ErrShutdown
	}

	if obj.slot != InvalidSlot {
		return InvalidSlot, fmt.Errorf("%w: object already registered in slot %d", ErrInvalidSlot, obj.slot)
	}

	idx, err := c.table.allocate(obj, appendOnly)
	if err != nil {
		return InvalidSlot, err
	}

	c.listeners.notifyCreated(obj, idx)

	return idx, nil
}

// NewObject allocates and registers an instance of class in one step.
func (c *Collector) NewObject(class *Class) (*Object, error) {
	obj, err := c.AllocObject(class)
	if err != nil {
		return nil, err
	}

	if _, err := c.RegisterObject(obj); err != nil {
		c.arena.free(unsafe.Pointer(obj), objectHeaderSize+class.size)
		return nil, err
	}

	return obj, nil
}

// UnregisterObject destroys the object in slot idx: delete listeners fire,
// outstanding weak references are invalidated, the slot index is recycled
// and the object memory returns to the arena.
func (c *Collector) UnregisterObject(idx SlotIndex) error {
	if c.closed.Load() {
		return ErrShutdown
	}

	if !c.table.inRange(idx) {
		return fmt.Errorf("%w: slot %d", ErrInvalidSlot, idx)
	}

	obj := c.table.slot(idx).object.Load()
	if obj == nil {
		return fmt.Errorf("%w: slot %d is free", ErrInvalidSlot, idx)
	}

	return c.freeSlot(obj, idx)
}

// freeSlot is the teardown path for a live slot destroyed outside a sweep:
// notify delete listeners, invalidate weak serials, then release the slot.
// The sweep runs the same steps itself so it can interleave the class
// finalizer between invalidation and release.
func (c *Collector) freeSlot(obj *Object, idx SlotIndex) error {
	c.listeners.notifyDeleted(obj, idx)
	c.epoch.invalidate(c.table.slot(idx))

	return c.releaseSlot(obj, idx)
}

// releaseSlot releases a rooted cluster record, clears the item, recycles
// the index and returns the memory. Listener notification and weak
// invalidation are the caller's responsibility.
func (c *Collector) releaseSlot(obj *Object, idx SlotIndex) error {
	item := c.table.slot(idx)

	if tag := item.cluster.Load(); tag < 0 {
		_ = c.clusters.release(clusterIDFromTag(tag))
	}

	if err := c.table.free(idx); err != nil {
		return err
	}

	c.rootsMu.Lock()
	delete(c.rootSet, idx)
	delete(c.natives, idx)
	c.rootsMu.Unlock()

	c.arena.free(unsafe.Pointer(obj), objectHeaderSize+obj.class.size)

	return nil
}

// ObjectAt returns the object registered in slot idx, or nil.
func (c *Collector) ObjectAt(idx SlotIndex) *Object {
	if c.closed.Load() || !c.table.inRange(idx) {
		return nil
	}

	return c.table.slot(idx).object.Load()
}

// SlotForObject returns the object's slot index; constant time via the
// object's embedded index.
func (c *Collector) SlotForObject(o *Object) SlotIndex {
	if o == nil {
		return InvalidSlot
	}

	return o.slot
}

// IsValid tests the slot's lifecycle predicates: published, occupied, not
// unreachable, and (unless includePendingKill) not pending kill.
func (c *Collector) IsValid(idx SlotIndex, includePendingKill bool) bool {
	if c.closed.Load() || !c.table.inRange(idx) {
		return false
	}

	item := c.table.slot(idx)
	if item.object.Load() == nil || item.hasAny(flagUnreachable) {
		return false
	}

	return includePendingKill || !item.hasAny(flagPendingKill)
}

// MarkPendingKill condemns the slot. Clusters that would keep it alive are
// flagged for dissolution before the next mark.
func (c *Collector) MarkPendingKill(idx SlotIndex) error {
	if c.closed.Load() {
		return ErrShutdown
	}

	if !c.table.inRange(idx) || c.table.slot(idx).object.Load() == nil {
		return fmt.Errorf("%w: slot %d", ErrInvalidSlot, idx)
	}

	c.table.slot(idx).setFlags(flagPendingKill)
	c.clusters.flagForPendingKill(idx)

	return nil
}

// ClearPendingKill lifts the condemnation.
func (c *Collector) ClearPendingKill(idx SlotIndex) error {
	if c.closed.Load() {
		return ErrShutdown
	}

	if !c.table.inRange(idx) || c.table.slot(idx).object.Load() == nil {
		return fmt.Errorf("%w: slot %d", ErrInvalidSlot, idx)
	}

	c.table.slot(idx).clearFlags(flagPendingKill)

	return nil
}

// AddToRoot adds the slot to the implicit seed set of every cycle.
func (c *Collector) AddToRoot(idx SlotIndex) error {
	if c.closed.Load() {
		return ErrShutdown
	}

	if !c.table.inRange(idx) || c.table.slot(idx).object.Load() == nil {
		return fmt.Errorf("%w: slot %d", ErrInvalidSlot, idx)
	}

	c.table.slot(idx).setFlags(flagRootSet)

	c.rootsMu.Lock()
	c.rootSet[idx] = struct{}{}
	c.rootsMu.Unlock()

	return nil
}

// RemoveFromRoot removes the slot from the implicit seed set.
func (c *Collector) RemoveFromRoot(idx SlotIndex) error {
	if c.closed.Load() {
		return ErrShutdown
	}

	if !c.table.inRange(idx) {
		return fmt.Errorf("%w: slot %d", ErrInvalidSlot, idx)
	}

	c.table.slot(idx).clearFlags(flagRootSet)

	c.rootsMu.Lock()
	delete(c.rootSet, idx)
	c.rootsMu.Unlock()

	return nil
}

// SetNativeProtected marks the slot as native: protected from sweeping and
// traced as an implicit root while protected.
func (c *Collector) SetNativeProtected(idx SlotIndex, protected bool) error {
	if c.closed.Load() {
		return ErrShutdown
	}

	if !c.table.inRange(idx) || c.table.slot(idx).object.Load() == nil {
		return fmt.Errorf("%w: slot %d", ErrInvalidSlot, idx)
	}

	item := c.table.slot(idx)

	c.rootsMu.Lock()
	defer c.rootsMu.Unlock()

	if protected {
		item.setFlags(flagNative)
		c.natives[idx] = struct{}{}
	} else {
		item.clearFlags(flagNative)
		delete(c.natives, idx)
	}

	return nil
}

// AllocateCluster creates a cluster rooted at root.
func (c *Collector) AllocateCluster(root SlotIndex) (ClusterID, error) {
	if c.closed.Load() {
		return 0, ErrShutdown
	}

	return c.clusters.allocate(root)
}

// AddToCluster absorbs a slot into the cluster as a member.
func (c *Collector) AddToCluster(id ClusterID, member SlotIndex) error {
	if c.closed.Load() {
		return ErrShutdown
	}

	return c.clusters.addMember(id, member)
}

// AddClusterReference records an outbound reference of the cluster, either
// as an edge to the target's cluster or as a mutable object.
func (c *Collector) AddClusterReference(id ClusterID, target SlotIndex) error {
	if c.closed.Load() {
		return ErrShutdown
	}

	return c.clusters.addReference(id, target)
}

// DissolveCluster breaks the cluster apart immediately.
func (c *Collector) DissolveCluster(id ClusterID) error {
	if c.closed.Load() {
		return ErrShutdown
	}

	return c.clusters.dissolve(id)
}

// ClosePermanentPartition freezes the disregard-for-GC window; later
// allocations go to the collectable partition.
func (c *Collector) ClosePermanentPartition() {
	c.table.closePermanentPartition()
}

// OpenForAdditions reopens the permanent partition, legal only while
// partition space remains ([ErrBoundaryViolation] otherwise).
func (c *Collector) OpenForAdditions() error {
	if c.closed.Load() {
		return ErrShutdown
	}

	return c.table.openForAdditions()
}

// AddListener registers a lifecycle observer.
func (c *Collector) AddListener(l Listener) {
	c.listeners.add(l)
}

// RemoveListener unregisters a lifecycle observer.
func (c *Collector) RemoveListener(l Listener) {
	c.listeners.remove(l)
}

// Collect runs one full GC cycle over the graph reachable from the
// explicit roots plus the RootSet and native slots: dissolve flagged
// clusters, mark, sweep, then purge weak references recorded during the
// cycle.
//
// parallel requests work-stealing marking (honored only when the
// configuration enables it); fullPurge forces the harsher sweep path that
// drops frontier pool memory.
//
// A fatal during marking aborts the cycle before any slot is swept; mark
// bits are still reset so a later cycle starts clean.
func (c *Collector) Collect(roots []SlotIndex, parallel, fullPurge bool) error {
	if c.closed.Load() {
		return ErrShutdown
	}

	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	stats := CycleStats{}

	markStart := time.Now()

	stats.ClustersDissolved = c.clusters.dissolveMarked()

	proc := markProcessor{}

	seed := c.pool.acquire()
	seedCtx := &TraceContext{
		c:            c,
		proc:         proc,
		next:         seed,
		autoAssemble: c.cfg.AutoAssembleTokenStreams,
		processNoop:  c.cfg.ProcessNoOpTokens,
		processWeak:  c.cfg.ProcessWeakReferences,
	}

	c.seedRoots(seedCtx, roots)

	useParallel := parallel && c.cfg.ParallelEnabled && c.cfg.WorkerCount > 1

	var err error

	if useParallel {
		var objects, refs, clusters int64

		objects, refs, clusters, err = c.markParallel(seed, proc)
		stats.ObjectsVisited += objects
		stats.ReferencesDispatched += refs + seedCtx.refsDispatched
		stats.ClustersMarked += clusters + seedCtx.clustersMarked
	} else {
		err = c.markSingleThreaded(seedCtx, seed)
		stats.ObjectsVisited = seedCtx.objectsVisited
		stats.ReferencesDispatched = seedCtx.refsDispatched
		stats.ClustersMarked = seedCtx.clustersMarked
	}

	stats.Parallel = useParallel
	stats.MarkDuration = time.Since(markStart)

	if err != nil {
		// Abort: nothing is swept, but mark bits reset so the next cycle
		// starts from the between-cycles invariant. Recorded weak locations
		// are dropped, not purged: they point into payloads that may be
		// freed and recycled before the next cycle runs.
		c.clearMarks()
		c.pool.dropWeakRefs()

		return err
	}

	sweepStart := time.Now()

	cycle := c.cycles.Add(1)

	purge := fullPurge
	if c.cfg.FullPurgeCadence > 0 && cycle%int64(c.cfg.FullPurgeCadence) == 0 {
		purge = true
	}

	stats.SlotsSwept = c.sweepUnreachable()

	c.clearMarks()

	stats.WeakRefsCleared = c.pool.clearWeakRefs(purge, func(w WeakRef) bool {
		return c.resolveWeak(w, true) != nil
	})

	stats.FullPurge = purge
	stats.SweepDuration = time.Since(sweepStart)

	c.lastCycle = stats

	return nil
}

// seedRoots pushes every seed through the reference processor so cluster
// short-circuits and dedup apply to roots exactly as to traced references.
func (c *Collector) seedRoots(tc *TraceContext, roots []SlotIndex) {
	push := func(idx SlotIndex) {
		if !c.table.inRange(idx) {
			return
		}

		obj := c.table.slot(idx).object.Load()
		if obj == nil {
			return
		}

		tmp := obj
		tc.handle(nil, &tmp, -1, false)
	}

	for _, idx := range roots {
		push(idx)
	}

	c.rootsMu.Lock()
	implicit := make([]SlotIndex, 0, len(c.rootSet)+len(c.natives))

	for idx := range c.rootSet {
		implicit = append(implicit, idx)
	}

	for idx := range c.natives {
		implicit = append(implicit, idx)
	}
	c.rootsMu.Unlock()

	for _, idx := range implicit {
		push(idx)
	}
}

// VerifyClusters checks every clustered slot against its root's tag and
// reports one error per inconsistency. An empty result means the cluster
// invariants hold.
func (c *Collector) VerifyClusters() []error {
	if c.closed.Load() {
		return []error{ErrShutdown}
	}

	var errs []error

	n := c.table.numElements.Load()
	for i := c.table.firstGCIndex; i < n; i++ {
		idx := SlotIndex(i)

		item := c.table.slot(idx)

		tag := item.cluster.Load()
		if tag <= 0 {
			continue
		}

		rootIdx := SlotIndex(tag)
		if !c.table.inRange(rootIdx) || c.table.slot(rootIdx).cluster.Load() >= 0 {
			errs = append(errs, fmt.Errorf("%w: slot %d names root %d", ErrClusterInconsistency, idx, rootIdx))
		}
	}

	return errs
}
