package reach

import (
	"fmt"
	"sync"
)

// cluster is a root-led group of slots traced as one unit. Marking the root
// marks every member in a single step; outbound references are summarized
// at build time as edges to other clusters plus the mutable objects that
// could not be absorbed.
type cluster struct {
	root    SlotIndex
	members []SlotIndex

	referencedClusters   []ClusterID
	referencedByClusters []ClusterID

	// mutableObjects still require normal tracing when the cluster marks.
	mutableObjects []SlotIndex

	// needsDissolving is set when any member transitively references a
	// pending-kill object; the cluster must dissolve before the next mark
	// or that object would be kept alive indefinitely.
	needsDissolving bool
}

// clusterManager owns all cluster records under one coarse lock. Records
// are read-only during marking.
type clusterManager struct {
	mu sync.Mutex

	table    *objectTable
	clusters []*cluster
	free     []ClusterID

	// mutableOwners indexes clusters by the mutable objects they carry,
	// so pending-kill on a mutable object can flag its owners.
	mutableOwners map[SlotIndex][]ClusterID
}

func newClusterManager(table *objectTable) *clusterManager {
	return &clusterManager{
		table:         table,
		mutableOwners: make(map[SlotIndex][]ClusterID),
	}
}

// rootTag encodes a cluster id as the negated tag stored on root slots.
// Ids are 0-based; tags are 1-based so id 0 stays distinguishable from
// "unclustered".
func rootTag(id ClusterID) int32 {
	return -int32(id) - 1
}

func clusterIDFromTag(tag int32) ClusterID {
	return ClusterID(-tag - 1)
}

func (m *clusterManager) get(id ClusterID) *cluster {
	if int(id) < 0 || int(id) >= len(m.clusters) {
		return nil
	}

	return m.clusters[id]
}

// allocate creates a cluster rooted at root. The root slot must be live,
// outside the permanent partition, not already clustered, and not slot 0
// (member tags store the root's index as a positive number).
func (m *clusterManager) allocate(root SlotIndex) (ClusterID, error) {
	if root <= 0 || !m.table.inRange(root) || int32(root) < m.table.firstGCIndex {
		return 0, fmt.Errorf("%w: slot %d cannot root a cluster", ErrInvalidSlot, root)
	}

	item := m.table.slot(root)
	if item.object.Load() == nil || item.cluster.Load() != 0 {
		return 0, fmt.Errorf("%w: slot %d cannot root a cluster", ErrInvalidSlot, root)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var id ClusterID

	if n := len(m.free); n > 0 {
		id = m.free[n-1]
		m.free = m.free[:n-1]
		m.clusters[id] = &cluster{root: root}
	} else {
		id = ClusterID(len(m.clusters))
		m.clusters = append(m.clusters, &cluster{root: root})
	}

	item.cluster.Store(rootTag(id))

	return id, nil
}

// addMember absorbs a slot into the cluster. Members keep no record of the
// cluster id; their tag is the root's slot index.
func (m *clusterManager) addMember(id ClusterID, member SlotIndex) error {
	if !m.table.inRange(member) || int32(member) < m.table.firstGCIndex {
		return fmt.Errorf("%w: slot %d cannot join a cluster", ErrInvalidSlot, member)
	}

	item := m.table.slot(member)
	if item.object.Load() == nil || item.cluster.Load() != 0 {
		return fmt.Errorf("%w: slot %d cannot join a cluster", ErrInvalidSlot, member)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cl := m.get(id)
	if cl == nil {
		return fmt.Errorf("%w: cluster %d", ErrInvalidSlot, id)
	}

	cl.members = append(cl.members, member)
	item.cluster.Store(int32(cl.root))

	return nil
}

// addReference records an outbound reference of the cluster: an edge to the
// target's cluster if it has one, otherwise a mutable object the cluster
// must still trace through.
func (m *clusterManager) addReference(id ClusterID, target SlotIndex) error {
	if !m.table.inRange(target) {
		return fmt.Errorf("%w: slot %d", ErrInvalidSlot, target)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cl := m.get(id)
	if cl == nil {
		return fmt.Errorf("%w: cluster %d", ErrInvalidSlot, id)
	}

	tag := m.table.slot(target).cluster.Load()

	var targetID ClusterID = -1

	switch {
	case tag < 0:
		targetID = clusterIDFromTag(tag)
	case tag > 0:
		rootItem := m.table.slot(SlotIndex(tag))
		if rt := rootItem.cluster.Load(); rt < 0 {
			targetID = clusterIDFromTag(rt)
		}
	}

	if targetID >= 0 && targetID != id {
		targetCl := m.get(targetID)

		cl.referencedClusters = append(cl.referencedClusters, targetID)
		targetCl.referencedByClusters = append(targetCl.referencedByClusters, id)

		return nil
	}

	cl.mutableObjects = append(cl.mutableObjects, target)
	m.mutableOwners[target] = append(m.mutableOwners[target], id)

	return nil
}

// release frees the cluster record without touching member tags; the
// members are being destroyed alongside the cluster.
func (m *clusterManager) release(id ClusterID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.releaseLocked(id)
}

func (m *clusterManager) releaseLocked(id ClusterID) error {
	cl := m.get(id)
	if cl == nil {
		return fmt.Errorf("%w: cluster %d", ErrInvalidSlot, id)
	}

	for _, ref := range cl.referencedClusters {
		if target := m.get(ref); target != nil {
			target.referencedByClusters = removeID(target.referencedByClusters, id)
		}
	}

	for _, ref := range cl.referencedByClusters {
		if src := m.get(ref); src != nil {
			src.referencedClusters = removeID(src.referencedClusters, id)
		}
	}

	for _, mo := range cl.mutableObjects {
		m.mutableOwners[mo] = removeID(m.mutableOwners[mo], id)
		if len(m.mutableOwners[mo]) == 0 {
			delete(m.mutableOwners, mo)
		}
	}

	m.clusters[id] = nil
	m.free = append(m.free, id)

	return nil
}

// dissolve breaks the cluster apart: every member (and the root) becomes
// unclustered, and clusters that referenced this one are flagged as needing
// dissolution themselves, since they reached whatever this cluster reached.
func (m *clusterManager) dissolve(id ClusterID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.dissolveLocked(id)
}

func (m *clusterManager) dissolveLocked(id ClusterID) error {
	cl := m.get(id)
	if cl == nil {
		return fmt.Errorf("%w: cluster %d", ErrInvalidSlot, id)
	}

	if m.table.inRange(cl.root) {
		m.table.slot(cl.root).cluster.Store(0)
	}

	for _, member := range cl.members {
		if m.table.inRange(member) {
			m.table.slot(member).cluster.Store(0)
		}
	}

	for _, ref := range cl.referencedByClusters {
		if src := m.get(ref); src != nil {
			src.needsDissolving = true
		}
	}

	return m.releaseLocked(id)
}

// flagForPendingKill marks every cluster that would keep the slot alive as
// needing dissolution: the slot's own cluster, and any cluster holding it
// as a mutable object.
func (m *clusterManager) flagForPendingKill(idx SlotIndex) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tag := m.table.slot(idx).cluster.Load()

	switch {
	case tag < 0:
		if cl := m.get(clusterIDFromTag(tag)); cl != nil {
			cl.needsDissolving = true
		}
	case tag > 0:
		rootItem := m.table.slot(SlotIndex(tag))
		if rt := rootItem.cluster.Load(); rt < 0 {
			if cl := m.get(clusterIDFromTag(rt)); cl != nil {
				cl.needsDissolving = true
			}
		}
	}

	for _, owner := range m.mutableOwners[idx] {
		if cl := m.get(owner); cl != nil {
			cl.needsDissolving = true
		}
	}
}

// dissolveMarked dissolves every cluster flagged as needing dissolution,
// to a fixed point: dissolving one cluster may flag its referrers. Invoked
// before each mark cycle.
func (m *clusterManager) dissolveMarked() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dissolved := 0

	for {
		progress := false

		for id, cl := range m.clusters {
			if cl == nil || !cl.needsDissolving {
				continue
			}

			_ = m.dissolveLocked(ClusterID(id))
			dissolved++
			progress = true
		}

		if !progress {
			return dissolved
		}
	}
}

func removeID(ids []ClusterID, id ClusterID) []ClusterID {
	out := ids[:0]

	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}

	return out
}
