package reach

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// clusterFixture allocates an anchor object so slot 0 stays occupied; slot 0
// cannot root a cluster because member tags store the root's index as a
// positive number.
func clusterFixture(t *testing.T, mut func(*Config)) (*Collector, *Class) {
	t.Helper()

	c := newTestCollector(t, mut)
	cl := newLinkClass(t)

	anchor := mustNew(t, c, cl)
	require.Equal(t, SlotIndex(0), anchor.SlotIndex())
	require.NoError(t, c.AddToRoot(anchor.SlotIndex()))

	return c, cl
}

func Test_AllocateCluster_Rejects_Slot_Zero(t *testing.T) {
	t.Parallel()

	c, _ := clusterFixture(t, nil)

	_, err := c.AllocateCluster(0)
	require.ErrorIs(t, err, ErrInvalidSlot)
}

func Test_AllocateCluster_Rejects_Free_Slot(t *testing.T) {
	t.Parallel()

	c, _ := clusterFixture(t, nil)

	_, err := c.AllocateCluster(9999)
	require.ErrorIs(t, err, ErrInvalidSlot)
}

func Test_AllocateCluster_Rejects_Permanent_Slot(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, func(cfg *Config) {
		cfg.MaxPermanentObjects = 4
	})
	cl := newLinkClass(t)

	perm := mustNew(t, c, cl)
	require.Equal(t, SlotIndex(0), perm.SlotIndex())

	_, err := c.AllocateCluster(perm.SlotIndex())
	require.ErrorIs(t, err, ErrInvalidSlot)
}

func Test_AllocateCluster_Rejects_Already_Clustered_Slot(t *testing.T) {
	t.Parallel()

	c, cl := clusterFixture(t, nil)

	root := mustNew(t, c, cl)

	_, err := c.AllocateCluster(root.SlotIndex())
	require.NoError(t, err)

	_, err = c.AllocateCluster(root.SlotIndex())
	require.ErrorIs(t, err, ErrInvalidSlot)
}

func Test_AddToCluster_Rejects_Clustered_And_Unknown_Slots(t *testing.T) {
	t.Parallel()

	c, cl := clusterFixture(t, nil)

	root := mustNew(t, c, cl)
	member := mustNew(t, c, cl)

	id, err := c.AllocateCluster(root.SlotIndex())
	require.NoError(t, err)

	require.NoError(t, c.AddToCluster(id, member.SlotIndex()))

	// Already a member.
	require.ErrorIs(t, c.AddToCluster(id, member.SlotIndex()), ErrInvalidSlot)

	// Roots cannot join another cluster either.
	other := mustNew(t, c, cl)

	id2, err := c.AllocateCluster(other.SlotIndex())
	require.NoError(t, err)
	require.ErrorIs(t, c.AddToCluster(id2, root.SlotIndex()), ErrInvalidSlot)

	// Free slot.
	require.ErrorIs(t, c.AddToCluster(id, 9999), ErrInvalidSlot)
}

func Test_Cluster_Marking_Keeps_All_Members_Alive(t *testing.T) {
	t.Parallel()

	c, cl := clusterFixture(t, nil)

	root := mustNew(t, c, cl)
	m1 := mustNew(t, c, cl)
	m2 := mustNew(t, c, cl)

	id, err := c.AllocateCluster(root.SlotIndex())
	require.NoError(t, err)
	require.NoError(t, c.AddToCluster(id, m1.SlotIndex()))
	require.NoError(t, c.AddToCluster(id, m2.SlotIndex()))

	// Neither member is referenced by any field; cluster membership alone
	// must keep them alive when the root is reached.
	collect(t, c, root.SlotIndex())

	require.True(t, c.IsValid(root.SlotIndex(), false))
	require.True(t, c.IsValid(m1.SlotIndex(), false))
	require.True(t, c.IsValid(m2.SlotIndex(), false))
	require.Equal(t, int64(1), c.Stats().LastCycle.ClustersMarked)
}

func Test_Cluster_Marking_Does_Not_Trace_Member_Fields(t *testing.T) {
	t.Parallel()

	c, cl := clusterFixture(t, nil)

	root := mustNew(t, c, cl)
	member := mustNew(t, c, cl)
	outsider := mustNew(t, c, cl)

	id, err := c.AllocateCluster(root.SlotIndex())
	require.NoError(t, err)
	require.NoError(t, c.AddToCluster(id, member.SlotIndex()))

	// The member's outbound reference was not summarized at build time, so
	// cluster marking never follows it.
	link(member, linkOffA, outsider)

	collect(t, c, root.SlotIndex())

	require.True(t, c.IsValid(member.SlotIndex(), false))
	require.False(t, c.IsValid(outsider.SlotIndex(), false))
}

func Test_Cluster_Mutable_Objects_Are_Traced_Normally(t *testing.T) {
	t.Parallel()

	c, cl := clusterFixture(t, nil)

	root := mustNew(t, c, cl)
	mutable := mustNew(t, c, cl)
	child := mustNew(t, c, cl)

	id, err := c.AllocateCluster(root.SlotIndex())
	require.NoError(t, err)
	require.NoError(t, c.AddClusterReference(id, mutable.SlotIndex()))

	link(mutable, linkOffA, child)

	collect(t, c, root.SlotIndex())

	require.True(t, c.IsValid(mutable.SlotIndex(), false))
	require.True(t, c.IsValid(child.SlotIndex(), false))
}

func Test_Cluster_References_Mark_Transitively(t *testing.T) {
	t.Parallel()

	c, cl := clusterFixture(t, nil)

	rootA := mustNew(t, c, cl)
	rootB := mustNew(t, c, cl)
	memberB := mustNew(t, c, cl)

	idB, err := c.AllocateCluster(rootB.SlotIndex())
	require.NoError(t, err)
	require.NoError(t, c.AddToCluster(idB, memberB.SlotIndex()))

	idA, err := c.AllocateCluster(rootA.SlotIndex())
	require.NoError(t, err)
	require.NoError(t, c.AddClusterReference(idA, rootB.SlotIndex()))

	collect(t, c, rootA.SlotIndex())

	require.True(t, c.IsValid(rootB.SlotIndex(), false))
	require.True(t, c.IsValid(memberB.SlotIndex(), false))
	require.Equal(t, int64(2), c.Stats().LastCycle.ClustersMarked)
}

func Test_Unreferenced_Cluster_Is_Swept_Whole(t *testing.T) {
	t.Parallel()

	c, cl := clusterFixture(t, nil)

	root := mustNew(t, c, cl)
	member := mustNew(t, c, cl)

	id, err := c.AllocateCluster(root.SlotIndex())
	require.NoError(t, err)
	require.NoError(t, c.AddToCluster(id, member.SlotIndex()))

	collect(t, c)

	require.False(t, c.IsValid(root.SlotIndex(), false))
	require.False(t, c.IsValid(member.SlotIndex(), false))
}

func Test_PendingKill_On_Member_Dissolves_Cluster(t *testing.T) {
	t.Parallel()

	c, cl := clusterFixture(t, nil)

	root := mustNew(t, c, cl)
	member := mustNew(t, c, cl)

	id, err := c.AllocateCluster(root.SlotIndex())
	require.NoError(t, err)
	require.NoError(t, c.AddToCluster(id, member.SlotIndex()))

	require.NoError(t, c.MarkPendingKill(member.SlotIndex()))

	// Dissolution happens at the start of the next cycle; without it the
	// cluster would keep the condemned member alive through the root.
	collect(t, c, root.SlotIndex())

	require.Equal(t, 1, c.Stats().LastCycle.ClustersDissolved)
	require.True(t, c.IsValid(root.SlotIndex(), false))
	require.False(t, c.IsValid(member.SlotIndex(), true))

	// The cluster record is gone.
	require.ErrorIs(t, c.AddToCluster(id, root.SlotIndex()), ErrInvalidSlot)
}

func Test_PendingKill_On_Mutable_Object_Dissolves_Owner(t *testing.T) {
	t.Parallel()

	c, cl := clusterFixture(t, nil)

	root := mustNew(t, c, cl)
	mutable := mustNew(t, c, cl)

	id, err := c.AllocateCluster(root.SlotIndex())
	require.NoError(t, err)
	require.NoError(t, c.AddClusterReference(id, mutable.SlotIndex()))

	require.NoError(t, c.MarkPendingKill(mutable.SlotIndex()))

	collect(t, c, root.SlotIndex())

	require.Equal(t, 1, c.Stats().LastCycle.ClustersDissolved)
	require.True(t, c.IsValid(root.SlotIndex(), false))
	require.False(t, c.IsValid(mutable.SlotIndex(), true))
}

func Test_DissolveCluster_Flags_Referring_Clusters(t *testing.T) {
	t.Parallel()

	c, cl := clusterFixture(t, nil)

	rootA := mustNew(t, c, cl)
	rootB := mustNew(t, c, cl)

	idB, err := c.AllocateCluster(rootB.SlotIndex())
	require.NoError(t, err)

	idA, err := c.AllocateCluster(rootA.SlotIndex())
	require.NoError(t, err)
	require.NoError(t, c.AddClusterReference(idA, rootB.SlotIndex()))

	// Dissolving B means A's summarized edge no longer covers what B
	// reached; A must dissolve before the next mark.
	require.NoError(t, c.DissolveCluster(idB))

	collect(t, c, rootA.SlotIndex(), rootB.SlotIndex())

	require.Equal(t, 1, c.Stats().LastCycle.ClustersDissolved)
	require.True(t, c.IsValid(rootA.SlotIndex(), false))
	require.True(t, c.IsValid(rootB.SlotIndex(), false))
	require.ErrorIs(t, c.AddToCluster(idA, rootB.SlotIndex()), ErrInvalidSlot)
}

func Test_Destroying_Root_Releases_Cluster_Record(t *testing.T) {
	t.Parallel()

	c, cl := clusterFixture(t, nil)

	root := mustNew(t, c, cl)
	member := mustNew(t, c, cl)

	id, err := c.AllocateCluster(root.SlotIndex())
	require.NoError(t, err)
	require.NoError(t, c.AddToCluster(id, member.SlotIndex()))

	require.NoError(t, c.UnregisterObject(root.SlotIndex()))

	require.ErrorIs(t, c.AddToCluster(id, member.SlotIndex()), ErrInvalidSlot)

	// The member's tag still names the freed root slot.
	errs := c.VerifyClusters()
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrClusterInconsistency)
}

func Test_Marking_Falls_Back_When_Cluster_Tag_Is_Inconsistent(t *testing.T) {
	t.Parallel()

	c, cl := clusterFixture(t, nil)

	var diags int

	c.SetDiagnostics(func(string, ...any) { diags++ })

	holder := mustNew(t, c, cl)
	root := mustNew(t, c, cl)
	member := mustNew(t, c, cl)

	id, err := c.AllocateCluster(root.SlotIndex())
	require.NoError(t, err)
	require.NoError(t, c.AddToCluster(id, member.SlotIndex()))
	require.NoError(t, c.UnregisterObject(root.SlotIndex()))

	// A field reference resolves the member's dangling tag, reports the
	// inconsistency and falls back to plain marking.
	link(holder, linkOffA, member)

	collect(t, c, holder.SlotIndex())

	require.Positive(t, diags)
	require.True(t, c.IsValid(member.SlotIndex(), false))
}

func Test_VerifyClusters_Reports_Nothing_For_Consistent_State(t *testing.T) {
	t.Parallel()

	c, cl := clusterFixture(t, nil)

	root := mustNew(t, c, cl)
	member := mustNew(t, c, cl)

	id, err := c.AllocateCluster(root.SlotIndex())
	require.NoError(t, err)
	require.NoError(t, c.AddToCluster(id, member.SlotIndex()))

	require.Empty(t, c.VerifyClusters())
}
