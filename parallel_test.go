package reach

import (
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_WorkQueue_TryPop_Returns_Pushed_Chunks(t *testing.T) {
	t.Parallel()

	q := newWorkQueue(1)

	require.Nil(t, q.tryPop())

	a := &Frontier{}
	b := &Frontier{}

	q.push(a)
	q.push(b)

	// LIFO order.
	require.Same(t, b, q.tryPop())
	require.Same(t, a, q.tryPop())
	require.Nil(t, q.tryPop())
}

func Test_WorkQueue_Drain_Terminates_All_Workers(t *testing.T) {
	t.Parallel()

	const workers = 4

	q := newWorkQueue(workers)

	for range 64 {
		q.push(&Frontier{})
	}

	var (
		wg     sync.WaitGroup
		popped atomic.Int64
	)

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for q.popOrWait() != nil {
				popped.Add(1)
			}
		}()
	}

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("workers did not terminate")
	}

	require.Equal(t, int64(64), popped.Load())
	require.NoError(t, q.firstErr())
}

func Test_WorkQueue_Fail_Wakes_Parked_Workers(t *testing.T) {
	t.Parallel()

	q := newWorkQueue(2)

	returned := make(chan *Frontier, 1)

	go func() {
		returned <- q.popOrWait()
	}()

	// Give the worker a moment to park, then fail the drain.
	time.Sleep(10 * time.Millisecond)

	failure := errors.New("boom")
	q.fail(failure)

	select {
	case f := <-returned:
		require.Nil(t, f)
	case <-time.After(10 * time.Second):
		t.Fatal("parked worker was not woken")
	}

	require.ErrorIs(t, q.firstErr(), failure)
}

func Test_WorkQueue_Fail_Keeps_First_Error(t *testing.T) {
	t.Parallel()

	q := newWorkQueue(1)

	first := errors.New("first")

	q.fail(first)
	q.fail(errors.New("second"))

	require.ErrorIs(t, q.firstErr(), first)
}

// buildRandomGraph allocates n objects of class cl and links their two
// plain reference fields to random earlier-or-later objects (or nil).
// Allocation order is deterministic, so two collectors fed the same seed
// produce identical slot assignments.
func buildRandomGraph(t *testing.T, c *Collector, cl *Class, rng *rand.Rand, n int) []*Object {
	t.Helper()

	objs := make([]*Object, n)
	for i := range objs {
		objs[i] = mustNew(t, c, cl)
	}

	for _, o := range objs {
		if rng.IntN(4) > 0 {
			link(o, linkOffA, objs[rng.IntN(n)])
		}

		if rng.IntN(4) > 0 {
			link(o, linkOffB, objs[rng.IntN(n)])
		}
	}

	return objs
}

func Test_Parallel_Marking_Matches_SingleThreaded_Survivors(t *testing.T) {
	t.Parallel()

	const (
		numObjects = 500
		numRoots   = 10
		seed       = 0xC0FFEE
	)

	cl := newLinkClass(t)
	require.NoError(t, cl.AssembleTokenStream())

	single := newTestCollector(t, nil)
	parallelC := newTestCollector(t, func(cfg *Config) {
		cfg.ParallelEnabled = true
		cfg.WorkerCount = 4
		cfg.MinObjectsPerSubtask = 8
	})

	buildRandomGraph(t, single, cl, rand.New(rand.NewPCG(seed, 0)), numObjects)
	buildRandomGraph(t, parallelC, cl, rand.New(rand.NewPCG(seed, 0)), numObjects)

	rootRng := rand.New(rand.NewPCG(seed, 1))
	roots := make([]SlotIndex, numRoots)

	for i := range roots {
		roots[i] = SlotIndex(rootRng.IntN(numObjects))
	}

	require.NoError(t, single.Collect(roots, false, false))
	require.NoError(t, parallelC.Collect(roots, true, false))

	require.False(t, single.Stats().LastCycle.Parallel)
	require.True(t, parallelC.Stats().LastCycle.Parallel)

	for i := range numObjects {
		idx := SlotIndex(i)
		require.Equal(t, single.IsValid(idx, false), parallelC.IsValid(idx, false),
			"slot %d diverged between marking modes", idx)
	}
}

func Test_Parallel_Marking_Fails_On_Unassembled_Stream(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, func(cfg *Config) {
		cfg.ParallelEnabled = true
		cfg.WorkerCount = 4
		cfg.AutoAssembleTokenStreams = false
	})

	cl := newLinkClass(t)

	a := mustNew(t, c, cl)
	b := mustNew(t, c, cl)
	link(a, linkOffA, b)

	err := c.Collect([]SlotIndex{a.SlotIndex()}, true, false)
	require.ErrorIs(t, err, ErrTokenStreamNotAssembled)

	// The aborted cycle swept nothing.
	require.True(t, c.IsValid(a.SlotIndex(), false))
	require.True(t, c.IsValid(b.SlotIndex(), false))

	// After assembling the stream the same cycle succeeds.
	require.NoError(t, cl.AssembleTokenStream())
	require.NoError(t, c.Collect([]SlotIndex{a.SlotIndex()}, true, false))

	require.True(t, c.IsValid(a.SlotIndex(), false))
	require.True(t, c.IsValid(b.SlotIndex(), false))
}

func Test_Parallel_Collect_Counts_Visited_Objects(t *testing.T) {
	t.Parallel()

	cl := newLinkClass(t)
	require.NoError(t, cl.AssembleTokenStream())

	c := newTestCollector(t, func(cfg *Config) {
		cfg.ParallelEnabled = true
		cfg.WorkerCount = 2
		cfg.MinObjectsPerSubtask = 4
	})

	objs := make([]*Object, 64)
	for i := range objs {
		objs[i] = mustNew(t, c, cl)
	}

	// A chain so every object is visited.
	for i := range len(objs) - 1 {
		link(objs[i], linkOffA, objs[i+1])
	}

	require.NoError(t, c.Collect([]SlotIndex{objs[0].SlotIndex()}, true, false))

	last := c.Stats().LastCycle
	require.True(t, last.Parallel)
	require.Equal(t, int64(len(objs)), last.ObjectsVisited)
	require.Positive(t, last.ReferencesDispatched)
}
