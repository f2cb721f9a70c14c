package reach

import (
	"math/rand/v2"
	"testing"
)

func benchCollector(b *testing.B, mut func(*Config)) *Collector {
	b.Helper()

	cfg := DefaultConfig()
	cfg.ParallelEnabled = false

	if mut != nil {
		mut(&cfg)
	}

	c, err := New(cfg)
	if err != nil {
		b.Fatal(err)
	}

	b.Cleanup(c.Shutdown)

	return c
}

func benchGraph(b *testing.B, c *Collector, n int) SlotIndex {
	b.Helper()

	cl := NewClass(ClassSpec{
		Name: "BenchNode",
		Size: linkSize,
		Fields: []Field{
			{Kind: FieldObject, Offset: linkOffA},
			{Kind: FieldObject, Offset: linkOffB},
		},
	})

	if err := cl.AssembleTokenStream(); err != nil {
		b.Fatal(err)
	}

	rng := rand.New(rand.NewPCG(42, 0))

	objs := make([]*Object, n)

	for i := range objs {
		o, err := c.NewObject(cl)
		if err != nil {
			b.Fatal(err)
		}

		objs[i] = o
	}

	// A chain off the root plus random shortcut edges, so every object is
	// reachable and each cycle traces the same graph.
	for i, o := range objs {
		if i > 0 {
			link(objs[i-1], linkOffA, o)
		}

		link(o, linkOffB, objs[rng.IntN(n)])
	}

	root := objs[0]
	if err := c.AddToRoot(root.SlotIndex()); err != nil {
		b.Fatal(err)
	}

	return root.SlotIndex()
}

func BenchmarkCollect100k(b *testing.B) {
	c := benchCollector(b, nil)
	benchGraph(b, c, 100_000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.Collect(nil, false, false); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCollectParallel100k(b *testing.B) {
	c := benchCollector(b, func(cfg *Config) {
		cfg.ParallelEnabled = true
	})
	benchGraph(b, c, 100_000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.Collect(nil, true, false); err != nil {
			b.Fatal(err)
		}
	}
}
