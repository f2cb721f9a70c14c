package cli

import (
	"fmt"
	"math/rand/v2"
	"unsafe"

	"github.com/calvinalkan/reach"
)

// Payload layout of the synthetic node class the stress commands allocate.
// Four plain references, one reference array, one weak handle.
const (
	nodeRefCount  = 4
	nodeRefOff    = 0
	nodeArrayOff  = nodeRefCount * 8
	nodeWeakOff   = nodeArrayOff + unsafe.Sizeof(reach.ArrayHeader{})
	nodeSize      = nodeWeakOff + unsafe.Sizeof(reach.WeakRef{})
	ptrSize       = 8
	nodeMaxFanout = 16
)

func newNodeClass() *reach.Class {
	fields := make([]reach.Field, 0, nodeRefCount+2)

	for i := range nodeRefCount {
		fields = append(fields, reach.Field{
			Kind:   reach.FieldObject,
			Offset: uintptr(nodeRefOff + i*8),
		})
	}

	fields = append(fields,
		reach.Field{Kind: reach.FieldArrayObject, Offset: uintptr(nodeArrayOff)},
		reach.Field{Kind: reach.FieldWeakObject, Offset: nodeWeakOff},
	)

	return reach.NewClass(reach.ClassSpec{
		Name:   "StressNode",
		Size:   nodeSize,
		Fields: fields,
	})
}

// graph is a randomly wired object population used by the stress commands.
type graph struct {
	c     *reach.Collector
	class *reach.Class
	objs  []*reach.Object
	slots []reach.SlotIndex
}

// buildGraph allocates n nodes and wires each one to `fanout` random
// targets: the fixed reference fields first, overflow into the node's
// reference array. Weak handles point at arbitrary nodes.
func buildGraph(c *reach.Collector, rng *rand.Rand, n, fanout int) (*graph, error) {
	if fanout > nodeMaxFanout {
		return nil, fmt.Errorf("fanout %d exceeds %d", fanout, nodeMaxFanout)
	}

	g := &graph{
		c:     c,
		class: newNodeClass(),
		objs:  make([]*reach.Object, 0, n),
		slots: make([]reach.SlotIndex, 0, n),
	}

	if err := g.class.AssembleTokenStream(); err != nil {
		return nil, err
	}

	for range n {
		obj, err := c.NewObject(g.class)
		if err != nil {
			return nil, err
		}

		g.objs = append(g.objs, obj)
		g.slots = append(g.slots, obj.SlotIndex())
	}

	for _, obj := range g.objs {
		for i := 0; i < fanout && i < nodeRefCount; i++ {
			*reach.RefSlot(obj, uintptr(nodeRefOff+i*8)) = g.random(rng)
		}

		if extra := fanout - nodeRefCount; extra > 0 {
			arr := reach.ArrayAt(obj, uintptr(nodeArrayOff))
			if err := c.MakeArray(arr, int32(extra), ptrSize); err != nil {
				return nil, err
			}

			for i := range int32(extra) {
				*arr.RefAt(i) = g.random(rng)
			}
		}

		*reach.WeakAt(obj, nodeWeakOff) = c.WeakTo(g.random(rng))
	}

	return g, nil
}

func (g *graph) random(rng *rand.Rand) *reach.Object {
	return g.objs[rng.IntN(len(g.objs))]
}

// severRandom nulls out roughly frac of all fixed reference fields,
// detaching parts of the graph so later cycles have something to sweep.
func (g *graph) severRandom(rng *rand.Rand, frac float64) int {
	severed := 0

	for _, obj := range g.objs {
		if !g.c.IsValid(obj.SlotIndex(), true) {
			continue
		}

		for i := range nodeRefCount {
			if rng.Float64() < frac {
				ref := reach.RefSlot(obj, uintptr(nodeRefOff+i*8))
				if *ref != nil {
					*ref = nil
					severed++
				}
			}
		}
	}

	return severed
}

// compact drops freed nodes from the population after a collection cycle.
func (g *graph) compact() {
	live := g.objs[:0]
	liveSlots := g.slots[:0]

	for i, obj := range g.objs {
		if g.c.IsValid(g.slots[i], true) && g.c.ObjectAt(g.slots[i]) == obj {
			live = append(live, obj)
			liveSlots = append(liveSlots, g.slots[i])
		}
	}

	g.objs = live
	g.slots = liveSlots
}
