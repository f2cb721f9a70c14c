// Package testutil holds the in-memory reachability oracle the collector's
// model-based tests check against.
//
// The model is deliberately naive: plain maps, recomputed from scratch on
// every query, no slots, no flags, no concurrency. Where the real collector
// disagrees with the model, the collector is wrong. Keeping the model dumb
// is the point; it has to be obviously correct by inspection.
package testutil

// Node is one object in the model graph.
type Node struct {
	// Refs are strong out-edges by node ID. A ref to a pending-kill node
	// through an eliminating field does not keep it alive.
	Refs []int

	// NonElimRefs are strong out-edges that never eliminate their target
	// (persistent-object fields).
	NonElimRefs []int

	// Weak are weak out-edges; they never keep anything alive.
	Weak []int

	Root        bool
	PendingKill bool
}

// Model is the oracle graph.
type Model struct {
	Nodes map[int]*Node
}

func NewModel() *Model {
	return &Model{Nodes: make(map[int]*Node)}
}

// Add inserts an empty node under id.
func (m *Model) Add(id int) *Node {
	n := &Node{}
	m.Nodes[id] = n

	return n
}

// Delete removes a node and every edge pointing at it.
func (m *Model) Delete(id int) {
	delete(m.Nodes, id)

	for _, n := range m.Nodes {
		n.Refs = removeAll(n.Refs, id)
		n.NonElimRefs = removeAll(n.NonElimRefs, id)
		n.Weak = removeAll(n.Weak, id)
	}
}

// Survivors recomputes the reachable set from the roots. Pending-kill nodes
// survive only when reached through a non-eliminating edge or rooted
// themselves.
func (m *Model) Survivors() map[int]bool {
	reached := make(map[int]bool)

	var queue []int

	enqueue := func(id int, eliminating bool) {
		n, ok := m.Nodes[id]
		if !ok || reached[id] {
			return
		}

		if eliminating && n.PendingKill {
			return
		}

		reached[id] = true
		queue = append(queue, id)
	}

	for id, n := range m.Nodes {
		if n.Root {
			// Roots are seeded through the same policy as traced references.
			enqueue(id, false)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		n := m.Nodes[id]

		for _, to := range n.Refs {
			enqueue(to, true)
		}

		for _, to := range n.NonElimRefs {
			enqueue(to, false)
		}
	}

	return reached
}

func removeAll(s []int, id int) []int {
	out := s[:0]

	for _, v := range s {
		if v != id {
			out = append(out, v)
		}
	}

	return out
}
