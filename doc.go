// Package reach implements the core of a managed-object garbage collector:
// a token-stream-directed reachability tracer over an indexed object table,
// with object clustering, weak-reference serial invalidation, and parallel
// work-stealing marking.
//
// Every managed object is registered in a process-wide table and identified
// by a stable small-integer slot index. Each object's class carries a
// precomputed reference token stream: a compact bytecode describing exactly
// where references live inside the object's memory, so tracing never needs
// per-field virtual dispatch.
//
// # Basic Usage
//
//	c, err := reach.New(reach.DefaultConfig())
//	if err != nil {
//	    // handle configuration errors
//	}
//	defer c.Shutdown()
//
//	node := reach.NewClass(reach.ClassSpec{
//	    Name:   "Node",
//	    Size:   8,
//	    Fields: []reach.Field{{Kind: reach.FieldObject, Offset: 0}},
//	})
//
//	head, _ := c.NewObject(node)
//	next, _ := c.NewObject(node)
//	*reach.RefSlot(head, 0) = next
//
//	c.AddToRoot(head.SlotIndex())
//	err = c.Collect(nil, false, false) // next survives, reached from head
//
// # Concurrency
//
// Collection is stop-the-world: the caller guarantees no managed object is
// registered, unregistered, or mutated while Collect runs. Within a cycle,
// marking may run on multiple workers over a work-stealing queue; sweep is
// always single-threaded. Outside a cycle, registration and weak-reference
// resolution are safe for concurrent use.
//
// # Error Handling
//
// Errors fall into two categories:
//
// Fatal errors ([ErrCapacityExceeded], [ErrTokenStreamNotAssembled],
// [ErrUnknownToken]): the collector cannot continue; a fatal raised inside a
// mark cycle aborts the cycle and is returned from [Collector.Collect].
//
// Local errors ([ErrInvalidSlot], [ErrBoundaryViolation]): surfaced at the
// API boundary and recoverable by the caller.
package reach
