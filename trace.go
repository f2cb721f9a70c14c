package reach

import (
	"fmt"
	"unsafe"

	"github.com/calvinalkan/reach/sparse"
)

// ReferenceProcessor is the pluggable policy invoked for every reference
// the tracer encounters. The shipped mark-and-sweep processor is one
// implementation; reference collectors for tooling are others.
//
// HandleReference reports whether it eliminated the reference (nulled it
// in place through the referrer); the tracer uses that to clear dependent
// caches such as field paths.
type ReferenceProcessor interface {
	HandleReference(tc *TraceContext, referrer *Object, ref **Object, tokenIndex int32, allowElimination bool) (eliminated bool)
}

// TraceContext is the per-worker state of a mark in progress: the frontier
// being filled, the policy flags, and dispatch counters. Processors receive
// it so they can enqueue newly reached objects.
type TraceContext struct {
	c    *Collector
	proc ReferenceProcessor

	// next receives objects the processor enqueues and the weak handles
	// the tracer records.
	next *Frontier

	// queue, when non-nil, receives next once it grows past minChunk; that
	// is what turns a big frontier into parallel subtasks.
	queue    *workQueue
	minChunk int

	autoAssemble bool
	processNoop  bool
	processWeak  bool

	objectsVisited int64
	refsDispatched int64
	clustersMarked int64
}

// Collector returns the collector this trace runs against.
func (tc *TraceContext) Collector() *Collector {
	return tc.c
}

// Enqueue pushes an object onto the frontier being filled. Only the caller
// that won the reachability flip for the object may enqueue it. In parallel
// mode a frontier that reaches the subtask threshold is cut off and handed
// to the work queue.
func (tc *TraceContext) Enqueue(o *Object) {
	tc.next.push(o)

	if tc.queue != nil && len(tc.next.objects) >= tc.minChunk {
		tc.queue.push(tc.next)
		tc.next = tc.c.pool.acquire()
	}
}

func (tc *TraceContext) handle(referrer *Object, ref **Object, tokenIndex int32, allowElim bool) bool {
	tc.refsDispatched++
	return tc.proc.HandleReference(tc, referrer, ref, tokenIndex, allowElim)
}

func (tc *TraceContext) recordWeak(w *WeakRef) {
	tc.next.recordWeak(w)
}

// handleDelegate records the delegate's weak handle for the post-sweep pass
// and enqueues a still-valid target.
func (tc *TraceContext) handleDelegate(referrer *Object, target *WeakRef, tokenIndex int32) {
	tc.recordWeak(target)

	if obj := tc.c.ResolveWeak(*target); obj != nil {
		tmp := obj
		tc.handle(referrer, &tmp, tokenIndex, false)
	}
}

// RefVisitor is handed to AddReferencedObjects callbacks; every reference
// they report flows through the installed processor like a token-emitted
// one.
type RefVisitor struct {
	tc         *TraceContext
	referrer   *Object
	tokenIndex int32
}

// Visit reports a strong reference location to the collector.
func (v *RefVisitor) Visit(ref **Object) {
	v.tc.handle(v.referrer, ref, v.tokenIndex, true)
}

// VisitWeak reports a weak handle location; it is recorded for the
// post-sweep null-out pass.
func (v *RefVisitor) VisitWeak(w *WeakRef) {
	if v.tc.processWeak {
		v.tc.recordWeak(w)
	}
}

// traceFrame is one logical stack frame of token interpretation: a
// container iteration in progress. Frame zero is the object itself.
type traceFrame struct {
	origin    unsafe.Pointer // element 0 base
	base      unsafe.Pointer // current element base
	stride    uintptr
	count     int32
	index     int32
	loopStart int
	valid     *sparse.BitArray // hole predicate for sparse containers
}

// advance steps to the next valid element, or reports the frame exhausted.
func (f *traceFrame) advance() bool {
	f.index++

	if f.valid != nil {
		for f.index < f.count && !f.valid.Test(f.index) {
			f.index++
		}
	}

	if f.index >= f.count {
		return false
	}

	f.base = unsafe.Add(f.origin, uintptr(f.index)*f.stride)

	return true
}

// traceObject interprets an object's token stream, dispatching every
// reference through the context's processor.
func (tc *TraceContext) traceObject(obj *Object) error {
	tc.objectsVisited++

	cl := obj.class

	ts := cl.tokenStream()
	if ts == nil {
		if !tc.autoAssemble {
			return fmt.Errorf("%w: class %s (slot %d)", ErrTokenStreamNotAssembled, cl.name, obj.slot)
		}

		if err := cl.AssembleTokenStream(); err != nil {
			return err
		}

		ts = cl.tokenStream()
	}

	var stack [maxTraceDepth]traceFrame

	stack[0] = traceFrame{origin: obj.Memory(), base: obj.Memory(), count: 1}
	sp := 0

	ip := 0
	skipAdjust := 0

	for {
		if ip >= len(ts.tokens) {
			return fmt.Errorf("%w: stream overrun at %d, class %s (slot %d)",
				ErrUnknownToken, ip, cl.name, obj.slot)
		}

		t := ts.tokens[ip]
		tokenIndex := int32(ip)
		ip++

		// Close frames this token's return count says end here. A frame
		// with elements left loops instead of closing; the skip adjust
		// accounts for a frame an empty container never pushed.
		rc := t.returnCount() - skipAdjust
		skipAdjust = 0
		looped := false

		for ; rc > 0; rc-- {
			if sp == 0 {
				return fmt.Errorf("%w: frame stack imbalance at token %d, class %s (slot %d)",
					ErrUnknownToken, tokenIndex, cl.name, obj.slot)
			}

			f := &stack[sp]
			if f.advance() {
				ip = f.loopStart
				looped = true

				break
			}

			sp--
		}

		if looped {
			continue
		}

		base := stack[sp].base

		switch t.kind() {
		case opEndOfStream:
			if sp != 0 {
				return fmt.Errorf("%w: unbalanced stream end, class %s (slot %d)",
					ErrUnknownToken, cl.name, obj.slot)
			}

			return nil

		case opObject, opClass:
			tc.handle(obj, (**Object)(unsafe.Add(base, t.offset())), tokenIndex, true)

		case opPersistentObject:
			tc.handle(obj, (**Object)(unsafe.Add(base, t.offset())), tokenIndex, false)

		case opNoopPersistentObject:
			if tc.processNoop {
				tc.handle(obj, (**Object)(unsafe.Add(base, t.offset())), tokenIndex, false)
			}

		case opNoopClass:
			if tc.processNoop {
				tc.handle(obj, (**Object)(unsafe.Add(base, t.offset())), tokenIndex, true)
			}

		case opExternalPackage:
			if fn := cl.outerOf; fn != nil {
				if pkg := fn(obj); pkg != nil {
					tmp := pkg
					tc.handle(obj, &tmp, tokenIndex, false)
				}
			}

		case opArrayObject, opArrayObjectFreezable:
			arr := (*ArrayHeader)(unsafe.Add(base, t.offset()))
			for i := int32(0); i < arr.Num; i++ {
				tc.handle(obj, arr.RefAt(i), tokenIndex, true)
			}

		case opFixedArray:
			stride := uintptr(ts.tokens[ip])
			count := int32(ts.tokens[ip+1])
			ip += 2

			sp++
			if sp >= maxTraceDepth {
				return fmt.Errorf("%w: class %s", ErrTokenStreamTooDeep, cl.name)
			}

			addr := unsafe.Add(base, t.offset())
			stack[sp] = traceFrame{origin: addr, base: addr, stride: stride, count: count, loopStart: ip}

		case opArrayStruct:
			stride := uintptr(ts.tokens[ip])
			skip := ts.tokens[ip+1]
			ip += 2

			arr := (*ArrayHeader)(unsafe.Add(base, t.offset()))
			if arr.Num == 0 {
				ip = skip.skipIndex()
				skipAdjust = skip.skipReturnCount()

				continue
			}

			sp++
			if sp >= maxTraceDepth {
				return fmt.Errorf("%w: class %s", ErrTokenStreamTooDeep, cl.name)
			}

			stack[sp] = traceFrame{origin: arr.Data, base: arr.Data, stride: stride, count: arr.Num, loopStart: ip}

		case opOptional:
			payloadSize := uintptr(ts.tokens[ip])
			skip := ts.tokens[ip+1]
			ip += 2

			addr := unsafe.Add(base, t.offset())

			if !*(*bool)(unsafe.Add(addr, payloadSize)) {
				ip = skip.skipIndex()
				skipAdjust = skip.skipReturnCount()

				continue
			}

			sp++
			if sp >= maxTraceDepth {
				return fmt.Errorf("%w: class %s", ErrTokenStreamTooDeep, cl.name)
			}

			stack[sp] = traceFrame{origin: addr, base: addr, stride: payloadSize, count: 1, loopStart: ip}

		case opMapReferenced, opSetReferenced:
			stride := uintptr(ts.tokens[ip])
			skip := ts.tokens[ip+1]
			ip += 2

			sa := (*sparse.Array)(unsafe.Add(base, t.offset()))

			first := sa.FirstValid()
			if first < 0 {
				ip = skip.skipIndex()
				skipAdjust = skip.skipReturnCount()

				continue
			}

			sp++
			if sp >= maxTraceDepth {
				return fmt.Errorf("%w: class %s", ErrTokenStreamTooDeep, cl.name)
			}

			stack[sp] = traceFrame{
				origin:    sa.Data,
				base:      sa.Element(first, stride),
				stride:    stride,
				count:     sa.Num,
				index:     first,
				loopStart: ip,
				valid:     &sa.Bits,
			}

		case opAddStructReferencedObjects:
			fnIdx := int(ts.tokens[ip])
			ip++

			v := RefVisitor{tc: tc, referrer: obj, tokenIndex: tokenIndex}
			ts.funcs[fnIdx](unsafe.Add(base, t.offset()), &v)

		case opEndOfPointer:
			// Closes the indirect frame opened by the call token.

		case opAddReferencedObjects:
			fnIdx := int(ts.tokens[ip])
			ip++

			v := RefVisitor{tc: tc, referrer: obj, tokenIndex: tokenIndex}
			ts.funcs[fnIdx](unsafe.Pointer(obj), &v)

		case opFieldPath:
			fp := (*FieldPath)(unsafe.Add(base, t.offset()))
			if fp.Owner != nil && tc.handle(obj, &fp.Owner, tokenIndex, true) {
				fp.Cached = nil
			}

		case opArrayFieldPath:
			arr := (*ArrayHeader)(unsafe.Add(base, t.offset()))
			for i := int32(0); i < arr.Num; i++ {
				fp := (*FieldPath)(arr.Element(i, unsafe.Sizeof(FieldPath{})))
				if fp.Owner != nil && tc.handle(obj, &fp.Owner, tokenIndex, true) {
					fp.Cached = nil
				}
			}

		case opWeakObject, opLazyObject, opSoftObject:
			if tc.processWeak {
				tc.recordWeak((*WeakRef)(unsafe.Add(base, t.offset())))
			}

		case opArrayWeakObject, opArrayLazyObject, opArraySoftObject:
			if tc.processWeak {
				arr := (*ArrayHeader)(unsafe.Add(base, t.offset()))
				for i := int32(0); i < arr.Num; i++ {
					tc.recordWeak((*WeakRef)(arr.Element(i, unsafe.Sizeof(WeakRef{}))))
				}
			}

		case opDelegate:
			if tc.processWeak {
				d := (*Delegate)(unsafe.Add(base, t.offset()))
				tc.handleDelegate(obj, &d.Target, tokenIndex)
			}

		case opArrayDelegate:
			if tc.processWeak {
				arr := (*ArrayHeader)(unsafe.Add(base, t.offset()))
				for i := int32(0); i < arr.Num; i++ {
					d := (*Delegate)(arr.Element(i, unsafe.Sizeof(Delegate{})))
					tc.handleDelegate(obj, &d.Target, tokenIndex)
				}
			}

		case opMulticastDelegate:
			if tc.processWeak {
				mc := (*MulticastDelegate)(unsafe.Add(base, t.offset()))
				tc.traceMulticast(obj, mc, tokenIndex)
			}

		case opArrayMulticastDelegate:
			if tc.processWeak {
				arr := (*ArrayHeader)(unsafe.Add(base, t.offset()))
				for i := int32(0); i < arr.Num; i++ {
					mc := (*MulticastDelegate)(arr.Element(i, unsafe.Sizeof(MulticastDelegate{})))
					tc.traceMulticast(obj, mc, tokenIndex)
				}
			}

		default:
			return fmt.Errorf("%w: opcode %d at token %d, class %s (slot %d)",
				ErrUnknownToken, t.kind(), tokenIndex, cl.name, obj.slot)
		}
	}
}

func (tc *TraceContext) traceMulticast(obj *Object, mc *MulticastDelegate, tokenIndex int32) {
	for i := int32(0); i < mc.Invocations.Num; i++ {
		d := (*Delegate)(mc.Invocations.Element(i, unsafe.Sizeof(Delegate{})))
		tc.handleDelegate(obj, &d.Target, tokenIndex)
	}
}

// traceFrontier drains one frontier into the context's next frontier.
func (tc *TraceContext) traceFrontier(f *Frontier) error {
	for _, obj := range f.objects {
		if err := tc.traceObject(obj); err != nil {
			return err
		}
	}

	return nil
}

// markSingleThreaded processes the seed frontier to exhaustion, swapping
// the new frontier in whenever the current one drains.
func (c *Collector) markSingleThreaded(tc *TraceContext, seed *Frontier) error {
	cur := seed

	for len(cur.objects) > 0 {
		tc.next = c.pool.acquire()

		err := tc.traceFrontier(cur)

		c.pool.release(cur)
		cur = tc.next

		if err != nil {
			c.pool.release(cur)
			return err
		}
	}

	c.pool.release(cur)

	return nil
}
