package reach

import "sync/atomic"

// weakEpoch assigns monotone serial numbers to slots on first weak
// observation and validates weak handles against current slot state.
//
// Serials start at a nonzero sentinel so a freed slot (serial zero) can
// never match an outstanding handle.
type weakEpoch struct {
	counter atomic.Int32
}

func newWeakEpoch() *weakEpoch {
	e := &weakEpoch{}
	e.counter.Store(firstWeakSerial - 1)

	return e
}

// serialFor returns the slot's serial, assigning the next epoch value on
// first observation. Safe for concurrent use; racing assigners agree on one
// winner's value.
func (e *weakEpoch) serialFor(item *slotItem) int32 {
	for {
		s := item.serial.Load()
		if s != 0 {
			return s
		}

		next := e.counter.Add(1)
		if item.serial.CompareAndSwap(0, next) {
			return next
		}
	}
}

// invalidate resets the slot's serial so outstanding weak handles miss.
// Called on slot free.
func (e *weakEpoch) invalidate(item *slotItem) {
	item.serial.Store(0)
}

// SerialForWeak returns the weak serial for a slot, assigning one if the
// slot was never observed. Returns zero for invalid slots.
func (c *Collector) SerialForWeak(idx SlotIndex) int32 {
	if c.closed.Load() || !c.table.inRange(idx) {
		return 0
	}

	item := c.table.slot(idx)
	if item.object.Load() == nil {
		return 0
	}

	return c.epoch.serialFor(item)
}

// WeakTo returns a weak handle to a registered object. The zero WeakRef is
// returned for unregistered objects.
func (c *Collector) WeakTo(o *Object) WeakRef {
	if o == nil || o.slot == InvalidSlot {
		return WeakRef{}
	}

	serial := c.SerialForWeak(o.slot)
	if serial == 0 {
		return WeakRef{}
	}

	return WeakRef{Index: o.slot, Serial: serial}
}

// ResolveWeak returns the object a weak handle points at, or nil if the
// slot was freed, recycled, marked unreachable or pending kill.
func (c *Collector) ResolveWeak(w WeakRef) *Object {
	return c.resolveWeak(w, false)
}

// ResolveWeakEvenIfPendingKill is ResolveWeak with the caller policy that
// tolerates pending-kill targets.
func (c *Collector) ResolveWeakEvenIfPendingKill(w WeakRef) *Object {
	return c.resolveWeak(w, true)
}

func (c *Collector) resolveWeak(w WeakRef, includePendingKill bool) *Object {
	if c.closed.Load() || w.IsZero() || !c.table.inRange(w.Index) {
		return nil
	}

	item := c.table.slot(w.Index)

	obj := item.object.Load()
	if obj == nil || item.serial.Load() != w.Serial {
		return nil
	}

	if item.hasAny(flagUnreachable) {
		return nil
	}

	if !includePendingKill && item.hasAny(flagPendingKill) {
		return nil
	}

	return obj
}
