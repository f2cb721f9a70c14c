package reach

// sweepUnreachable frees every collectable slot the mark phase did not
// reach. Native-protected slots are never swept even when unmarked.
//
// Order per slot: the Unreachable flag goes up first so concurrent weak
// resolution fails fast, then delete listeners observe the object while its
// memory is untouched, then the weak serial is invalidated, then the class
// finalizer runs, then the slot is released.
func (c *Collector) sweepUnreachable() int {
	swept := 0

	n := c.table.numElements.Load()
	for i := c.table.firstGCIndex; i < n; i++ {
		idx := SlotIndex(i)

		item := c.table.slot(idx)

		obj := item.object.Load()
		if obj == nil {
			continue
		}

		if item.hasAny(flagReachable | flagNative) {
			continue
		}

		item.setFlags(flagUnreachable)

		c.listeners.notifyDeleted(obj, idx)
		c.epoch.invalidate(item)

		if fin := obj.class.finalizer; fin != nil {
			fin(obj)
		}

		if err := c.releaseSlot(obj, idx); err != nil {
			c.diag("reach: sweep failed to free slot %d: %v", idx, err)
			continue
		}

		swept++
	}

	return swept
}

// clearMarks resets the Reachable bit on every collectable slot,
// restoring the between-cycles state where no mark bits are set.
func (c *Collector) clearMarks() {
	n := c.table.numElements.Load()
	for i := c.table.firstGCIndex; i < n; i++ {
		item := c.table.slot(SlotIndex(i))

		if item.hasAny(flagReachable) {
			item.clearFlags(flagReachable)
		}
	}
}
