package reach

import "sync"

// Frontier is a unit of mark work: a batch of objects queued for tracing,
// plus every weak-reference location the tracer saw while filling it. Weak
// locations are kept until the post-sweep pass so a single walk can null
// out handles to swept slots.
type Frontier struct {
	objects  []*Object
	weakRefs []*WeakRef

	tracked bool
}

func (f *Frontier) push(o *Object) {
	f.objects = append(f.objects, o)
}

func (f *Frontier) recordWeak(w *WeakRef) {
	f.weakRefs = append(f.weakRefs, w)
}

// frontierPool is the process-wide pool of frontier structs. Frontiers are
// reset between uses, not freed; capacity is retained so steady-state
// marking stops allocating.
type frontierPool struct {
	mu sync.Mutex

	free []*Frontier

	// used tracks every frontier handed out since the last weak-reference
	// pass, so that pass can walk all recorded weak locations even after
	// the frontiers were recycled within the cycle.
	used []*Frontier

	decayDenominator int

	totalAcquired  int64
	totalAllocated int64
}

func newFrontierPool(decayDenominator int) *frontierPool {
	return &frontierPool{decayDenominator: decayDenominator}
}

// acquire pops a pooled frontier or allocates one.
func (p *frontierPool) acquire() *Frontier {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalAcquired++

	var f *Frontier

	if n := len(p.free); n > 0 {
		f = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		f = &Frontier{}
		p.totalAllocated++
	}

	if !f.tracked {
		f.tracked = true
		p.used = append(p.used, f)
	}

	return f
}

// release resets the frontier's object list (capacity retained) and returns
// it to the pool. Recorded weak locations survive until clearWeakRefs.
func (p *frontierPool) release(f *Frontier) {
	f.objects = f.objects[:0]

	p.mu.Lock()
	p.free = append(p.free, f)
	p.mu.Unlock()
}

// dropWeakRefs forgets every weak location recorded during the cycle
// without touching the handles. Called when a cycle aborts: the locations
// point into object payloads that may be freed and recycled before the next
// cycle, so writing through them later would corrupt the new occupant.
func (p *frontierPool) dropWeakRefs() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, f := range p.used {
		f.weakRefs = f.weakRefs[:0]
		f.tracked = false
	}

	p.used = p.used[:0]
}

// clearWeakRefs walks every weak location recorded during the cycle and
// nulls handles whose target alive predicate fails. On fullPurge all pool
// memory is dropped; otherwise one in decayDenominator retained frontiers
// is deleted.
//
// Returns the number of handles nulled.
func (p *frontierPool) clearWeakRefs(fullPurge bool, alive func(WeakRef) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cleared := 0

	for _, f := range p.used {
		for _, w := range f.weakRefs {
			if !w.IsZero() && !alive(*w) {
				*w = WeakRef{}
				cleared++
			}
		}

		f.weakRefs = f.weakRefs[:0]
		f.tracked = false
	}

	p.used = p.used[:0]

	if fullPurge {
		p.free = nil
		return cleared
	}

	if p.decayDenominator > 0 {
		if drop := len(p.free) / p.decayDenominator; drop > 0 {
			p.free = p.free[:len(p.free)-drop]
		}
	}

	return cleared
}

// PoolStats describe the frontier pool, for diagnostics only.
type PoolStats struct {
	Retained       int
	PendingWeak    int
	TotalAcquired  int64
	TotalAllocated int64
}

func (p *frontierPool) dumpStats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending := 0
	for _, f := range p.used {
		pending += len(f.weakRefs)
	}

	return PoolStats{
		Retained:       len(p.free),
		PendingWeak:    pending,
		TotalAcquired:  p.totalAcquired,
		TotalAllocated: p.totalAllocated,
	}
}
