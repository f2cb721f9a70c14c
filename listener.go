package reach

import "sync"

// Listener observes object lifecycle events, e.g. for editor tooling.
// Notifications run on the goroutine performing the registration or sweep;
// listeners must not register or unregister objects from inside a callback.
type Listener interface {
	// ObjectCreated fires after a slot is assigned.
	ObjectCreated(obj *Object, slot SlotIndex)

	// ObjectDeleted fires before the slot is freed. The object memory is
	// still valid during the call.
	ObjectDeleted(obj *Object, slot SlotIndex)
}

// listenerRegistry holds create/delete observers. A listener that panics is
// isolated: the panic is routed to the diagnostics hook and the remaining
// listeners still run.
type listenerRegistry struct {
	mu        sync.RWMutex
	listeners []Listener
	diag      func(format string, args ...any)
}

func newListenerRegistry(diag func(string, ...any)) *listenerRegistry {
	return &listenerRegistry{diag: diag}
}

func (r *listenerRegistry) add(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *listenerRegistry) remove(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.listeners[:0]

	for _, v := range r.listeners {
		if v != l {
			out = append(out, v)
		}
	}

	r.listeners = out
}

func (r *listenerRegistry) snapshot() []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]Listener(nil), r.listeners...)
}

func (r *listenerRegistry) notifyCreated(obj *Object, slot SlotIndex) {
	for _, l := range r.snapshot() {
		r.safeNotify(l, obj, slot, true)
	}
}

func (r *listenerRegistry) notifyDeleted(obj *Object, slot SlotIndex) {
	for _, l := range r.snapshot() {
		r.safeNotify(l, obj, slot, false)
	}
}

func (r *listenerRegistry) safeNotify(l Listener, obj *Object, slot SlotIndex, created bool) {
	defer func() {
		if p := recover(); p != nil {
			r.diag("reach: listener fault on slot %d: %v", slot, p)
		}
	}()

	if created {
		l.ObjectCreated(obj, slot)
	} else {
		l.ObjectDeleted(obj, slot)
	}
}
