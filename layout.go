package reach

import (
	"unsafe"

	"github.com/calvinalkan/reach/sparse"
)

// In-memory reference layouts interpreted by the tracer. All of these are
// plain-old-data and live inside object payloads at the byte offsets the
// class's fields declare. The accessor functions below are the supported way
// to read and write them from Go code; the tracer itself goes through the
// token stream.

// ArrayHeader is the in-payload header of a dynamic array: element storage
// pointer plus element counts. Element stride depends on the declaring
// field (pointer-sized for reference arrays, the declared stride for struct
// arrays).
type ArrayHeader struct {
	Data unsafe.Pointer
	Num  int32
	Cap  int32
}

// Element returns the address of element i given the element stride.
func (a *ArrayHeader) Element(i int32, stride uintptr) unsafe.Pointer {
	return unsafe.Add(a.Data, uintptr(i)*stride)
}

// RefAt returns the address of reference element i of a reference array.
func (a *ArrayHeader) RefAt(i int32) **Object {
	return (**Object)(a.Element(i, unsafe.Sizeof(uintptr(0))))
}

// WeakRef is a weak handle: a slot index plus the serial number observed
// when the handle was taken. A WeakRef survives slot reuse: resolving after
// the slot was freed and recycled fails on serial mismatch.
//
// The zero WeakRef resolves to nil.
type WeakRef struct {
	Index  SlotIndex
	Serial int32
}

// IsZero reports whether the handle was never bound to an object.
func (w WeakRef) IsZero() bool {
	return w.Serial == 0
}

// LazyRef is a lazily-resolved reference; for tracing purposes it is its
// embedded weak handle.
type LazyRef struct {
	Weak WeakRef
}

// SoftRef is a by-path reference; for tracing purposes it is its embedded
// weak handle.
type SoftRef struct {
	Weak WeakRef
}

// Delegate binds a callable to a target object through a weak handle.
type Delegate struct {
	Target WeakRef
}

// MulticastDelegate holds a dynamic array of [Delegate] invocations.
type MulticastDelegate struct {
	Invocations ArrayHeader
}

// FieldPath is a deferred reference into a field of an owning object. The
// tracer enqueues the owner; when the owner is eliminated the cached field
// address is cleared alongside.
type FieldPath struct {
	Owner  *Object
	Cached unsafe.Pointer
}

// Payload accessors. All offsets are relative to [Object.Memory].

// RefSlot returns the address of a plain reference at off.
func RefSlot(o *Object, off uintptr) **Object {
	return (**Object)(unsafe.Add(o.Memory(), off))
}

// WeakAt returns the weak handle at off.
func WeakAt(o *Object, off uintptr) *WeakRef {
	return (*WeakRef)(unsafe.Add(o.Memory(), off))
}

// ArrayAt returns the dynamic-array header at off.
func ArrayAt(o *Object, off uintptr) *ArrayHeader {
	return (*ArrayHeader)(unsafe.Add(o.Memory(), off))
}

// SparseAt returns the sparse-array header at off.
func SparseAt(o *Object, off uintptr) *sparse.Array {
	return (*sparse.Array)(unsafe.Add(o.Memory(), off))
}

// DelegateAt returns the delegate at off.
func DelegateAt(o *Object, off uintptr) *Delegate {
	return (*Delegate)(unsafe.Add(o.Memory(), off))
}

// MulticastAt returns the multicast delegate at off.
func MulticastAt(o *Object, off uintptr) *MulticastDelegate {
	return (*MulticastDelegate)(unsafe.Add(o.Memory(), off))
}

// FieldPathAt returns the field path at off.
func FieldPathAt(o *Object, off uintptr) *FieldPath {
	return (*FieldPath)(unsafe.Add(o.Memory(), off))
}

// OptionalSetFlag returns the address of an optional field's set flag. The
// flag byte sits immediately after the payload, whose size the declaring
// field carries as its stride.
func OptionalSetFlag(o *Object, off, payloadSize uintptr) *bool {
	return (*bool)(unsafe.Add(o.Memory(), off+payloadSize))
}
