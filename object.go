package reach

import "unsafe"

// SlotIndex identifies an entry in the indexed object table.
type SlotIndex int32

// InvalidSlot is the slot index of an unregistered object.
const InvalidSlot SlotIndex = -1

// ClusterID identifies a cluster record in the cluster manager.
type ClusterID int32

// Object is the header of a managed object. The object's payload follows
// the header in the same arena block; its layout is fixed for the object's
// lifetime and described by the class's fields.
//
// Objects are created with [Collector.NewObject] and carry their own slot
// index, giving constant-time [Collector.SlotForObject].
type Object struct {
	class *Class
	slot  SlotIndex
	_     int32
}

// objectHeaderSize is the payload offset within an object block. The header
// is 16 bytes on 64-bit targets, which also keeps payloads 16-aligned.
const objectHeaderSize = unsafe.Sizeof(Object{})

// Class returns the object's class descriptor.
func (o *Object) Class() *Class {
	return o.class
}

// SlotIndex returns the object's slot in the indexed object table, or
// [InvalidSlot] if the object is not registered.
func (o *Object) SlotIndex() SlotIndex {
	return o.slot
}

// Memory returns the base address of the object's payload. Field offsets in
// the class's token stream are relative to this address.
func (o *Object) Memory() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(o), objectHeaderSize)
}
