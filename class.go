package reach

import (
	"sync/atomic"
	"unsafe"
)

// FieldKind classifies a reference-bearing field of a class. Each kind maps
// to one token opcode during stream assembly.
type FieldKind uint8

// Field kinds, mirroring the token opcode set.
const (
	FieldObject FieldKind = iota
	FieldClass
	FieldPersistentObject
	FieldExternalPackage
	FieldArrayObject
	FieldArrayObjectFreezable
	FieldArrayStruct
	FieldFixedArray
	FieldOptional
	FieldMapReferenced
	FieldSetReferenced
	FieldStructCallback
	FieldObjectCallback
	FieldFieldPath
	FieldArrayFieldPath
	FieldWeakObject
	FieldArrayWeakObject
	FieldLazyObject
	FieldArrayLazyObject
	FieldSoftObject
	FieldArraySoftObject
	FieldDelegate
	FieldArrayDelegate
	FieldMulticastDelegate
	FieldArrayMulticastDelegate
	FieldNoopPersistentObject
	FieldNoopClass
)

// AddReferencedObjectsFn is an indirect reference callback embedded in a
// token stream. ptr is the object or struct base the callback should walk;
// references are reported through the visitor.
type AddReferencedObjectsFn func(ptr unsafe.Pointer, v *RefVisitor)

// Field describes one reference-bearing field of a class.
type Field struct {
	// Kind selects the token opcode.
	Kind FieldKind

	// Offset is the field's byte offset within the declaring structure
	// (the object payload, or the enclosing container element).
	Offset uintptr

	// Count is the element count of a FieldFixedArray.
	Count int32

	// Stride is the element size of struct/map/set containers and fixed
	// arrays, and the payload size of a FieldOptional.
	Stride uintptr

	// Inner declares the reference fields of a container's element type,
	// with offsets relative to the element base.
	Inner []Field

	// Fn is the callback of a FieldStructCallback.
	Fn AddReferencedObjectsFn
}

// ClassSpec declares a class descriptor.
type ClassSpec struct {
	Name  string
	Super *Class

	// Size is the payload size in bytes.
	Size uintptr

	// Fields are the reference-bearing fields declared by this class
	// itself; inherited fields come from Super.
	Fields []Field

	// CastFlags is an opaque bitset the runtime uses for fast casts.
	CastFlags uint64

	// Finalizer, if set, runs on each instance right before its slot is
	// swept.
	Finalizer func(*Object)

	// OuterOf, if set, resolves the implicit back-reference to the owning
	// package; it backs the FieldExternalPackage kind.
	OuterOf func(*Object) *Object

	// AddReferencedObjects, if set, is the class-level indirect reference
	// callback, emitted once at the end of the stream.
	AddReferencedObjects AddReferencedObjectsFn
}

// Class is a class descriptor: identity, inheritance chain, declared
// reference fields, and the lazily assembled token stream.
type Class struct {
	name      string
	super     *Class
	size      uintptr
	castFlags uint64
	fields    []Field

	finalizer func(*Object)
	outerOf   func(*Object) *Object
	addRefs   AddReferencedObjectsFn

	// stream non-nil means assembled (the assembled-flag and the stream
	// are one atomic word).
	stream atomic.Pointer[TokenStream]
}

// NewClass builds a class descriptor from its spec. The token stream is not
// assembled yet; it is built on first traced use (when the configuration
// allows) or explicitly via [Class.AssembleTokenStream].
func NewClass(spec ClassSpec) *Class {
	return &Class{
		name:      spec.Name,
		super:     spec.Super,
		size:      spec.Size,
		castFlags: spec.CastFlags,
		fields:    spec.Fields,
		finalizer: spec.Finalizer,
		outerOf:   spec.OuterOf,
		addRefs:   spec.AddReferencedObjects,
	}
}

// Name returns the class name.
func (cl *Class) Name() string {
	return cl.name
}

// Super returns the parent class, or nil.
func (cl *Class) Super() *Class {
	return cl.super
}

// Size returns the payload size in bytes.
func (cl *Class) Size() uintptr {
	return cl.size
}

// CastFlags returns the cast-flag bitset.
func (cl *Class) CastFlags() uint64 {
	return cl.castFlags
}

// IsChildOf reports whether cl is other or inherits from it.
func (cl *Class) IsChildOf(other *Class) bool {
	for c := cl; c != nil; c = c.super {
		if c == other {
			return true
		}
	}

	return false
}

// TokenStreamAssembled reports whether the class's token stream has been
// built.
func (cl *Class) TokenStreamAssembled() bool {
	return cl.stream.Load() != nil
}

// tokenStream returns the assembled stream, or nil.
func (cl *Class) tokenStream() *TokenStream {
	return cl.stream.Load()
}
