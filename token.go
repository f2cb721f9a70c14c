package reach

// A token is a packed uint32 instruction in a class's reference layout:
//
//	bits  0..7   opcode
//	bits  8..27  byte offset within the owning structure
//	bits 28..31  return count: frames the interpreter closes on entry
//
// Some opcodes carry auxiliary operands (counts, strides, skip info,
// function-table indices) as whole uint32s in the following stream
// positions; operands are consumed only as part of their opcode's dispatch.
type token uint32

type tokenKind uint8

// Token opcodes. EndOfStream is zero so zeroed memory terminates.
const (
	opEndOfStream tokenKind = iota
	opObject
	opClass
	opPersistentObject
	opExternalPackage
	opArrayObject
	opArrayObjectFreezable
	opArrayStruct
	opFixedArray
	opOptional
	opMapReferenced
	opSetReferenced
	opAddStructReferencedObjects
	opAddReferencedObjects
	opFieldPath
	opArrayFieldPath
	opWeakObject
	opArrayWeakObject
	opLazyObject
	opArrayLazyObject
	opSoftObject
	opArraySoftObject
	opDelegate
	opArrayDelegate
	opMulticastDelegate
	opArrayMulticastDelegate
	opEndOfPointer
	opNoopPersistentObject
	opNoopClass

	numOpcodes
)

var opcodeNames = [numOpcodes]string{
	opEndOfStream:                "EndOfStream",
	opObject:                     "Object",
	opClass:                      "Class",
	opPersistentObject:           "PersistentObject",
	opExternalPackage:            "ExternalPackage",
	opArrayObject:                "ArrayObject",
	opArrayObjectFreezable:       "ArrayObjectFreezable",
	opArrayStruct:                "ArrayStruct",
	opFixedArray:                 "FixedArray",
	opOptional:                   "Optional",
	opMapReferenced:              "MapReferenced",
	opSetReferenced:              "SetReferenced",
	opAddStructReferencedObjects: "AddStructReferencedObjects",
	opAddReferencedObjects:       "AddReferencedObjects",
	opFieldPath:                  "FieldPath",
	opArrayFieldPath:             "ArrayFieldPath",
	opWeakObject:                 "WeakObject",
	opArrayWeakObject:            "ArrayWeakObject",
	opLazyObject:                 "LazyObject",
	opArrayLazyObject:            "ArrayLazyObject",
	opSoftObject:                 "SoftObject",
	opArraySoftObject:            "ArraySoftObject",
	opDelegate:                   "Delegate",
	opArrayDelegate:              "ArrayDelegate",
	opMulticastDelegate:          "MulticastDelegate",
	opArrayMulticastDelegate:     "ArrayMulticastDelegate",
	opEndOfPointer:               "EndOfPointer",
	opNoopPersistentObject:       "NoopPersistentObject",
	opNoopClass:                  "NoopClass",
}

func (k tokenKind) String() string {
	if k < numOpcodes {
		return opcodeNames[k]
	}

	return "Invalid"
}

func makeToken(kind tokenKind, offset uintptr, returnCount uint32) token {
	return token(uint32(kind) | uint32(offset)<<8 | returnCount<<28)
}

func (t token) kind() tokenKind {
	return tokenKind(t & 0xFF)
}

func (t token) offset() uintptr {
	return uintptr(t>>8) & maxTokenOffset
}

func (t token) returnCount() int {
	return int(t >> 28)
}

// skipInfo packs a container's skip target: the index of the first token
// after the container body (24 bits) and the number of unpushed frames the
// skip path must account for at that token (8 bits).
func makeSkipInfo(skipIndex int, skipReturnCount int) token {
	return token(uint32(skipIndex) | uint32(skipReturnCount)<<24)
}

func (t token) skipIndex() int {
	return int(t & 0xFFFFFF)
}

func (t token) skipReturnCount() int {
	return int(t >> 24)
}

// TokenStream is a class's assembled reference layout: the packed token
// array plus the function table indirect-call tokens index into.
type TokenStream struct {
	tokens []token
	funcs  []AddReferencedObjectsFn
	class  *Class
}

// Len returns the number of uint32 positions in the stream, operands
// included.
func (s *TokenStream) Len() int {
	return len(s.tokens)
}
