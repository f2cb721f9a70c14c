package reach

import "fmt"

// Token stream assembly. On first traced use (or explicitly at class
// finalize time) the class's declared fields are walked into a flat linear
// stream; inherited fields come first, walking the inheritance chain from
// the root. Assembly is idempotent: concurrent assemblers race on a single
// CAS publish and agree on equivalent streams.

type streamBuilder struct {
	class  *Class
	tokens []token
	funcs  []AddReferencedObjectsFn

	// pendingReturn counts container frames that close immediately before
	// the next emitted token; it becomes that token's return count.
	pendingReturn int
}

func (b *streamBuilder) emit(kind tokenKind, offset uintptr) (int, error) {
	if offset > maxTokenOffset {
		return 0, fmt.Errorf("%w: class %s offset %d", ErrFieldOffsetTooLarge, b.class.name, offset)
	}

	if b.pendingReturn > maxTokenReturnCount {
		return 0, fmt.Errorf("%w: class %s", ErrTokenStreamTooDeep, b.class.name)
	}

	idx := len(b.tokens)
	b.tokens = append(b.tokens, makeToken(kind, offset, uint32(b.pendingReturn)))
	b.pendingReturn = 0

	return idx, nil
}

func (b *streamBuilder) emitOperand(v token) int {
	idx := len(b.tokens)
	b.tokens = append(b.tokens, v)

	return idx
}

func (b *streamBuilder) emitFunc(fn AddReferencedObjectsFn) int {
	idx := len(b.funcs)
	b.funcs = append(b.funcs, fn)

	return idx
}

// emitContainer emits a frame-pushing container token: the stride operand,
// a skip-info operand patched once the body size is known, and the body
// itself. The frame closes by bumping pendingReturn, so whatever token comes
// next carries the close.
func (b *streamBuilder) emitContainer(kind tokenKind, f Field) error {
	if _, err := b.emit(kind, f.Offset); err != nil {
		return err
	}

	b.emitOperand(token(f.Stride))
	skipSlot := b.emitOperand(0)

	if err := b.emitFields(f.Inner); err != nil {
		return err
	}

	b.pendingReturn++

	skipIndex := len(b.tokens)
	if skipIndex > 0xFFFFFF {
		return fmt.Errorf("%w: class %s stream too long for skip index", ErrFieldOffsetTooLarge, b.class.name)
	}

	// pendingReturn here counts the closes that land on the skip target and
	// belong to this container or containers tail-nested in its body. None
	// of those frames exist when the container is skipped, so the skip path
	// must discount all of them, not just this one.
	b.tokens[skipSlot] = makeSkipInfo(skipIndex, b.pendingReturn)

	return nil
}

func (b *streamBuilder) emitFields(fields []Field) error {
	for _, f := range fields {
		if err := b.emitField(f); err != nil {
			return err
		}
	}

	return nil
}

func (b *streamBuilder) emitField(f Field) error {
	switch f.Kind {
	case FieldObject:
		_, err := b.emit(opObject, f.Offset)
		return err

	case FieldClass:
		_, err := b.emit(opClass, f.Offset)
		return err

	case FieldPersistentObject:
		_, err := b.emit(opPersistentObject, f.Offset)
		return err

	case FieldNoopPersistentObject:
		_, err := b.emit(opNoopPersistentObject, f.Offset)
		return err

	case FieldNoopClass:
		_, err := b.emit(opNoopClass, f.Offset)
		return err

	case FieldExternalPackage:
		_, err := b.emit(opExternalPackage, 0)
		return err

	case FieldArrayObject:
		_, err := b.emit(opArrayObject, f.Offset)
		return err

	case FieldArrayObjectFreezable:
		_, err := b.emit(opArrayObjectFreezable, f.Offset)
		return err

	case FieldFieldPath:
		_, err := b.emit(opFieldPath, f.Offset)
		return err

	case FieldArrayFieldPath:
		_, err := b.emit(opArrayFieldPath, f.Offset)
		return err

	case FieldWeakObject:
		_, err := b.emit(opWeakObject, f.Offset)
		return err

	case FieldArrayWeakObject:
		_, err := b.emit(opArrayWeakObject, f.Offset)
		return err

	case FieldLazyObject:
		_, err := b.emit(opLazyObject, f.Offset)
		return err

	case FieldArrayLazyObject:
		_, err := b.emit(opArrayLazyObject, f.Offset)
		return err

	case FieldSoftObject:
		_, err := b.emit(opSoftObject, f.Offset)
		return err

	case FieldArraySoftObject:
		_, err := b.emit(opArraySoftObject, f.Offset)
		return err

	case FieldDelegate:
		_, err := b.emit(opDelegate, f.Offset)
		return err

	case FieldArrayDelegate:
		_, err := b.emit(opArrayDelegate, f.Offset)
		return err

	case FieldMulticastDelegate:
		_, err := b.emit(opMulticastDelegate, f.Offset)
		return err

	case FieldArrayMulticastDelegate:
		_, err := b.emit(opArrayMulticastDelegate, f.Offset)
		return err

	case FieldFixedArray:
		// A fixed array with no reference-bearing elements contributes
		// nothing to the stream.
		if f.Count <= 0 || len(f.Inner) == 0 {
			return nil
		}

		if _, err := b.emit(opFixedArray, f.Offset); err != nil {
			return err
		}

		b.emitOperand(token(f.Stride))
		b.emitOperand(token(f.Count))

		if err := b.emitFields(f.Inner); err != nil {
			return err
		}

		b.pendingReturn++

		return nil

	case FieldArrayStruct:
		if len(f.Inner) == 0 {
			return nil
		}

		return b.emitContainer(opArrayStruct, f)

	case FieldOptional:
		if len(f.Inner) == 0 {
			return nil
		}

		return b.emitContainer(opOptional, f)

	case FieldMapReferenced:
		if len(f.Inner) == 0 {
			return nil
		}

		return b.emitContainer(opMapReferenced, f)

	case FieldSetReferenced:
		if len(f.Inner) == 0 {
			return nil
		}

		return b.emitContainer(opSetReferenced, f)

	case FieldStructCallback:
		if f.Fn == nil {
			return nil
		}

		if _, err := b.emit(opAddStructReferencedObjects, f.Offset); err != nil {
			return err
		}

		b.emitOperand(token(b.emitFunc(f.Fn)))

		_, err := b.emit(opEndOfPointer, 0)

		return err

	case FieldObjectCallback:
		if f.Fn == nil {
			return nil
		}

		if _, err := b.emit(opAddReferencedObjects, f.Offset); err != nil {
			return err
		}

		b.emitOperand(token(b.emitFunc(f.Fn)))

		return nil

	default:
		return fmt.Errorf("%w: class %s field kind %d", ErrUnknownToken, b.class.name, f.Kind)
	}
}

// AssembleTokenStream builds the class's token stream if it has not been
// built yet. Safe for concurrent use; every caller observes an assembled
// stream on nil return.
func (cl *Class) AssembleTokenStream() error {
	if cl.stream.Load() != nil {
		return nil
	}

	b := &streamBuilder{class: cl}

	// Inherited tokens first, root of the chain outward.
	var chain []*Class
	for c := cl; c != nil; c = c.super {
		chain = append(chain, c)
	}

	for i := len(chain) - 1; i >= 0; i-- {
		if err := b.emitFields(chain[i].fields); err != nil {
			return err
		}
	}

	if cl.outerOf != nil {
		if _, err := b.emit(opExternalPackage, 0); err != nil {
			return err
		}
	}

	if cl.addRefs != nil {
		if _, err := b.emit(opAddReferencedObjects, 0); err != nil {
			return err
		}

		b.emitOperand(token(b.emitFunc(cl.addRefs)))
	}

	if _, err := b.emit(opEndOfStream, 0); err != nil {
		return err
	}

	s := &TokenStream{tokens: b.tokens, funcs: b.funcs, class: cl}
	cl.stream.CompareAndSwap(nil, s)

	return nil
}
