package reach

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// refsOf runs a single-object trace and returns the dispatched targets.
func refsOf(t *testing.T, c *Collector, obj *Object) []*Object {
	t.Helper()

	var rc ReferenceCollector
	require.NoError(t, c.CollectReferences(obj, &rc))

	return rc.Refs
}

func Test_Trace_Dispatches_Plain_Reference_Fields(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, nil)
	cl := newLinkClass(t)

	a := mustNew(t, c, cl)
	b := mustNew(t, c, cl)
	p := mustNew(t, c, cl)

	link(a, linkOffA, b)
	link(a, linkOffP, p)

	require.Equal(t, []*Object{b, p}, refsOf(t, c, a))
}

func Test_Trace_Skips_Nil_Reference_Fields(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, nil)
	cl := newLinkClass(t)

	a := mustNew(t, c, cl)

	require.Empty(t, refsOf(t, c, a))
}

func Test_Trace_Walks_Reference_Arrays(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, nil)

	cl := NewClass(ClassSpec{
		Name:   "ArrNode",
		Size:   unsafe.Sizeof(ArrayHeader{}),
		Fields: []Field{{Kind: FieldArrayObject, Offset: 0}},
	})

	owner := mustNew(t, c, cl)
	targets := []*Object{mustNew(t, c, cl), mustNew(t, c, cl), mustNew(t, c, cl)}

	arr := ArrayAt(owner, 0)
	require.NoError(t, c.MakeArray(arr, 3, ptrSlot))

	for i, tgt := range targets {
		*arr.RefAt(int32(i)) = tgt
	}

	require.Equal(t, targets, refsOf(t, c, owner))
}

// structArrClass declares an array of 16-byte structs, each holding one
// reference at offset 0 and one at offset 8.
func structArrClass() *Class {
	return NewClass(ClassSpec{
		Name: "StructArr",
		Size: unsafe.Sizeof(ArrayHeader{}),
		Fields: []Field{
			{
				Kind:   FieldArrayStruct,
				Offset: 0,
				Stride: 16,
				Inner: []Field{
					{Kind: FieldObject, Offset: 0},
					{Kind: FieldObject, Offset: 8},
				},
			},
		},
	})
}

func Test_Trace_Iterates_Struct_Array_Elements(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, nil)
	cl := structArrClass()
	linkCl := newLinkClass(t)

	owner := mustNew(t, c, cl)

	t0 := mustNew(t, c, linkCl)
	t1 := mustNew(t, c, linkCl)
	t2 := mustNew(t, c, linkCl)
	t3 := mustNew(t, c, linkCl)

	arr := ArrayAt(owner, 0)
	require.NoError(t, c.MakeArray(arr, 2, 16))

	*(**Object)(arr.Element(0, 16)) = t0
	*(**Object)(unsafe.Add(arr.Element(0, 16), 8)) = t1
	*(**Object)(arr.Element(1, 16)) = t2
	*(**Object)(unsafe.Add(arr.Element(1, 16), 8)) = t3

	require.Equal(t, []*Object{t0, t1, t2, t3}, refsOf(t, c, owner))
}

func Test_Trace_Skips_Empty_Struct_Array(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, nil)
	cl := structArrClass()

	owner := mustNew(t, c, cl)

	require.Empty(t, refsOf(t, c, owner))
}

func Test_Trace_Skips_Chained_Empty_Containers(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, nil)

	// Two struct arrays back to back, then a trailing plain reference. Both
	// arrays stay empty; the trailing reference must still dispatch.
	cl := NewClass(ClassSpec{
		Name: "TwoArrays",
		Size: 2*unsafe.Sizeof(ArrayHeader{}) + 8,
		Fields: []Field{
			{Kind: FieldArrayStruct, Offset: 0, Stride: 8, Inner: []Field{{Kind: FieldObject, Offset: 0}}},
			{Kind: FieldArrayStruct, Offset: unsafe.Sizeof(ArrayHeader{}), Stride: 8, Inner: []Field{{Kind: FieldObject, Offset: 0}}},
			{Kind: FieldObject, Offset: 2 * unsafe.Sizeof(ArrayHeader{})},
		},
	})

	owner := mustNew(t, c, cl)
	target := mustNew(t, c, cl)

	link(owner, 2*unsafe.Sizeof(ArrayHeader{}), target)

	require.Equal(t, []*Object{target}, refsOf(t, c, owner))
}

func Test_Trace_Skips_Empty_TailNested_Containers(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, nil)

	// Outer struct array whose element type is itself a struct array. When
	// the outer array is empty, both pushed-frame discounts must line up.
	cl := NewClass(ClassSpec{
		Name: "NestedArr",
		Size: unsafe.Sizeof(ArrayHeader{}) + 8,
		Fields: []Field{
			{
				Kind:   FieldArrayStruct,
				Offset: 0,
				Stride: unsafe.Sizeof(ArrayHeader{}),
				Inner: []Field{
					{
						Kind:   FieldArrayStruct,
						Offset: 0,
						Stride: 8,
						Inner:  []Field{{Kind: FieldObject, Offset: 0}},
					},
				},
			},
			{Kind: FieldObject, Offset: unsafe.Sizeof(ArrayHeader{})},
		},
	})

	owner := mustNew(t, c, cl)
	target := mustNew(t, c, cl)

	link(owner, unsafe.Sizeof(ArrayHeader{}), target)

	require.Equal(t, []*Object{target}, refsOf(t, c, owner))
}

func Test_Trace_Walks_Nonempty_Nested_Struct_Arrays(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, nil)

	cl := NewClass(ClassSpec{
		Name: "NestedFull",
		Size: unsafe.Sizeof(ArrayHeader{}),
		Fields: []Field{
			{
				Kind:   FieldArrayStruct,
				Offset: 0,
				Stride: unsafe.Sizeof(ArrayHeader{}),
				Inner: []Field{
					{
						Kind:   FieldArrayStruct,
						Offset: 0,
						Stride: 8,
						Inner:  []Field{{Kind: FieldObject, Offset: 0}},
					},
				},
			},
		},
	})

	linkCl := newLinkClass(t)

	owner := mustNew(t, c, cl)

	outer := ArrayAt(owner, 0)
	require.NoError(t, c.MakeArray(outer, 2, unsafe.Sizeof(ArrayHeader{})))

	var want []*Object

	for i := range int32(2) {
		inner := (*ArrayHeader)(outer.Element(i, unsafe.Sizeof(ArrayHeader{})))
		require.NoError(t, c.MakeArray(inner, 2, ptrSlot))

		for j := range int32(2) {
			tgt := mustNew(t, c, linkCl)
			*inner.RefAt(j) = tgt
			want = append(want, tgt)
		}
	}

	require.Equal(t, want, refsOf(t, c, owner))
}

func Test_Trace_Fixed_Array_Iterates_Compile_Time_Count(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, nil)

	cl := NewClass(ClassSpec{
		Name: "Fixed",
		Size: 4 * 8,
		Fields: []Field{
			{
				Kind:   FieldFixedArray,
				Offset: 0,
				Stride: 8,
				Count:  4,
				Inner:  []Field{{Kind: FieldObject, Offset: 0}},
			},
		},
	})

	owner := mustNew(t, c, cl)

	want := make([]*Object, 4)
	for i := range want {
		want[i] = mustNew(t, c, cl)
		*RefSlot(owner, uintptr(i)*8) = want[i]
	}

	require.Equal(t, want, refsOf(t, c, owner))
}

func Test_Trace_Optional_Dispatches_Only_When_Set(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, nil)

	// Optional payload is one reference (8 bytes), flag byte after it.
	cl := NewClass(ClassSpec{
		Name: "Opt",
		Size: 8 + 1,
		Fields: []Field{
			{
				Kind:   FieldOptional,
				Offset: 0,
				Stride: 8,
				Inner:  []Field{{Kind: FieldObject, Offset: 0}},
			},
		},
	})

	owner := mustNew(t, c, cl)
	target := mustNew(t, c, cl)

	link(owner, 0, target)

	require.Empty(t, refsOf(t, c, owner), "unset optional must not dispatch")

	*OptionalSetFlag(owner, 0, 8) = true

	require.Equal(t, []*Object{target}, refsOf(t, c, owner))
}

func Test_Trace_Sparse_Container_Skips_Holes(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, nil)

	cl := NewClass(ClassSpec{
		Name: "Sparse",
		Size: 32,
		Fields: []Field{
			{
				Kind:   FieldSetReferenced,
				Offset: 0,
				Stride: 8,
				Inner:  []Field{{Kind: FieldObject, Offset: 0}},
			},
		},
	})

	linkCl := newLinkClass(t)

	owner := mustNew(t, c, cl)
	sa := SparseAt(owner, 0)
	require.NoError(t, c.MakeSparse(sa, 5, 8))

	inHole := mustNew(t, c, linkCl)
	live1 := mustNew(t, c, linkCl)
	live3 := mustNew(t, c, linkCl)

	*(**Object)(sa.Element(0, 8)) = inHole // bit never set: must not dispatch
	*(**Object)(sa.Element(1, 8)) = live1
	*(**Object)(sa.Element(3, 8)) = live3

	sa.Bits.Set(1)
	sa.Bits.Set(3)

	require.Equal(t, []*Object{live1, live3}, refsOf(t, c, owner))
}

func Test_Trace_Sparse_Container_All_Holes_Takes_Skip_Path(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, nil)

	cl := NewClass(ClassSpec{
		Name: "AllHoles",
		Size: 32 + 8,
		Fields: []Field{
			{Kind: FieldMapReferenced, Offset: 0, Stride: 8, Inner: []Field{{Kind: FieldObject, Offset: 0}}},
			{Kind: FieldObject, Offset: 32},
		},
	})

	owner := mustNew(t, c, cl)
	target := mustNew(t, c, cl)

	sa := SparseAt(owner, 0)
	require.NoError(t, c.MakeSparse(sa, 4, 8))

	link(owner, 32, target)

	require.Equal(t, []*Object{target}, refsOf(t, c, owner))
}

func Test_Trace_Struct_Callback_Receives_Field_Address(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, nil)

	var gotPtr unsafe.Pointer

	cl := NewClass(ClassSpec{
		Name: "Callback",
		Size: 16,
		Fields: []Field{
			{
				Kind:   FieldStructCallback,
				Offset: 8,
				Fn: func(ptr unsafe.Pointer, v *RefVisitor) {
					gotPtr = ptr
					v.Visit((**Object)(ptr))
				},
			},
		},
	})

	owner := mustNew(t, c, cl)
	target := mustNew(t, c, cl)

	link(owner, 8, target)

	require.Equal(t, []*Object{target}, refsOf(t, c, owner))
	require.Equal(t, unsafe.Add(owner.Memory(), 8), gotPtr)
}

func Test_Trace_Class_Callback_Receives_Object(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, nil)

	var got *Object

	cl := NewClass(ClassSpec{
		Name: "ObjCallback",
		Size: 8,
		AddReferencedObjects: func(ptr unsafe.Pointer, v *RefVisitor) {
			got = (*Object)(ptr)
			v.Visit((**Object)(unsafe.Add(ptr, objectHeaderSize)))
		},
	})

	owner := mustNew(t, c, cl)
	target := mustNew(t, c, cl)

	link(owner, 0, target)

	require.Equal(t, []*Object{target}, refsOf(t, c, owner))
	require.Same(t, owner, got)
}

func Test_Trace_External_Package_Dispatches_Outer(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, nil)

	var pkg *Object

	cl := NewClass(ClassSpec{
		Name:    "Inner",
		Size:    8,
		OuterOf: func(*Object) *Object { return pkg },
	})

	pkgCl := newLinkClass(t)
	pkg = mustNew(t, c, pkgCl)

	owner := mustNew(t, c, cl)

	require.Equal(t, []*Object{pkg}, refsOf(t, c, owner))
}

func Test_Trace_Fails_When_Stream_Missing_And_Assembly_Disabled(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, func(cfg *Config) {
		cfg.AutoAssembleTokenStreams = false
	})

	cl := newLinkClass(t)
	obj := mustNew(t, c, cl)

	require.NoError(t, c.AddToRoot(obj.SlotIndex()))

	err := c.Collect(nil, false, false)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTokenStreamNotAssembled))

	// The aborted cycle must leave no mark bits behind; a later cycle with
	// assembly allowed succeeds.
	require.NoError(t, cl.AssembleTokenStream())
	require.NoError(t, c.Collect(nil, false, false))
	require.True(t, c.IsValid(obj.SlotIndex(), false))
}

func Test_Trace_MaxDepth_Guard_Reports_TooDeep(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, nil)

	// Nest a handful of levels of runtime frames via fixed arrays; depth
	// stays within limits, and dispatch still works at the innermost level.
	inner := []Field{{Kind: FieldObject, Offset: 0}}
	for range 4 {
		inner = []Field{{Kind: FieldFixedArray, Offset: 0, Stride: 8, Count: 1, Inner: inner}}
	}

	cl := NewClass(ClassSpec{Name: "DeepFixed", Size: 8, Fields: inner})

	owner := mustNew(t, c, cl)
	target := mustNew(t, c, cl)

	link(owner, 0, target)

	require.Equal(t, []*Object{target}, refsOf(t, c, owner))
}

func Test_Trace_Noop_Tokens_Dispatch_Only_When_Enabled(t *testing.T) {
	t.Parallel()

	cl := NewClass(ClassSpec{
		Name: "NoopHolder",
		Size: 16,
		Fields: []Field{
			{Kind: FieldNoopPersistentObject, Offset: 0},
			{Kind: FieldNoopClass, Offset: 8},
		},
	})

	quiet := newTestCollector(t, nil)
	chatty := newTestCollector(t, func(cfg *Config) {
		cfg.ProcessNoOpTokens = true
	})

	holder := mustNew(t, quiet, cl)
	a := mustNew(t, quiet, cl)
	b := mustNew(t, quiet, cl)
	link(holder, 0, a)
	link(holder, 8, b)

	var rc ReferenceCollector
	require.NoError(t, quiet.CollectReferences(holder, &rc))
	require.Zero(t, rc.Dispatches, "no-op tokens must stay silent by default")

	holder = mustNew(t, chatty, cl)
	a = mustNew(t, chatty, cl)
	b = mustNew(t, chatty, cl)
	link(holder, 0, a)
	link(holder, 8, b)

	rc = ReferenceCollector{}
	require.NoError(t, chatty.CollectReferences(holder, &rc))
	require.Equal(t, 2, rc.Dispatches)
	require.Equal(t, []*Object{a, b}, rc.Refs)
}

func Test_Trace_Map_Dispatches_Key_And_Value_Refs_Skipping_Holes(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, nil)

	// Element layout: key reference at 0, value struct holding a reference
	// at 8 (stride 16).
	cl := NewClass(ClassSpec{
		Name: "RefMap",
		Size: 32,
		Fields: []Field{
			{
				Kind:   FieldMapReferenced,
				Offset: 0,
				Stride: 16,
				Inner: []Field{
					{Kind: FieldObject, Offset: 0},
					{Kind: FieldObject, Offset: 8},
				},
			},
		},
	})

	linkCl := newLinkClass(t)

	owner := mustNew(t, c, cl)
	sa := SparseAt(owner, 0)
	require.NoError(t, c.MakeSparse(sa, 4, 16))

	keys := make([]*Object, 4)
	vals := make([]*Object, 4)

	for i := range keys {
		keys[i] = mustNew(t, c, linkCl)
		vals[i] = mustNew(t, c, linkCl)

		*(**Object)(sa.Element(int32(i), 16)) = keys[i]
		*(**Object)(unsafe.Add(sa.Element(int32(i), 16), 8)) = vals[i]
	}

	// Index 2 is the hole; its key and value must not dispatch.
	sa.Bits.Set(0)
	sa.Bits.Set(1)
	sa.Bits.Set(3)

	var rc ReferenceCollector
	require.NoError(t, c.CollectReferences(owner, &rc))

	require.Equal(t, 6, rc.Dispatches)
	require.Equal(t, []*Object{
		keys[0], vals[0],
		keys[1], vals[1],
		keys[3], vals[3],
	}, rc.Refs)
}
