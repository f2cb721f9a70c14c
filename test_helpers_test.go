package reach

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// newTestCollector builds a small collector for one test and tears it down
// with the test.
func newTestCollector(t *testing.T, mut func(*Config)) *Collector {
	t.Helper()

	cfg := DefaultConfig()
	cfg.MaxObjects = 1 << 16
	cfg.ParallelEnabled = false

	if mut != nil {
		mut(&cfg)
	}

	c, err := New(cfg)
	require.NoError(t, err)

	t.Cleanup(c.Shutdown)

	return c
}

const ptrSlot = unsafe.Sizeof(uintptr(0))

// linkClass is the workhorse test class: two eliminating references, one
// persistent reference and one weak handle.
//
//	offset 0   ref A (Object)
//	offset 8   ref B (Object)
//	offset 16  ref P (PersistentObject)
//	offset 24  weak (WeakObject)
const (
	linkOffA    = 0
	linkOffB    = 8
	linkOffP    = 16
	linkOffWeak = 24
	linkSize    = 32
)

func newLinkClass(t *testing.T) *Class {
	t.Helper()

	return NewClass(ClassSpec{
		Name: "LinkNode",
		Size: linkSize,
		Fields: []Field{
			{Kind: FieldObject, Offset: linkOffA},
			{Kind: FieldObject, Offset: linkOffB},
			{Kind: FieldPersistentObject, Offset: linkOffP},
			{Kind: FieldWeakObject, Offset: linkOffWeak},
		},
	})
}

func mustNew(t *testing.T, c *Collector, cl *Class) *Object {
	t.Helper()

	obj, err := c.NewObject(cl)
	require.NoError(t, err)

	return obj
}

func link(from *Object, off uintptr, to *Object) {
	*RefSlot(from, off) = to
}

// collect runs a single-threaded non-purging cycle.
func collect(t *testing.T, c *Collector, roots ...SlotIndex) {
	t.Helper()
	require.NoError(t, c.Collect(roots, false, false))
}
