package reach

import (
	"unsafe"

	"github.com/calvinalkan/reach/sparse"
)

// Container construction. Payload containers must never point at Go-managed
// storage (the tracer walks them while the Go GC knows nothing about the
// object graph), so element and bitmap storage comes from the collector's
// arena. These helpers are the supported way to size them.

// MakeArray sizes a dynamic array to n elements of the given stride. Storage
// is zeroed. Existing storage is released first.
func (c *Collector) MakeArray(a *ArrayHeader, n int32, stride uintptr) error {
	if c.closed.Load() {
		return ErrShutdown
	}

	c.FreeArray(a, stride)

	if n == 0 {
		return nil
	}

	p, err := c.arena.alloc(uintptr(n) * stride)
	if err != nil {
		return err
	}

	a.Data = p
	a.Num = n
	a.Cap = n

	return nil
}

// GrowArray extends a dynamic array to n elements, preserving existing
// element bytes. Shrinking only lowers Num.
func (c *Collector) GrowArray(a *ArrayHeader, n int32, stride uintptr) error {
	if c.closed.Load() {
		return ErrShutdown
	}

	if n <= a.Num {
		a.Num = n
		return nil
	}

	if n <= a.Cap {
		a.Num = n
		return nil
	}

	p, err := c.arena.alloc(uintptr(n) * stride)
	if err != nil {
		return err
	}

	if a.Data != nil && a.Num > 0 {
		size := uintptr(a.Num) * stride
		copy(unsafe.Slice((*byte)(p), size), unsafe.Slice((*byte)(a.Data), size))
		c.arena.free(a.Data, uintptr(a.Cap)*stride)
	}

	a.Data = p
	a.Num = n
	a.Cap = n

	return nil
}

// FreeArray releases a dynamic array's storage and zeroes the header.
func (c *Collector) FreeArray(a *ArrayHeader, stride uintptr) {
	if a.Data != nil {
		c.arena.free(a.Data, uintptr(a.Cap)*stride)
	}

	*a = ArrayHeader{}
}

// MakeSparse sizes a sparse array to n element positions of the given
// stride, all initially holes. Existing storage is released first.
func (c *Collector) MakeSparse(sa *sparse.Array, n int32, stride uintptr) error {
	if c.closed.Load() {
		return ErrShutdown
	}

	c.FreeSparse(sa, stride)

	if n == 0 {
		return nil
	}

	data, err := c.arena.alloc(uintptr(n) * stride)
	if err != nil {
		return err
	}

	words, err := c.arena.alloc(uintptr(sparse.WordCount(n)) * 8)
	if err != nil {
		c.arena.free(data, uintptr(n)*stride)
		return err
	}

	sa.Data = data
	sa.Num = n
	sa.Cap = n
	sa.Bits = sparse.BitArray{Words: (*uint64)(words), NumBits: n}

	return nil
}

// FreeSparse releases a sparse array's element and bitmap storage and zeroes
// the header.
func (c *Collector) FreeSparse(sa *sparse.Array, stride uintptr) {
	if sa.Data != nil {
		c.arena.free(sa.Data, uintptr(sa.Cap)*stride)
	}

	if sa.Bits.Words != nil {
		c.arena.free(unsafe.Pointer(sa.Bits.Words), uintptr(sparse.WordCount(sa.Bits.NumBits))*8)
	}

	*sa = sparse.Array{}
}
