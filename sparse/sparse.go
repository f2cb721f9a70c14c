// Package sparse provides the bit-array and sparse-array layouts the
// collector interprets inside managed object memory.
//
// Both types are plain-old-data headers: the word and element storage they
// point at is owned by the caller (typically the collector's arena). The
// types here only define the layout and the index arithmetic over it; they
// never allocate.
package sparse

import "unsafe"

// BitArray is a fixed-size bit set over caller-owned word storage.
//
// Words points at ceil(NumBits/64) contiguous uint64 words. A nil Words with
// NumBits zero is a valid empty bit array.
type BitArray struct {
	Words   *uint64
	NumBits int32
}

// WordCount returns the number of uint64 words needed for n bits.
func WordCount(n int32) int {
	return (int(n) + 63) / 64
}

func (b *BitArray) word(i int32) *uint64 {
	return (*uint64)(unsafe.Add(unsafe.Pointer(b.Words), uintptr(i/64)*8))
}

// Test reports whether bit i is set. Out-of-range indices read as unset.
func (b *BitArray) Test(i int32) bool {
	if i < 0 || i >= b.NumBits {
		return false
	}

	return *b.word(i)&(1<<(uint(i)%64)) != 0
}

// Set sets bit i. Out of range is a no-op.
func (b *BitArray) Set(i int32) {
	if i < 0 || i >= b.NumBits {
		return
	}

	*b.word(i) |= 1 << (uint(i) % 64)
}

// Clear clears bit i. Out of range is a no-op.
func (b *BitArray) Clear(i int32) {
	if i < 0 || i >= b.NumBits {
		return
	}

	*b.word(i) &^= 1 << (uint(i) % 64)
}

// NextSet returns the index of the first set bit at or after from, or -1.
func (b *BitArray) NextSet(from int32) int32 {
	if from < 0 {
		from = 0
	}

	for i := from; i < b.NumBits; i++ {
		if b.Test(i) {
			return i
		}
	}

	return -1
}

// CountSet returns the number of set bits.
func (b *BitArray) CountSet() int {
	n := 0

	for i := int32(0); i < b.NumBits; i++ {
		if b.Test(i) {
			n++
		}
	}

	return n
}

// Array is a sparse dynamic array header: element storage plus an allocation
// bitmap marking which indices hold live elements. Holes (freed indices) stay
// allocated in Data but have their bit cleared.
//
// Num is one past the highest index ever allocated; Cap is the allocated
// element capacity. The bitmap is the valid-index predicate container tokens
// use to skip holes.
type Array struct {
	Data unsafe.Pointer
	Num  int32
	Cap  int32
	Bits BitArray
}

// IsValidIndex reports whether index i holds a live element.
func (a *Array) IsValidIndex(i int32) bool {
	return i >= 0 && i < a.Num && a.Bits.Test(i)
}

// Element returns the address of element i given the element stride.
func (a *Array) Element(i int32, stride uintptr) unsafe.Pointer {
	return unsafe.Add(a.Data, uintptr(i)*stride)
}

// FirstValid returns the first live index, or -1 if the array is empty or
// consists entirely of holes.
func (a *Array) FirstValid() int32 {
	if a.Num == 0 {
		return -1
	}

	i := a.Bits.NextSet(0)
	if i >= a.Num {
		return -1
	}

	return i
}

// NumValid returns the number of live elements.
func (a *Array) NumValid() int {
	n := 0

	for i := int32(0); i < a.Num; i++ {
		if a.Bits.Test(i) {
			n++
		}
	}

	return n
}
