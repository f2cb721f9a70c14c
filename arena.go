package reach

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// arena owns the memory managed objects live in. Blocks are carved out of
// anonymously mmap'd chunks and recycled through per-size-class free lists;
// nothing is ever handed back to the OS before Shutdown.
//
// Keeping object memory out of the Go heap matters: payloads hold raw
// *Object references the Go runtime cannot see, so they must never trigger
// its scanning, and every referenced object is kept alive by the table
// instead.
type arena struct {
	mu sync.Mutex

	chunks [][]byte
	cur    []byte

	// bins holds recycled blocks keyed by rounded block size.
	bins map[uintptr][]unsafe.Pointer

	bytesReserved  int64
	bytesAllocated int64
}

const (
	arenaChunkSize = 4 << 20
	arenaAlign     = 16
)

func newArena() *arena {
	return &arena{bins: make(map[uintptr][]unsafe.Pointer)}
}

func roundBlockSize(size uintptr) uintptr {
	if size == 0 {
		size = 1
	}

	return (size + arenaAlign - 1) &^ uintptr(arenaAlign-1)
}

func (a *arena) mapChunk(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("arena mmap: %w", err)
	}

	a.chunks = append(a.chunks, mem)
	a.bytesReserved += int64(size)

	return mem, nil
}

// alloc returns a zeroed block of at least size bytes, 16-aligned.
func (a *arena) alloc(size uintptr) (unsafe.Pointer, error) {
	size = roundBlockSize(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	if bin := a.bins[size]; len(bin) > 0 {
		p := bin[len(bin)-1]
		a.bins[size] = bin[:len(bin)-1]

		// Recycled blocks must come back zeroed; fresh mmap memory
		// already is.
		clear(unsafe.Slice((*byte)(p), size))

		a.bytesAllocated += int64(size)

		return p, nil
	}

	if uintptr(len(a.cur)) < size {
		chunkSize := arenaChunkSize
		if int(size) > chunkSize {
			chunkSize = int(size)
		}

		mem, err := a.mapChunk(chunkSize)
		if err != nil {
			return nil, err
		}

		a.cur = mem
	}

	p := unsafe.Pointer(&a.cur[0])
	a.cur = a.cur[size:]
	a.bytesAllocated += int64(size)

	return p, nil
}

// free recycles a block for reuse by later allocs of the same size class.
func (a *arena) free(p unsafe.Pointer, size uintptr) {
	size = roundBlockSize(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.bins[size] = append(a.bins[size], p)
	a.bytesAllocated -= int64(size)
}

// shutdown unmaps every chunk. All object memory becomes invalid.
func (a *arena) shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range a.chunks {
		_ = unix.Munmap(c)
	}

	a.chunks = nil
	a.cur = nil
	a.bins = make(map[uintptr][]unsafe.Pointer)
	a.bytesReserved = 0
	a.bytesAllocated = 0
}

func (a *arena) stats() (reserved, allocated int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.bytesReserved, a.bytesAllocated
}
