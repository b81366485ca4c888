package arena

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/foundry/memutils"
)

// DefaultChunkSize is the capacity of the first chunk when an Arena is
// created without an explicit initial capacity.
const DefaultChunkSize = 64 * 1024

// Arena is a chunked bump allocator for host scratch memory- asset decode
// buffers, ephemeral descriptor arrays, and other allocations whose
// lifetimes all end together. Alloc never fails: when the active chunk
// cannot fit a request, a new chunk is appended, sized to fit both the
// request and a 1.5x growth factor, and the cursor restarts at zero. The
// unused tail of the previous chunk is permanently wasted, which is the
// price paid for O(1) allocation with no free lists.
//
// Individual allocations are never reclaimed. Reset drops every chunk at
// once without running any per-object cleanup, so values placed in an Arena
// must be trivially destructible. Because chunks are untyped byte memory
// that the garbage collector does not scan, values placed in an Arena must
// also not contain Go pointers.
//
// An Arena is not safe for concurrent use.
type Arena struct {
	chunks [][]byte
	// Bump offset into the last chunk
	cursor int

	stats memutils.Statistics
}

// New creates an Arena whose first chunk has the provided capacity in
// bytes. A non-positive capacity gets DefaultChunkSize.
func New(initialCapacity int) *Arena {
	if initialCapacity <= 0 {
		initialCapacity = DefaultChunkSize
	}

	a := &Arena{
		chunks: [][]byte{make([]byte, initialCapacity)},
	}
	a.stats.BlockCount = 1
	a.stats.BlockBytes = initialCapacity

	return a
}

// Alloc returns a pointer to req.Size bytes aligned to req.Alignment.
// It always succeeds- exhaustion of the active chunk triggers growth, never
// failure. A zero or non-power-of-two alignment is a contract violation and
// panics.
func (a *Arena) Alloc(req memutils.AllocRequest) unsafe.Pointer {
	if req.Alignment == 0 {
		panic("arena: allocation request with zero alignment")
	}
	if err := memutils.CheckPow2(req.Alignment, "arena allocation alignment"); err != nil {
		panic(err)
	}
	if req.Size < 0 {
		panic(errors.Errorf("arena: allocation request with negative size %d", req.Size))
	}

	active := a.chunks[len(a.chunks)-1]
	base := uintptr(unsafe.Pointer(unsafe.SliceData(active)))
	aligned := alignPointerUp(base+uintptr(a.cursor), req.Alignment)
	offset := int(aligned - base)

	if offset+req.Size > len(active) {
		a.grow(req)
		active = a.chunks[len(a.chunks)-1]
		base = uintptr(unsafe.Pointer(unsafe.SliceData(active)))
		aligned = alignPointerUp(base, req.Alignment)
		offset = int(aligned - base)
	}

	a.cursor = offset + req.Size
	a.stats.AllocationCount++
	a.stats.AllocationBytes += req.Size
	memutils.DebugValidate(a)

	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(active)), offset)
}

// grow appends a chunk large enough for the request plus its worst-case
// alignment padding, applying the 1.5x growth factor, and resets the cursor.
func (a *Arena) grow(req memutils.AllocRequest) {
	previousCapacity := len(a.chunks[len(a.chunks)-1])

	newCapacity := previousCapacity + previousCapacity/2
	needed := req.Size + int(req.Alignment)
	if needed > newCapacity {
		newCapacity = needed
	}

	a.chunks = append(a.chunks, make([]byte, newCapacity))
	a.cursor = 0
	a.stats.BlockCount++
	a.stats.BlockBytes += newCapacity
}

// Reset discards every allocation at once, keeping only the most recent
// chunk for reuse. No destructors run- the arena's contents simply stop
// existing.
func (a *Arena) Reset() {
	last := a.chunks[len(a.chunks)-1]
	a.chunks = a.chunks[:1]
	a.chunks[0] = last
	a.cursor = 0

	a.stats.Clear()
	a.stats.BlockCount = 1
	a.stats.BlockBytes = len(last)
	memutils.DebugValidate(a)
}

// RemainingCapacity returns the unallocated byte count of the active chunk.
// Space wasted in earlier chunks is not included- it is unreachable.
func (a *Arena) RemainingCapacity() int {
	return len(a.chunks[len(a.chunks)-1]) - a.cursor
}

// ChunkCount returns the number of chunks currently owned by the arena.
func (a *Arena) ChunkCount() int {
	return len(a.chunks)
}

// AddStatistics sums this arena's counters into the provided statistics
// object.
func (a *Arena) AddStatistics(stats *memutils.Statistics) {
	stats.AddStatistics(&a.stats)
}

// Validate performs internal consistency checks on the arena.
func (a *Arena) Validate() error {
	if len(a.chunks) == 0 {
		return errors.New("arena has no chunks")
	}
	if a.cursor > len(a.chunks[len(a.chunks)-1]) {
		return errors.Errorf("arena cursor %d is past the end of the active chunk of size %d", a.cursor, len(a.chunks[len(a.chunks)-1]))
	}
	return nil
}

func alignPointerUp(addr uintptr, alignment uint) uintptr {
	return (addr + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
}
