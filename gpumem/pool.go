package gpumem

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/foundry/memutils"
	"golang.org/x/exp/slog"
)

// DeviceMemoryPool suballocates fixed-capacity device-memory chunks of a
// single memory type by bumping a cursor, using the same align-and-advance
// arithmetic as arena.Arena but against device memory. When the active
// chunk is exhausted the pool replaces it with a larger one; the old chunk
// is retired rather than freed, because live DeviceAllocs may still
// reference it. Retired chunks are only released by Destroy.
//
// A DeviceMemoryPool is exclusively owned by whichever heap collaborator
// allocates from it and is not safe for concurrent use.
type DeviceMemoryPool struct {
	logger          *slog.Logger
	backing         Backing
	memoryTypeIndex int

	chunk   Chunk
	cursor  int
	retired []Chunk

	stats memutils.Statistics
}

// NewDeviceMemoryPool creates a pool with one chunk of the provided
// capacity, allocated from the given memory type.
func NewDeviceMemoryPool(logger *slog.Logger, backing Backing, memoryTypeIndex int, capacity int) (*DeviceMemoryPool, error) {
	if capacity <= 0 {
		return nil, errors.Newf("device memory pool capacity must be positive, but is %d", capacity)
	}

	chunk, err := backing.AllocateChunk(memoryTypeIndex, capacity)
	if err != nil {
		return nil, err
	}

	p := &DeviceMemoryPool{
		logger:          logger,
		backing:         backing,
		memoryTypeIndex: memoryTypeIndex,
		chunk:           chunk,
	}
	p.stats.BlockCount = 1
	p.stats.BlockBytes = chunk.Size()

	return p, nil
}

// Allocate suballocates from the active chunk, growing the pool if the
// request does not fit. The returned DeviceAlloc is owned by the caller's
// resource until pool-level reclamation. A zero or non-power-of-two
// alignment or a negative size is a contract violation and panics.
func (p *DeviceMemoryPool) Allocate(req memutils.AllocRequest) (DeviceAlloc, error) {
	if req.Alignment == 0 {
		panic("gpumem: allocation request with zero alignment")
	}
	if err := memutils.CheckPow2(req.Alignment, "device pool allocation alignment"); err != nil {
		panic(err)
	}
	if req.Size < 0 {
		panic(errors.Newf("gpumem: allocation request with negative size %d", req.Size))
	}

	offset := memutils.AlignUp(p.cursor, req.Alignment)
	if offset+req.Size > p.chunk.Size() {
		err := p.grow(req)
		if err != nil {
			return DeviceAlloc{}, err
		}
		offset = 0
	}

	p.cursor = offset + req.Size
	p.stats.AllocationCount++
	p.stats.AllocationBytes += req.Size
	memutils.DebugValidate(p)

	return DeviceAlloc{
		Chunk:  p.chunk,
		Offset: offset,
		Size:   req.Size,
	}, nil
}

// grow retires the active chunk and replaces it with one sized to fit the
// request and a 1.5x growth factor.
func (p *DeviceMemoryPool) grow(req memutils.AllocRequest) error {
	previousCapacity := p.chunk.Size()

	newCapacity := previousCapacity + previousCapacity/2
	needed := memutils.AlignUp(req.Size, req.Alignment)
	if needed > newCapacity {
		newCapacity = needed
	}

	p.logger.Debug("DeviceMemoryPool::grow",
		slog.Int("MemoryTypeIndex", p.memoryTypeIndex),
		slog.Int("PreviousCapacity", previousCapacity),
		slog.Int("NewCapacity", newCapacity))

	chunk, err := p.backing.AllocateChunk(p.memoryTypeIndex, newCapacity)
	if err != nil {
		return err
	}

	p.retired = append(p.retired, p.chunk)
	p.chunk = chunk
	p.cursor = 0
	p.stats.BlockCount++
	p.stats.BlockBytes += newCapacity
	return nil
}

// Clear resets the cursor without releasing device memory; the active chunk
// is reused for subsequent allocations. The caller must guarantee that no
// live resource still references the pool's prior suballocations.
func (p *DeviceMemoryPool) Clear() {
	p.cursor = 0
	p.stats.AllocationCount = 0
	p.stats.AllocationBytes = 0
}

// Destroy releases the active chunk and every retired chunk back to the
// backing.
func (p *DeviceMemoryPool) Destroy() {
	p.logger.Debug("DeviceMemoryPool::Destroy")

	for _, chunk := range p.retired {
		p.backing.FreeChunk(chunk)
	}
	p.retired = nil

	if p.chunk != nil {
		p.backing.FreeChunk(p.chunk)
		p.chunk = nil
	}
}

// Capacity returns the active chunk's size in bytes.
func (p *DeviceMemoryPool) Capacity() int {
	return p.chunk.Size()
}

// RemainingCapacity returns the unallocated byte count of the active chunk.
func (p *DeviceMemoryPool) RemainingCapacity() int {
	return p.chunk.Size() - p.cursor
}

// MemoryTypeIndex returns the device memory type this pool allocates from.
func (p *DeviceMemoryPool) MemoryTypeIndex() int {
	return p.memoryTypeIndex
}

// AddStatistics sums this pool's counters into the provided statistics
// object.
func (p *DeviceMemoryPool) AddStatistics(stats *memutils.Statistics) {
	stats.AddStatistics(&p.stats)
}

// PoolJsonData populates a json object with information about this pool.
func (p *DeviceMemoryPool) PoolJsonData(json jwriter.ObjectState) {
	json.Name("MemoryTypeIndex").Int(p.memoryTypeIndex)
	json.Name("Cursor").Int(p.cursor)
	json.Name("RetiredChunks").Int(len(p.retired))
	p.stats.WriteJson(json)
}

// Validate performs internal consistency checks on the pool.
func (p *DeviceMemoryPool) Validate() error {
	if p.chunk == nil {
		return errors.New("device memory pool has no active chunk")
	}
	if p.cursor > p.chunk.Size() {
		return errors.Newf("device memory pool cursor %d is past the end of the active chunk of size %d", p.cursor, p.chunk.Size())
	}
	return nil
}
