package vulkan

import (
	"math"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/foundry/gpumem"
	"github.com/vkngwrapper/foundry/memutils"
	"golang.org/x/exp/slog"
)

// MemoryBacking allocates whole device-memory chunks on behalf of the pools
// in gpumem. Host-visible chunks are persistently mapped for their entire
// lifetime, so pool suballocations can write through the mapped bytes
// without map/unmap churn.
//
// It maintains an atomic count of live allocations so that the device's
// maxMemoryAllocationCount limit is enforced before the driver is asked.
type MemoryBacking struct {
	logger *slog.Logger

	allocationCallbacks *driver.AllocationCallbacks
	memoryCount         uint32

	device           core1_0.Device
	physicalDevice   core1_0.PhysicalDevice
	deviceProperties *core1_0.PhysicalDeviceProperties
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
	extensionData    *ExtensionData
}

var _ gpumem.Backing = &MemoryBacking{}

// NewMemoryBacking builds a backing for the provided device. The allocation
// callbacks may be nil.
func NewMemoryBacking(
	logger *slog.Logger,
	device core1_0.Device,
	physicalDevice core1_0.PhysicalDevice,
	allocationCallbacks *driver.AllocationCallbacks,
) (*MemoryBacking, error) {
	backing := &MemoryBacking{
		logger:              logger,
		allocationCallbacks: allocationCallbacks,

		device:         device,
		physicalDevice: physicalDevice,
		extensionData:  NewExtensionData(device),
	}

	var err error
	backing.deviceProperties, err = physicalDevice.Properties()
	if err != nil {
		return nil, err
	}

	backing.memoryProperties = physicalDevice.MemoryProperties()

	err = memutils.CheckPow2(backing.deviceProperties.Limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	return backing, nil
}

func (m *MemoryBacking) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *MemoryBacking) MemoryHeapCount() int {
	return len(m.memoryProperties.MemoryHeaps)
}

func (m *MemoryBacking) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *MemoryBacking) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

func (m *MemoryBacking) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return m.memoryProperties.MemoryHeaps[heapIndex]
}

func (m *MemoryBacking) IsMemoryTypeHostVisible(memoryTypeIndex int) bool {
	flags := m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&core1_0.MemoryPropertyHostVisible != 0
}

func (m *MemoryBacking) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

// Extensions returns the optional capabilities probed at creation.
func (m *MemoryBacking) Extensions() *ExtensionData {
	return m.extensionData
}

// AllocationCount returns the number of live device-memory allocations.
func (m *MemoryBacking) AllocationCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}

// FindMemoryTypeIndex locates the cheapest memory type allowed by
// memoryTypeBits that has every required flag, preferring types that also
// carry the preferred flags.
func (m *MemoryBacking) FindMemoryTypeIndex(
	memoryTypeBits uint32,
	requiredFlags core1_0.MemoryPropertyFlags,
	preferredFlags core1_0.MemoryPropertyFlags,
) (int, common.VkResult, error) {
	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < m.MemoryTypeCount(); memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := m.memoryProperties.MemoryTypes[memTypeIndex].PropertyFlags
		if requiredFlags&flags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags))
		if cost == 0 {
			return memTypeIndex, core1_0.VKSuccess, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, core1_0.VKErrorFeatureNotPresent, core1_0.VKErrorFeatureNotPresent.ToError()
	}

	return bestMemoryTypeIndex, core1_0.VKSuccess, nil
}

// AllocateChunk allocates one device-memory object of the provided memory
// type. Host-visible memory is mapped before the chunk is returned.
func (m *MemoryBacking) AllocateChunk(memoryTypeIndex int, size int) (chunk gpumem.Chunk, err error) {
	newDeviceCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		// If we failed out, roll back the device increment
		if err != nil {
			// Decrement
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	if int(newDeviceCount) > m.deviceProperties.Limits.MaxMemoryAllocationCount {
		return nil, core1_0.VKErrorTooManyObjects.ToError()
	}

	memory, _, err := m.device.AllocateMemory(m.allocationCallbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate %d bytes of memory type %d", size, memoryTypeIndex)
	}

	var mapped []byte
	if m.IsMemoryTypeHostVisible(memoryTypeIndex) {
		mapData, _, err := memory.Map(0, -1, core1_0.MemoryMapFlags(0))
		if err != nil {
			memory.Free(m.allocationCallbacks)
			return nil, errors.Wrapf(err, "failed to map %d bytes of memory type %d", size, memoryTypeIndex)
		}

		mapped = unsafe.Slice((*byte)(mapData), size)
	}

	m.logger.Debug("MemoryBacking::AllocateChunk",
		slog.Int("memoryTypeIndex", memoryTypeIndex),
		slog.Int("size", size),
		slog.Bool("mapped", mapped != nil))

	return &memoryChunk{
		memory:          memory,
		memoryTypeIndex: memoryTypeIndex,
		size:            size,
		mapped:          mapped,
	}, nil
}

// FreeChunk unmaps and frees a chunk previously returned from
// AllocateChunk. Passing a chunk from another backing panics.
func (m *MemoryBacking) FreeChunk(chunk gpumem.Chunk) {
	realChunk, ok := chunk.(*memoryChunk)
	if !ok {
		panic("attempted to free a chunk that did not come from this backing")
	}

	if realChunk.mapped != nil {
		realChunk.memory.Unmap()
		realChunk.mapped = nil
	}
	realChunk.memory.Free(m.allocationCallbacks)

	// Decrement
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}

// FlushAllocation flushes host writes in an allocation's range when the
// chunk lives in non-coherent memory. Coherent memory is a no-op. The range
// is widened to the device's nonCoherentAtomSize as the driver requires.
func (m *MemoryBacking) FlushAllocation(alloc gpumem.DeviceAlloc) (common.VkResult, error) {
	realChunk, ok := alloc.Chunk.(*memoryChunk)
	if !ok {
		panic("attempted to flush a chunk that did not come from this backing")
	}

	if !m.IsMemoryTypeHostNonCoherent(realChunk.memoryTypeIndex) {
		return core1_0.VKSuccess, nil
	}

	atomSize := uint(m.deviceProperties.Limits.NonCoherentAtomSize)
	offset := memutils.AlignDown(alloc.Offset, atomSize)
	end := memutils.AlignUp(alloc.Offset+alloc.Size, atomSize)
	if end > realChunk.size {
		end = realChunk.size
	}

	return m.device.FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: realChunk.memory,
			Offset: offset,
			Size:   end - offset,
		},
	})
}

type memoryChunk struct {
	memory          core1_0.DeviceMemory
	memoryTypeIndex int
	size            int
	mapped          []byte
}

var _ gpumem.Chunk = &memoryChunk{}

func (c *memoryChunk) Size() int {
	return c.size
}

func (c *memoryChunk) Mapped() []byte {
	return c.mapped
}

// DeviceMemory returns the underlying device-memory handle, for callers
// that bind images or buffers against the chunk.
func (c *memoryChunk) DeviceMemory() core1_0.DeviceMemory {
	return c.memory
}
