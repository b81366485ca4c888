package vulkan

import (
	"io"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/mocks"
	"github.com/vkngwrapper/foundry/gpumem"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func buildBacking(t *testing.T, device core1_0.Device, physicalDevice core1_0.PhysicalDevice) *MemoryBacking {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	backing, err := NewMemoryBacking(logger, device, physicalDevice, nil)
	require.NoError(t, err)
	return backing
}

func TestBackingMapsHostVisibleChunks(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})
	physicalDevice.EXPECT().Properties().Return(&core1_0.PhysicalDeviceProperties{
		Limits: &core1_0.PhysicalDeviceLimits{
			NonCoherentAtomSize:      1,
			MaxMemoryAllocationCount: 10,
		},
	}, nil).AnyTimes()
	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     0,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1000000},
		},
	}).AnyTimes()

	backing := buildBacking(t, device, physicalDevice)

	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		AllocationSize:  256,
		MemoryTypeIndex: 0,
	}).Return(memory, core1_0.VKSuccess, nil)

	data := make([]byte, 256)
	dataPtr := unsafe.Pointer(&data[0])
	memory.EXPECT().Map(0, -1, core1_0.MemoryMapFlags(0)).Return(dataPtr, core1_0.VKSuccess, nil)

	chunk, err := backing.AllocateChunk(0, 256)
	require.NoError(t, err)
	require.Equal(t, 256, chunk.Size())
	require.Equal(t, uint32(1), backing.AllocationCount())

	// Writes through the chunk's mapped bytes land in the mapped memory
	chunk.Mapped()[10] = 0xCD
	require.Equal(t, byte(0xCD), data[10])

	memory.EXPECT().Unmap()
	memory.EXPECT().Free(gomock.Any())
	backing.FreeChunk(chunk)
	require.Equal(t, uint32(0), backing.AllocationCount())
}

func TestBackingLeavesDeviceLocalChunksUnmapped(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})
	physicalDevice.EXPECT().Properties().Return(&core1_0.PhysicalDeviceProperties{
		Limits: &core1_0.PhysicalDeviceLimits{
			NonCoherentAtomSize:      1,
			MaxMemoryAllocationCount: 10,
		},
	}, nil).AnyTimes()
	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1000000},
		},
	}).AnyTimes()

	backing := buildBacking(t, device, physicalDevice)

	// No Map call is expected for device-local memory
	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		AllocationSize:  512,
		MemoryTypeIndex: 0,
	}).Return(memory, core1_0.VKSuccess, nil)

	chunk, err := backing.AllocateChunk(0, 512)
	require.NoError(t, err)
	require.Nil(t, chunk.Mapped())

	// And no Unmap on free
	memory.EXPECT().Free(gomock.Any())
	backing.FreeChunk(chunk)
}

func TestBackingEnforcesAllocationCountLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})
	physicalDevice.EXPECT().Properties().Return(&core1_0.PhysicalDeviceProperties{
		Limits: &core1_0.PhysicalDeviceLimits{
			NonCoherentAtomSize:      1,
			MaxMemoryAllocationCount: 1,
		},
	}, nil).AnyTimes()
	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1000000},
		},
	}).AnyTimes()

	backing := buildBacking(t, device, physicalDevice)

	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		AllocationSize:  64,
		MemoryTypeIndex: 0,
	}).Return(memory, core1_0.VKSuccess, nil)

	chunk, err := backing.AllocateChunk(0, 64)
	require.NoError(t, err)

	// The limit is enforced before the driver is asked- no AllocateMemory
	// expectation exists for this call
	_, err = backing.AllocateChunk(0, 64)
	require.Error(t, err)
	require.Equal(t, uint32(1), backing.AllocationCount())

	// Freeing makes room again
	memory.EXPECT().Free(gomock.Any())
	backing.FreeChunk(chunk)

	memory2 := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		AllocationSize:  64,
		MemoryTypeIndex: 0,
	}).Return(memory2, core1_0.VKSuccess, nil)

	_, err = backing.AllocateChunk(0, 64)
	require.NoError(t, err)
}

func TestBackingRollsBackCountOnAllocationFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})
	physicalDevice.EXPECT().Properties().Return(&core1_0.PhysicalDeviceProperties{
		Limits: &core1_0.PhysicalDeviceLimits{
			NonCoherentAtomSize:      1,
			MaxMemoryAllocationCount: 1,
		},
	}, nil).AnyTimes()
	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1000000},
		},
	}).AnyTimes()

	backing := buildBacking(t, device, physicalDevice)

	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		AllocationSize:  64,
		MemoryTypeIndex: 0,
	}).Return(nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError())

	_, err := backing.AllocateChunk(0, 64)
	require.Error(t, err)
	require.Equal(t, uint32(0), backing.AllocationCount())

	// The failed attempt did not consume the single allocation slot
	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		AllocationSize:  64,
		MemoryTypeIndex: 0,
	}).Return(memory, core1_0.VKSuccess, nil)

	_, err = backing.AllocateChunk(0, 64)
	require.NoError(t, err)
	require.Equal(t, uint32(1), backing.AllocationCount())
}

func TestBackingRollsBackOnMapFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})
	physicalDevice.EXPECT().Properties().Return(&core1_0.PhysicalDeviceProperties{
		Limits: &core1_0.PhysicalDeviceLimits{
			NonCoherentAtomSize:      1,
			MaxMemoryAllocationCount: 10,
		},
	}, nil).AnyTimes()
	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     0,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1000000},
		},
	}).AnyTimes()

	backing := buildBacking(t, device, physicalDevice)

	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		AllocationSize:  128,
		MemoryTypeIndex: 0,
	}).Return(memory, core1_0.VKSuccess, nil)
	memory.EXPECT().Map(0, -1, core1_0.MemoryMapFlags(0)).
		Return(nil, core1_0.VKErrorMemoryMapFailed, core1_0.VKErrorMemoryMapFailed.ToError())
	memory.EXPECT().Free(gomock.Any())

	_, err := backing.AllocateChunk(0, 128)
	require.Error(t, err)
	require.Equal(t, uint32(0), backing.AllocationCount())
}

func TestFlushWidensToNonCoherentAtomSize(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})
	physicalDevice.EXPECT().Properties().Return(&core1_0.PhysicalDeviceProperties{
		Limits: &core1_0.PhysicalDeviceLimits{
			NonCoherentAtomSize:      64,
			MaxMemoryAllocationCount: 10,
		},
	}, nil).AnyTimes()
	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				// Host-visible without host-coherent: flushes are required
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached,
				HeapIndex:     0,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1000000},
		},
	}).AnyTimes()

	backing := buildBacking(t, device, physicalDevice)

	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		AllocationSize:  250,
		MemoryTypeIndex: 0,
	}).Return(memory, core1_0.VKSuccess, nil)

	data := make([]byte, 250)
	memory.EXPECT().Map(0, -1, core1_0.MemoryMapFlags(0)).
		Return(unsafe.Pointer(&data[0]), core1_0.VKSuccess, nil)

	chunk, err := backing.AllocateChunk(0, 250)
	require.NoError(t, err)

	// [70, 80) widens outward to the 64-byte atom grid: [64, 128)
	device.EXPECT().FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: memory,
			Offset: 64,
			Size:   64,
		},
	}).Return(core1_0.VKSuccess, nil)

	_, err = backing.FlushAllocation(gpumem.DeviceAlloc{Chunk: chunk, Offset: 70, Size: 10})
	require.NoError(t, err)

	// A range whose widened end would pass the chunk is clamped to its size
	device.EXPECT().FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: memory,
			Offset: 192,
			Size:   58,
		},
	}).Return(core1_0.VKSuccess, nil)

	_, err = backing.FlushAllocation(gpumem.DeviceAlloc{Chunk: chunk, Offset: 230, Size: 20})
	require.NoError(t, err)
}

func TestFlushCoherentMemoryIsNoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})
	physicalDevice.EXPECT().Properties().Return(&core1_0.PhysicalDeviceProperties{
		Limits: &core1_0.PhysicalDeviceLimits{
			NonCoherentAtomSize:      64,
			MaxMemoryAllocationCount: 10,
		},
	}, nil).AnyTimes()
	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     0,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1000000},
		},
	}).AnyTimes()

	backing := buildBacking(t, device, physicalDevice)

	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		AllocationSize:  128,
		MemoryTypeIndex: 0,
	}).Return(memory, core1_0.VKSuccess, nil)

	data := make([]byte, 128)
	memory.EXPECT().Map(0, -1, core1_0.MemoryMapFlags(0)).
		Return(unsafe.Pointer(&data[0]), core1_0.VKSuccess, nil)

	chunk, err := backing.AllocateChunk(0, 128)
	require.NoError(t, err)

	// No FlushMappedMemoryRanges expectation: coherent memory needs none
	res, err := backing.FlushAllocation(gpumem.DeviceAlloc{Chunk: chunk, Offset: 0, Size: 64})
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
}

func TestFindMemoryTypeIndex(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})
	physicalDevice.EXPECT().Properties().Return(&core1_0.PhysicalDeviceProperties{
		Limits: &core1_0.PhysicalDeviceLimits{
			NonCoherentAtomSize:      1,
			MaxMemoryAllocationCount: 10,
		},
	}, nil).AnyTimes()
	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible,
				HeapIndex:     1,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     1,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1000000},
			{Size: 1000000},
		},
	}).AnyTimes()

	backing := buildBacking(t, device, physicalDevice)

	// The coherent type has zero missing preferred flags
	index, res, err := backing.FindMemoryTypeIndex(0xffffffff,
		core1_0.MemoryPropertyHostVisible, core1_0.MemoryPropertyHostCoherent)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, 2, index)

	// With the coherent type banned by the bitmask, the plain host-visible
	// type wins despite its cost
	index, _, err = backing.FindMemoryTypeIndex(0b011,
		core1_0.MemoryPropertyHostVisible, core1_0.MemoryPropertyHostCoherent)
	require.NoError(t, err)
	require.Equal(t, 1, index)

	// No type carries the required combination
	_, res, err = backing.FindMemoryTypeIndex(0xffffffff,
		core1_0.MemoryPropertyDeviceLocal|core1_0.MemoryPropertyHostVisible, 0)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorFeatureNotPresent, res)
}
