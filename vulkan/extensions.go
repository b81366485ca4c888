package vulkan

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory"
)

// ExtensionData is the set of optional device capabilities the memory
// backing cares about, probed once at creation time.
type ExtensionData struct {
	// Whether memory can be exported to or imported from other APIs
	ExternalMemory bool
	// Whether allocations can carry an ext_memory_priority hint
	UseMemoryPriority bool
}

// NewExtensionData probes the device for optional capabilities.
func NewExtensionData(device core1_0.Device) *ExtensionData {
	data := &ExtensionData{}

	// Apply device capabilities- add core or extension capabilities to the backing
	device11 := core1_1.PromoteDevice(device)
	if device11 != nil {
		// Core 1.1 active - that means we can use khr_external_memory
		data.ExternalMemory = true
	}

	// khr_external_memory if core 1.1 is not active
	if !data.ExternalMemory && device.IsDeviceExtensionActive(khr_external_memory.ExtensionName) {
		data.ExternalMemory = true
	}

	// ext_memory_priority
	if device.IsDeviceExtensionActive(ext_memory_priority.ExtensionName) {
		data.UseMemoryPriority = true
	}

	return data
}
