//go:build debug_mem_utils

package memutils

import "unsafe"

const (
	// DebugMargin is the number of bytes of guard data placed between
	// suballocations made by the allocators in this module
	DebugMargin int = 16
	// corruptionDetectionMagicValue is the 4-byte pattern written across the
	// guard region after each suballocation
	corruptionDetectionMagicValue uint32 = 0x7F84E666
)

// WriteMagicValue fills the DebugMargin bytes at data+offset with the guard
// pattern. No-op without the debug_mem_utils build tag.
func WriteMagicValue(data unsafe.Pointer, offset int) {
	dest := unsafe.Add(data, offset)
	marginSize := DebugMargin / int(unsafe.Sizeof(uint32(0)))
	for i := 0; i < marginSize; i++ {
		*(*uint32)(dest) = corruptionDetectionMagicValue
		dest = unsafe.Add(dest, unsafe.Sizeof(uint32(0)))
	}
}

// ValidateMagicValue reports whether the guard pattern written by
// WriteMagicValue is still intact. Always true without the debug_mem_utils
// build tag.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	source := unsafe.Add(data, offset)
	marginSize := DebugMargin / int(unsafe.Sizeof(uint32(0)))
	for i := 0; i < marginSize; i++ {
		value := (*uint32)(source)
		if *value != corruptionDetectionMagicValue {
			return false
		}
		source = unsafe.Add(source, unsafe.Sizeof(uint32(0)))
	}

	return true
}

// DebugValidate calls Validate on the provided object and panics on error.
// No-op without the debug_mem_utils build tag.
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 panics if the provided value is not a power of two. No-op
// without the debug_mem_utils build tag.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
