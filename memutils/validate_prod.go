//go:build !debug_mem_utils

package memutils

import "unsafe"

const (
	// DebugMargin is the number of bytes of guard data placed between
	// suballocations made by the allocators in this module
	DebugMargin int = 0
)

// ValidateMagicValue reports whether the guard pattern written by
// WriteMagicValue is still intact. Always true without the debug_mem_utils
// build tag.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	return true
}

// WriteMagicValue fills the DebugMargin bytes at data+offset with the guard
// pattern. No-op without the debug_mem_utils build tag.
func WriteMagicValue(data unsafe.Pointer, offset int) {
}

// DebugValidate calls Validate on the provided object and panics on error.
// No-op without the debug_mem_utils build tag.
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 panics if the provided value is not a power of two. No-op
// without the debug_mem_utils build tag.
func DebugCheckPow2[T Number](value T, name string) {
}
