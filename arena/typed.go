package arena

import (
	"unsafe"

	"github.com/vkngwrapper/foundry/memutils"
)

// The typed helpers below are thin layers over Arena.Alloc that additionally
// write the value or values into the allocated region. They exist as free
// functions because Go methods cannot introduce type parameters.
//
// T must not contain Go pointers- see the Arena doc comment.

// AllocValue allocates space for a single T and copies value into it.
func AllocValue[T any](a *Arena, value T) *T {
	ptr := (*T)(a.Alloc(requestFor[T](1)))
	*ptr = value
	return ptr
}

// AllocMany allocates space for count values of T and returns them as a
// slice. The contents are zero.
func AllocMany[T any](a *Arena, count int) []T {
	if count == 0 {
		return nil
	}
	return unsafe.Slice((*T)(a.Alloc(requestFor[T](count))), count)
}

// AllocSlice allocates a copy of the provided slice.
func AllocSlice[T any](a *Arena, values []T) []T {
	out := AllocMany[T](a, len(values))
	copy(out, values)
	return out
}

// AllocFilled allocates count values of T, each set to value.
func AllocFilled[T any](a *Arena, count int, value T) []T {
	out := AllocMany[T](a, count)
	for i := range out {
		out[i] = value
	}
	return out
}

// AllocFromFunc allocates count values of T, populating index i with
// produce(i).
func AllocFromFunc[T any](a *Arena, count int, produce func(index int) T) []T {
	out := AllocMany[T](a, count)
	for i := range out {
		out[i] = produce(i)
	}
	return out
}

func requestFor[T any](count int) memutils.AllocRequest {
	var zero T
	return memutils.AllocRequest{
		Size:      int(unsafe.Sizeof(zero)) * count,
		Alignment: uint(unsafe.Alignof(zero)),
	}
}
