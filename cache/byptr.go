package cache

// ByPtr wraps a shared handle so that it compares and hashes by the
// identity of the referenced value rather than by the value's contents.
// Cache keys built from shared-ownership handles want identity semantics:
// two handles to the same pipeline layout must collide, two layouts that
// happen to be structurally equal must not. Keeping this as a dedicated
// adapter type avoids overloading the value's own equality.
type ByPtr[T any] struct {
	ptr *T
}

// MakeByPtr wraps a pointer in an identity key.
func MakeByPtr[T any](value *T) ByPtr[T] {
	return ByPtr[T]{ptr: value}
}

// Value returns the wrapped pointer.
func (b ByPtr[T]) Value() *T {
	return b.ptr
}
