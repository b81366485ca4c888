package memutils

// Validatable is implemented by components that can run internal consistency
// checks. DebugValidate runs them in debug builds only.
type Validatable interface {
	Validate() error
}
