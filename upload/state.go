package upload

// State describes whether a logical resource's GPU-resident bytes are safe
// to use. It is derived from the resource's record, never stored: a
// resource with no realized handle is Unavailable, a realized resource
// whose upload batch has not been observed complete is Pending, and a
// realized resource whose batch is at or below the last observed completion
// counter is Available.
type State uint32

const (
	StateUnavailable State = iota
	StatePending
	StateAvailable
)

var stateMapping = map[State]string{
	StateUnavailable: "StateUnavailable",
	StatePending:     "StatePending",
	StateAvailable:   "StateAvailable",
}

func (s State) String() string {
	return stateMapping[s]
}

// WaitResult is the outcome of a bounded wait on the GPU completion
// counter.
type WaitResult uint32

const (
	WaitSignaled WaitResult = iota
	WaitTimedOut
)

var waitResultMapping = map[WaitResult]string{
	WaitSignaled: "WaitSignaled",
	WaitTimedOut: "WaitTimedOut",
}

func (r WaitResult) String() string {
	return waitResultMapping[r]
}

// AccessState is the GPU-visible layout/access a resource is transitioned
// through during upload. The heap collaborator maps these onto its API's
// real layout and barrier values.
type AccessState uint32

const (
	// AccessUndefined is the state of a freshly realized resource whose
	// contents are garbage
	AccessUndefined AccessState = iota
	// AccessTransferWrite makes the resource a valid transfer destination
	AccessTransferWrite
	// AccessShaderRead is the steady state for sampled images
	AccessShaderRead
)

var accessStateMapping = map[AccessState]string{
	AccessUndefined:     "AccessUndefined",
	AccessTransferWrite: "AccessTransferWrite",
	AccessShaderRead:    "AccessShaderRead",
}

func (s AccessState) String() string {
	return accessStateMapping[s]
}
