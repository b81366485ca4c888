package upload

import (
	"time"

	"github.com/vkngwrapper/foundry/gpumem"
)

// WaitForever makes Device.WaitBatch block until the batch completes, with
// no timeout. It exists for teardown paths; steady-state code passes a
// bounded timeout.
const WaitForever time.Duration = -1

// CommandList is the opaque recording handle produced by the device
// collaborator. Its begin/end lifecycle is owned externally; the scheduler
// only passes it into the heap collaborator's recording calls.
type CommandList any

// Device is the narrow contract this core consumes from the device/queue
// layer. Implementations submit transfer work and expose a monotonically
// increasing completion counter- a timeline/counting semaphore signaled to
// a batch number when that batch's command list finishes on the GPU.
//
// Any error returned from a Device method implies device loss and is
// treated as fatal by the scheduler.
type Device interface {
	// BeginTransfer starts recording a command list on the
	// transfer-capable queue.
	BeginTransfer() (CommandList, error)
	// SubmitTransfer ends and submits the command list, signaling the
	// completion counter to signalBatch when the GPU finishes it.
	SubmitTransfer(cmds CommandList, signalBatch uint64) error
	// CompletedBatch reads the completion counter.
	CompletedBatch() (uint64, error)
	// WaitBatch blocks until the completion counter reaches batch or the
	// timeout elapses. A negative timeout waits forever.
	WaitBatch(batch uint64, timeout time.Duration) (WaitResult, error)
}

// ImageRegion identifies the subresource an upload targets. The heap
// collaborator interprets it against the resource's real descriptor.
type ImageRegion struct {
	MipLevel   int
	ArrayLayer int
	Width      int
	Height     int
	Depth      int
}

// Heap is the collaborator that owns real GPU object creation and command
// recording. K is the caller's logical resource key, H the realized GPU
// handle type.
type Heap[K comparable, H any] interface {
	// Realize creates the GPU-side object for the resource, whose
	// descriptor the heap tracks by key. Called lazily, once per realized
	// lifetime.
	Realize(key K) (H, error)
	// RecordCopy records a transfer from the staging range into the target
	// subresource.
	RecordCopy(cmds CommandList, src gpumem.StagingRange, target H, region ImageRegion)
	// RecordBarrier records a layout/access transition on the target.
	RecordBarrier(cmds CommandList, target H, oldState AccessState, newState AccessState)
}
