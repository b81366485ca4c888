package upload

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/foundry/gpumem"
	"golang.org/x/exp/slog"
)

// DefaultCopyAlignment is the staging alignment applied to upload tasks
// that do not request one. Transfer copies require at least 4-byte texel
// alignment on every target API this core has been bound to.
const DefaultCopyAlignment uint = 4

// ImageUpload is a queued request to stream bytes into an image
// subresource. Src is shared with the caller and must stay unchanged until
// the task is consumed into the staging buffer or cancelled.
type ImageUpload[K comparable] struct {
	Key       K
	Src       []byte
	SrcOffset int
	Size      int
	Region    ImageRegion

	// Staging alignment; DefaultCopyAlignment when zero
	Alignment uint
	// Layout the resource transitions to after the copy; AccessShaderRead
	// when zero-valued
	FinalState AccessState
}

// Scheduler collects pending upload tasks and, once per externally-driven
// tick, packs as many as fit into the staging buffer, records their
// transfer commands, and submits them as one batch. Each non-empty batch
// increments a monotonic counter that the device mirrors on the GPU side;
// the StateTable compares the two to decide when a resource becomes
// Available.
//
// The scheduler owns the staging buffer exclusively between Clear calls and
// runs no internal threads; one owning thread drives Schedule/Poll.
type Scheduler[K comparable, H any] struct {
	logger  *slog.Logger
	device  Device
	heap    Heap[K, H]
	table   *StateTable[K, H]
	staging *gpumem.StagingBuffer

	pending []ImageUpload[K]
	// Counter value signaled by the most recently submitted batch
	submittedBatch uint64
}

// NewScheduler creates a scheduler driving the provided collaborators.
func NewScheduler[K comparable, H any](
	logger *slog.Logger,
	device Device,
	heap Heap[K, H],
	table *StateTable[K, H],
	staging *gpumem.StagingBuffer,
) *Scheduler[K, H] {
	return &Scheduler[K, H]{
		logger:  logger,
		device:  device,
		heap:    heap,
		table:   table,
		staging: staging,
	}
}

// UploadImage queues an upload task. The task stays queued across ticks
// until it fits in the staging buffer. Out-of-range source bounds or a
// non-positive size are contract violations and panic.
func (s *Scheduler[K, H]) UploadImage(task ImageUpload[K]) {
	if task.Size <= 0 {
		panic(errors.Newf("upload task size must be positive, but is %d", task.Size))
	}
	if task.SrcOffset < 0 || task.SrcOffset+task.Size > len(task.Src) {
		panic(errors.Newf("upload task source range [%d, %d) is out of bounds of the %d-byte source buffer",
			task.SrcOffset, task.SrcOffset+task.Size, len(task.Src)))
	}
	if task.Alignment == 0 {
		task.Alignment = DefaultCopyAlignment
	}
	if task.FinalState == AccessUndefined {
		task.FinalState = AccessShaderRead
	}

	s.pending = append(s.pending, task)
}

type packedUpload[K comparable, H any] struct {
	task         ImageUpload[K]
	handle       H
	staging      gpumem.StagingRange
	firstPrepare bool
}

// Schedule runs one scheduling tick: observe the completion counter, then
// pack, record, and submit at most one batch.
//
// If the queue is empty, or the previous batch has not been observed
// complete, the tick is a no-op- a new batch cannot reuse the staging
// buffer while the GPU might still read it. Otherwise the staging buffer
// is cleared and queued tasks are tried greedily from most recently added
// to least, each packed if it fits and left queued otherwise.
//
// The last-in-first-fit order is not optimal bin packing, and it favors
// newer tasks: under sustained load a large early task can be starved
// indefinitely by small late arrivals. The policy is kept for its bounded
// per-tick cost and because existing callers depend on the packing order.
//
// A tick in which no queued task fits is a valid silent no-op. Errors from
// the device collaborator imply device loss and are fatal.
func (s *Scheduler[K, H]) Schedule() error {
	err := s.Poll()
	if err != nil {
		return err
	}

	if len(s.pending) == 0 {
		return nil
	}
	if s.table.availableBatch < s.submittedBatch {
		// Back-pressure: the GPU may still be reading the staging buffer
		return nil
	}

	s.staging.Clear()
	batch := s.submittedBatch + 1

	var packed []packedUpload[K, H]
	for i := len(s.pending) - 1; i >= 0; i-- {
		task := s.pending[i]

		stagingRange, err := s.staging.Alloc(task.Size, task.Alignment)
		if err != nil {
			if errors.Is(err, gpumem.StagingOutOfMemoryError) {
				// Recoverable- the task stays queued for the next tick
				continue
			}
			return err
		}

		handle, firstPrepare, err := s.table.PrepareForUpload(task.Key, batch, s.heap)
		if err != nil {
			return err
		}

		copy(stagingRange.Bytes(), task.Src[task.SrcOffset:task.SrcOffset+task.Size])

		packed = append(packed, packedUpload[K, H]{
			task:         task,
			handle:       handle,
			staging:      stagingRange,
			firstPrepare: firstPrepare,
		})
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
	}

	if len(packed) == 0 {
		return nil
	}

	cmds, err := s.device.BeginTransfer()
	if err != nil {
		return err
	}

	// All pre-barriers precede all copies, which precede all post-barriers,
	// preserving GPU-visible ordering within the batch
	for _, p := range packed {
		if p.firstPrepare {
			s.heap.RecordBarrier(cmds, p.handle, AccessUndefined, AccessTransferWrite)
		}
	}
	for _, p := range packed {
		s.heap.RecordCopy(cmds, p.staging, p.handle, p.task.Region)
	}
	for _, p := range packed {
		s.heap.RecordBarrier(cmds, p.handle, AccessTransferWrite, p.task.FinalState)
	}

	err = s.device.SubmitTransfer(cmds, batch)
	if err != nil {
		s.logger.LogAttrs(context.Background(), slog.LevelError, "[DEVICE LOST] transfer submission failed",
			slog.Uint64("batch", batch),
			slog.Int("tasks", len(packed)),
			slog.Any("error", err))
		return err
	}
	s.submittedBatch = batch

	s.logger.Debug("Scheduler::Schedule submitted batch",
		slog.Uint64("batch", batch),
		slog.Int("tasks", len(packed)),
		slog.Int("stillQueued", len(s.pending)))

	return nil
}

// Poll reads the GPU completion counter and advances the available batch.
// It is the sole path by which resources transition Pending to Available.
func (s *Scheduler[K, H]) Poll() error {
	completed, err := s.device.CompletedBatch()
	if err != nil {
		return err
	}
	s.table.advanceAvailable(completed)
	return nil
}

// WaitWithTimeout blocks until the completion counter reaches batch or the
// timeout elapses. It is the only blocking operation in the core.
func (s *Scheduler[K, H]) WaitWithTimeout(batch uint64, timeout time.Duration) (WaitResult, error) {
	result, err := s.device.WaitBatch(batch, timeout)
	if err != nil {
		return result, err
	}
	if result == WaitSignaled {
		s.table.advanceAvailable(batch)
	}
	return result, nil
}

// Wait blocks until the completion counter reaches batch, with no bound.
// Teardown only.
func (s *Scheduler[K, H]) Wait(batch uint64) error {
	_, err := s.WaitWithTimeout(batch, WaitForever)
	return err
}

// Invalidate drops any queued tasks for the resource and forces its state
// back to Unavailable. Commands already submitted cannot be cancelled; the
// resource simply never reports Available under its stale batch stamp.
func (s *Scheduler[K, H]) Invalidate(key K) {
	kept := s.pending[:0]
	for _, task := range s.pending {
		if task.Key != key {
			kept = append(kept, task)
		}
	}
	s.pending = kept

	s.table.Invalidate(key)
}

// PendingTaskCount returns the number of queued, unsubmitted tasks.
// Callers watch this to detect a staging buffer that is permanently too
// small for its workload.
func (s *Scheduler[K, H]) PendingTaskCount() int {
	return len(s.pending)
}

// SubmittedBatch returns the counter value of the most recently submitted
// batch.
func (s *Scheduler[K, H]) SubmittedBatch() uint64 {
	return s.submittedBatch
}

// SchedulerJsonData populates a json object with the scheduler's queue and
// batch bookkeeping.
func (s *Scheduler[K, H]) SchedulerJsonData(json jwriter.ObjectState) {
	json.Name("PendingTasks").Int(len(s.pending))
	json.Name("SubmittedBatch").Int(int(s.submittedBatch))
	json.Name("AvailableBatch").Int(int(s.table.availableBatch))

	stagingJson := json.Name("Staging").Object()
	s.staging.StagingJsonData(stagingJson)
	stagingJson.End()
}
