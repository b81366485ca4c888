package upload

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"
)

type resourceInfo[H any] struct {
	// nil until the heap collaborator realizes the GPU object
	realized *H
	// The upload batch whose completion makes this resource's bytes valid
	batch uint64
	// Whether a pre-barrier out of the undefined state has been recorded
	// this realized lifetime
	prepared bool
}

// StateTable tracks, per logical resource, whether the GPU-resident object
// exists yet and which upload batch will make its contents valid. State
// transitions move forward only- Unavailable to Pending to Available- with
// Invalidate as the single path backwards.
//
// The table is driven synchronously by a single owning thread, once per
// tick; it is not safe for concurrent use.
type StateTable[K comparable, H any] struct {
	logger    *slog.Logger
	resources *swiss.Map[K, *resourceInfo[H]]

	// Last GPU completion counter value observed; never decreases
	availableBatch uint64
}

// NewStateTable creates an empty table.
func NewStateTable[K comparable, H any](logger *slog.Logger) *StateTable[K, H] {
	return &StateTable[K, H]{
		logger:    logger,
		resources: swiss.NewMap[K, *resourceInfo[H]](42),
	}
}

// State derives the resource's lifecycle state. Unknown resources are
// Unavailable.
func (t *StateTable[K, H]) State(key K) State {
	info, ok := t.resources.Get(key)
	if !ok || info.realized == nil {
		return StateUnavailable
	}
	if info.batch > t.availableBatch {
		return StatePending
	}
	return StateAvailable
}

// Resource returns the realized handle only when the resource is Available.
// Pending and Unavailable resources both return false, preventing use of an
// object whose bytes are not yet guaranteed visible.
func (t *StateTable[K, H]) Resource(key K) (H, bool) {
	info, ok := t.resources.Get(key)
	if !ok || info.realized == nil || info.batch > t.availableBatch {
		var zero H
		return zero, false
	}
	return *info.realized, true
}

// PrepareForUpload idempotently realizes the resource's GPU handle through
// the heap collaborator and stamps it with the upload batch. The scheduler
// calls it once per task, right before packing that task. The second return
// value reports whether this is the first preparation of the realized
// lifetime, in which case the caller records a pre-barrier out of the
// undefined state.
//
// Stamping a batch lower than one already recorded for the resource is a
// contract violation and panics: re-uploading only ever bumps the stamp
// forward.
func (t *StateTable[K, H]) PrepareForUpload(key K, batch uint64, heap Heap[K, H]) (H, bool, error) {
	info, ok := t.resources.Get(key)
	if !ok {
		info = &resourceInfo[H]{}
		t.resources.Put(key, info)
	}

	if info.realized == nil {
		handle, err := heap.Realize(key)
		if err != nil {
			t.logger.LogAttrs(context.Background(), slog.LevelError, "failed to realize resource",
				slog.Any("key", key),
				slog.Any("error", err))
			var zero H
			return zero, false, errors.Wrapf(err, "failed to realize resource %v", key)
		}
		info.realized = &handle
	}

	if batch < info.batch {
		panic(errors.Newf("resource batch stamp moving backwards from %d to %d", info.batch, batch))
	}
	info.batch = batch

	firstPrepare := !info.prepared
	info.prepared = true

	return *info.realized, firstPrepare, nil
}

// Invalidate forces the resource back to Unavailable, dropping its realized
// handle. The stale batch stamp is kept so that a subsequent re-upload is
// guaranteed to stamp a strictly greater batch. Invalidating an unknown
// resource is a no-op.
func (t *StateTable[K, H]) Invalidate(key K) {
	info, ok := t.resources.Get(key)
	if !ok {
		return
	}

	t.logger.Debug("StateTable::Invalidate", slog.Any("key", key), slog.Uint64("staleBatch", info.batch))

	info.realized = nil
	info.prepared = false
}

// AvailableBatch returns the last observed GPU completion counter value.
func (t *StateTable[K, H]) AvailableBatch() uint64 {
	return t.availableBatch
}

// advanceAvailable raises the observed completion counter. It never moves
// backwards, even if the device reports a lower value.
func (t *StateTable[K, H]) advanceAvailable(batch uint64) {
	if batch > t.availableBatch {
		t.availableBatch = batch
	}
}

// ResourceCount returns the number of tracked resources.
func (t *StateTable[K, H]) ResourceCount() int {
	return t.resources.Count()
}
