package gpumem

import "github.com/pkg/errors"

// StagingOutOfMemoryError is returned from StagingBuffer.Alloc when the
// buffer cannot fit the request. It is a recoverable condition: the staging
// buffer deliberately never grows, because growth would invalidate GPU reads
// still in flight against the old backing memory. Callers retry on a later
// tick, after the buffer's owner has cleared it.
var StagingOutOfMemoryError error = errors.New("staging buffer out of memory")
