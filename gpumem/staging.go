package gpumem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/foundry/memutils"
)

// StagingRange is a byte range handed out by a StagingBuffer. Bytes copied
// into it become visible to GPU transfer commands that read the same
// offset/size from the staging allocation.
type StagingRange struct {
	Offset int
	Size   int

	bytes []byte
}

// Bytes returns the host-mapped bytes of the range.
func (r StagingRange) Bytes() []byte {
	return r.bytes
}

// StagingBuffer wraps a single mapped device-memory allocation with a
// non-reusing linear allocator. It is the conduit through which host bytes
// reach the GPU: the upload scheduler copies source data into ranges
// returned from Alloc and records transfer commands reading them back out.
//
// Unlike DeviceMemoryPool, a StagingBuffer never grows- growing would
// invalidate in-flight GPU reads of the old memory- so Alloc fails with
// StagingOutOfMemoryError instead. Space is never reused until Clear, which
// the owner may only call once no in-flight GPU work still reads the
// buffer.
type StagingBuffer struct {
	backing DeviceAlloc
	mapped  []byte
	cursor  int

	// End offsets of live allocations, tracked only when guard regions are
	// enabled
	guardOffsets []int
}

// NewStagingBuffer wraps the provided mapped allocation. It returns an
// error if the allocation's chunk is not host-mapped.
func NewStagingBuffer(backing DeviceAlloc) (*StagingBuffer, error) {
	mapped := backing.MappedBytes()
	if mapped == nil {
		return nil, errors.New("staging buffers require a host-mapped device allocation")
	}

	return &StagingBuffer{
		backing: backing,
		mapped:  mapped,
	}, nil
}

// Alloc returns a range of size bytes aligned to alignment, or
// StagingOutOfMemoryError when the request does not fit in the remaining
// space. A zero or non-power-of-two alignment or a negative size is a
// contract violation and panics.
func (s *StagingBuffer) Alloc(size int, alignment uint) (StagingRange, error) {
	if alignment == 0 {
		panic("gpumem: staging allocation with zero alignment")
	}
	if err := memutils.CheckPow2(alignment, "staging allocation alignment"); err != nil {
		panic(err)
	}
	if size < 0 {
		panic(errors.Newf("gpumem: staging allocation with negative size %d", size))
	}

	offset := memutils.AlignUp(s.cursor, alignment)
	if offset+size+memutils.DebugMargin > len(s.mapped) {
		return StagingRange{}, errors.Wrapf(StagingOutOfMemoryError, "requested %d bytes with %d remaining", size, s.RemainingCapacity())
	}

	s.cursor = offset + size + memutils.DebugMargin
	memutils.DebugValidate(s)
	if memutils.DebugMargin > 0 {
		memutils.WriteMagicValue(unsafe.Pointer(unsafe.SliceData(s.mapped)), offset+size)
		s.guardOffsets = append(s.guardOffsets, offset+size)
	}

	return StagingRange{
		Offset: s.backing.Offset + offset,
		Size:   size,
		bytes:  s.mapped[offset : offset+size],
	}, nil
}

// Clear resets the cursor, making the whole buffer available again. The
// owner must guarantee that no in-flight GPU work still reads the buffer.
func (s *StagingBuffer) Clear() {
	s.cursor = 0
	s.guardOffsets = s.guardOffsets[:0]
}

// Capacity returns the buffer's total size in bytes.
func (s *StagingBuffer) Capacity() int {
	return len(s.mapped)
}

// RemainingCapacity returns the number of bytes still available before the
// next Clear.
func (s *StagingBuffer) RemainingCapacity() int {
	return len(s.mapped) - s.cursor
}

// CheckCorruption verifies the guard regions written between staging
// allocations in debug builds. It returns nil when every guard region is
// intact or when guard regions are disabled.
func (s *StagingBuffer) CheckCorruption() error {
	if memutils.DebugMargin == 0 {
		return nil
	}

	base := unsafe.Pointer(unsafe.SliceData(s.mapped))
	for _, offset := range s.guardOffsets {
		if !memutils.ValidateMagicValue(base, offset) {
			return errors.New("MEMORY CORRUPTION DETECTED AFTER STAGING ALLOCATION!")
		}
	}

	return nil
}

// StagingJsonData populates a json object with information about this
// buffer.
func (s *StagingBuffer) StagingJsonData(json jwriter.ObjectState) {
	json.Name("Capacity").Int(len(s.mapped))
	json.Name("Cursor").Int(s.cursor)
	json.Name("Remaining").Int(s.RemainingCapacity())
}

// Validate performs internal consistency checks on the staging buffer.
func (s *StagingBuffer) Validate() error {
	if s.cursor > len(s.mapped) {
		return errors.Newf("staging cursor %d is past the end of the %d-byte mapped region", s.cursor, len(s.mapped))
	}
	return nil
}
