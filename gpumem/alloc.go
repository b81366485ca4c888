package gpumem

// Backing is the collaborator that performs real device-memory allocations.
// The pools in this package only ever ask it for whole fixed-capacity chunks
// of a single memory type- suballocation happens above it.
type Backing interface {
	// AllocateChunk allocates size bytes of device memory of the provided
	// memory type index. Implementations map the memory before returning it
	// when the memory type is host-visible.
	AllocateChunk(memoryTypeIndex int, size int) (Chunk, error)
	// FreeChunk releases a chunk previously returned from AllocateChunk.
	FreeChunk(chunk Chunk)
}

// Chunk is one real device-memory allocation handed out by a Backing.
type Chunk interface {
	// Size returns the chunk's capacity in bytes.
	Size() int
	// Mapped returns the host-visible bytes of the chunk, or nil when the
	// chunk is not mapped.
	Mapped() []byte
}

// DeviceAlloc is a suballocated range of a Chunk. It is owned exclusively
// by the resource it backs; nothing below pool-level reclamation frees it
// piecemeal.
type DeviceAlloc struct {
	Chunk  Chunk
	Offset int
	Size   int
}

// MappedBytes returns the host-visible bytes of this allocation, or nil
// when the backing chunk is not mapped.
func (a DeviceAlloc) MappedBytes() []byte {
	mapped := a.Chunk.Mapped()
	if mapped == nil {
		return nil
	}
	return mapped[a.Offset : a.Offset+a.Size]
}
