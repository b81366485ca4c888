package memutils

import "github.com/launchdarkly/go-jsonstream/v3/jwriter"

// Statistics is the set of aggregate allocation counters shared by the
// allocators in this module. BlockCount/BlockBytes describe real memory
// chunks acquired from the host or device, AllocationCount/AllocationBytes
// describe the suballocations doled out from those chunks.
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.BlockBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// WriteJson streams this object's counters into a json object being built
// with the provided writer state.
func (s *Statistics) WriteJson(json jwriter.ObjectState) {
	json.Name("BlockCount").Int(s.BlockCount)
	json.Name("BlockBytes").Int(s.BlockBytes)
	json.Name("AllocationCount").Int(s.AllocationCount)
	json.Name("AllocationBytes").Int(s.AllocationBytes)
}
