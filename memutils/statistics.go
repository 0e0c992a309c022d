package memutils

import "math"

// Statistics summarizes a pool of fixed-size slots grouped into heaps, such as descriptor slabs
type Statistics struct {
	HeapCount       int
	AllocationCount int
	HeapSlots       int
	AllocatedSlots  int
}

func (s *Statistics) Clear() {
	s.HeapCount = 0
	s.AllocationCount = 0
	s.HeapSlots = 0
	s.AllocatedSlots = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.HeapCount += other.HeapCount
	s.AllocationCount += other.AllocationCount
	s.HeapSlots += other.HeapSlots
	s.AllocatedSlots += other.AllocatedSlots
}

// ResidencyStatistics summarizes the allocations tracked by a residency manager
type ResidencyStatistics struct {
	Budget        int
	ResidentCount int
	ResidentBytes int
	EvictedCount  int
	EvictedBytes  int
	LockedCount   int

	AllocationSizeMin int
	AllocationSizeMax int

	// Cumulative counts of native residency operations
	EvictionCount     int
	MakeResidentCount int
}

func (s *ResidencyStatistics) Clear() {
	s.Budget = 0
	s.ResidentCount = 0
	s.ResidentBytes = 0
	s.EvictedCount = 0
	s.EvictedBytes = 0
	s.LockedCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.EvictionCount = 0
	s.MakeResidentCount = 0
}

func (s *ResidencyStatistics) AddAllocation(size int, resident bool) {
	if resident {
		s.ResidentCount++
		s.ResidentBytes += size
	} else {
		s.EvictedCount++
		s.EvictedBytes += size
	}

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}
