package descriptor

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/vex/memutils"
	"github.com/vkngwrapper/arsenal/vex/native"
	"golang.org/x/exp/slog"
)

// StagingAllocatorSet routes descriptor requests to one StagingAllocator per power-of-two block size.
// A request for n descriptors is served by bucket ceil(log2(n)), so it receives a block of
// 1<<ceil(log2(n)) slots.
type StagingAllocatorSet struct {
	kind           native.HeapKind
	maxDescriptors int
	buckets        []*StagingAllocator
}

// NewStagingAllocatorSet builds enough buckets to serve any request of up to maxDescriptors
// descriptors. Native heaps hold heapSlots descriptors, or a single block for buckets whose block
// size is larger than that.
func NewStagingAllocatorSet(logger *slog.Logger, creator HeapCreator, kind native.HeapKind, maxDescriptors int, heapSlots int, useMutex bool) (*StagingAllocatorSet, error) {
	if maxDescriptors <= 0 {
		return nil, errors.Newf("maximum descriptor count must be positive, but was %d", maxDescriptors)
	}

	largest := memutils.NextPow2(uint(maxDescriptors))
	bucketCount := memutils.Log2Ceil(largest) + 1
	set := &StagingAllocatorSet{
		kind:           kind,
		maxDescriptors: maxDescriptors,
		buckets:        make([]*StagingAllocator, bucketCount),
	}

	for i := range set.buckets {
		blockSize := 1 << i
		memutils.DebugCheckPow2(blockSize, "bucket block size")
		heapBlocks := heapSlots / blockSize
		if heapBlocks < 1 {
			heapBlocks = 1
		}

		var err error
		set.buckets[i], err = NewStagingAllocator(logger, creator, kind, blockSize, heapBlocks, useMutex)
		if err != nil {
			return nil, err
		}
	}

	return set, nil
}

// BucketCount returns the number of block sizes the set serves
func (s *StagingAllocatorSet) BucketCount() int {
	return len(s.buckets)
}

// Allocator returns the allocator that serves requests of count descriptors. It returns nil for a
// count of zero.
func (s *StagingAllocatorSet) Allocator(count int) (*StagingAllocator, error) {
	if count == 0 {
		return nil, nil
	}
	if count < 0 || count > s.maxDescriptors {
		return nil, errors.Newf("requested %d %s descriptors, but at most %d can be allocated at once", count, s.kind, s.maxDescriptors)
	}

	return s.buckets[memutils.Log2Ceil(uint(count))], nil
}

// Allocate returns a block of at least count descriptors. A count of zero returns the null allocation
// and no error.
func (s *StagingAllocatorSet) Allocate(count int) (*StagingAllocation, error) {
	allocator, err := s.Allocator(count)
	if err != nil || allocator == nil {
		return nil, err
	}

	return allocator.Allocate()
}

// Free returns a block to the bucket it came from
func (s *StagingAllocatorSet) Free(allocation *StagingAllocation) {
	if allocation == nil {
		return
	}

	allocation.allocator.Free(allocation)
}

// Owns returns whether the allocator is one of this set's buckets
func (s *StagingAllocatorSet) Owns(allocator *StagingAllocator) bool {
	if allocator == nil {
		return false
	}

	index := memutils.Log2Ceil(uint(allocator.BlockSize()))
	return index < len(s.buckets) && s.buckets[index] == allocator
}

func (s *StagingAllocatorSet) Destroy() {
	for _, bucket := range s.buckets {
		bucket.Destroy()
	}
}

func (s *StagingAllocatorSet) Validate() error {
	for _, bucket := range s.buckets {
		err := bucket.Validate()
		if err != nil {
			return errors.Wrapf(err, "%s bucket of block size %d", s.kind, bucket.BlockSize())
		}
	}

	return nil
}

func (s *StagingAllocatorSet) AddStatistics(stats *memutils.Statistics) {
	for _, bucket := range s.buckets {
		bucket.AddStatistics(stats)
	}
}

func (s *StagingAllocatorSet) BuildStatsString(writer *jwriter.Writer) {
	arr := writer.Array()
	defer arr.End()

	for _, bucket := range s.buckets {
		obj := arr.Object()
		bucket.printParameters(&obj)
		obj.End()
	}
}
