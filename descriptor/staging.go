package descriptor

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/vex/internal/utils"
	"github.com/vkngwrapper/arsenal/vex/memutils"
	"github.com/vkngwrapper/arsenal/vex/native"
	"github.com/vkngwrapper/arsenal/vex/serial"
	"golang.org/x/exp/slog"
)

// HeapCreator creates native descriptor heaps. native.Backend satisfies it.
type HeapCreator interface {
	CreateDescriptorHeap(kind native.HeapKind, slots int, shaderVisible bool) (native.DescriptorHeap, error)
}

// StagingAllocation is a block of CPU-visible descriptor slots. A nil *StagingAllocation is the null
// allocation handed out for a request of zero descriptors.
type StagingAllocation struct {
	allocator *StagingAllocator
	heapIndex int
	block     int
	freed     bool

	lastUsage serial.Serial
}

// IsValid returns false for the null allocation and for allocations that have been freed
func (a *StagingAllocation) IsValid() bool {
	return a != nil && !a.freed
}

// Allocator returns the allocator the block must be freed to
func (a *StagingAllocation) Allocator() *StagingAllocator {
	return a.allocator
}

// Heap returns the native heap the block lives in
func (a *StagingAllocation) Heap() native.DescriptorHeap {
	return a.allocator.heaps[a.heapIndex].heap
}

// Offset returns the index of the block's first slot within its heap
func (a *StagingAllocation) Offset() int {
	return a.block * a.allocator.blockSize
}

// Count returns the number of slots in the block, which is the allocator's block size and may be
// more than were requested
func (a *StagingAllocation) Count() int {
	if a == nil {
		return 0
	}
	return a.allocator.blockSize
}

// LastUsage returns the serial of the most recent submission that referenced this block
func (a *StagingAllocation) LastUsage() serial.Serial {
	return a.lastUsage
}

// MarkUsed records that the submission with the provided serial references this block
func (a *StagingAllocation) MarkUsed(usage serial.Serial) {
	if usage > a.lastUsage {
		a.lastUsage = usage
	}
}

func (a *StagingAllocation) String() string {
	if a == nil {
		return "null descriptor allocation"
	}
	return fmt.Sprintf("%s descriptors [%d, %d) of heap %d", a.allocator.kind, a.Offset(), a.Offset()+a.Count(), a.heapIndex)
}

type stagingHeap struct {
	heap       native.DescriptorHeap
	freeBlocks []int
}

// StagingAllocator hands out fixed-size blocks of CPU-visible descriptors. Blocks are grouped into
// native heaps that are created on demand and kept until the allocator is destroyed.
type StagingAllocator struct {
	logger  *slog.Logger
	mutex   utils.Locker
	creator HeapCreator
	kind    native.HeapKind

	blockSize     int
	blocksPerHeap int

	heaps           []stagingHeap
	availableHeaps  []int
	allocationCount int
}

// NewStagingAllocator creates an allocator whose blocks hold blockSize descriptors, with heapBlocks
// blocks in each native heap
func NewStagingAllocator(logger *slog.Logger, creator HeapCreator, kind native.HeapKind, blockSize int, heapBlocks int, useMutex bool) (*StagingAllocator, error) {
	if blockSize <= 0 {
		return nil, errors.Newf("descriptor block size must be positive, but was %d", blockSize)
	}
	if err := memutils.CheckPow2(blockSize, "descriptor block size"); err != nil {
		return nil, err
	}
	if heapBlocks <= 0 {
		return nil, errors.Newf("descriptor heaps must hold at least one block, but requested %d", heapBlocks)
	}

	return &StagingAllocator{
		logger:        logger,
		mutex:         utils.NewLocker(useMutex),
		creator:       creator,
		kind:          kind,
		blockSize:     blockSize,
		blocksPerHeap: heapBlocks,
	}, nil
}

func (a *StagingAllocator) BlockSize() int {
	return a.blockSize
}

func (a *StagingAllocator) Kind() native.HeapKind {
	return a.kind
}

// HeapCount returns the number of native heaps the allocator has created
func (a *StagingAllocator) HeapCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return len(a.heaps)
}

// AllocationCount returns the number of blocks currently handed out
func (a *StagingAllocator) AllocationCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocationCount
}

func (a *StagingAllocator) allocateHeap() error {
	heap, err := a.creator.CreateDescriptorHeap(a.kind, a.blockSize*a.blocksPerHeap, false)
	if err != nil {
		return errors.Wrapf(err, "creating %s staging heap of %d descriptors", a.kind, a.blockSize*a.blocksPerHeap)
	}

	freeBlocks := make([]int, a.blocksPerHeap)
	// Hand out low blocks first
	for i := range freeBlocks {
		freeBlocks[i] = a.blocksPerHeap - i - 1
	}

	a.availableHeaps = append(a.availableHeaps, len(a.heaps))
	a.heaps = append(a.heaps, stagingHeap{heap: heap, freeBlocks: freeBlocks})

	a.logger.Debug("StagingAllocator::allocateHeap", slog.String("Kind", a.kind.String()), slog.Int("BlockSize", a.blockSize), slog.Int("HeapCount", len(a.heaps)))
	return nil
}

// Allocate returns a free block, creating a new native heap if every existing heap is full
func (a *StagingAllocator) Allocate() (*StagingAllocation, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if len(a.availableHeaps) == 0 {
		err := a.allocateHeap()
		if err != nil {
			return nil, err
		}
	}

	heapIndex := a.availableHeaps[len(a.availableHeaps)-1]
	heap := &a.heaps[heapIndex]

	lastFree := len(heap.freeBlocks) - 1
	block := heap.freeBlocks[lastFree]
	heap.freeBlocks = heap.freeBlocks[:lastFree]

	if len(heap.freeBlocks) == 0 {
		a.availableHeaps = a.availableHeaps[:len(a.availableHeaps)-1]
	}
	a.allocationCount++

	return &StagingAllocation{
		allocator: a,
		heapIndex: heapIndex,
		block:     block,
	}, nil
}

// Free returns a block to the allocator immediately. Callers that may have submitted GPU work
// referencing the block should Retire it instead and Reclaim it once that work completes.
func (a *StagingAllocator) Free(allocation *StagingAllocation) {
	if allocation == nil {
		return
	}

	err := a.Retire(allocation)
	if err != nil {
		panic(err.Error())
	}
	a.Reclaim(allocation)
}

// Retire invalidates a block without returning it to the free list. The block counts as allocated
// until Reclaim is called for it.
func (a *StagingAllocator) Retire(allocation *StagingAllocation) error {
	if allocation == nil {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if allocation.allocator != a {
		return errors.Wrapf(memutils.ValidationError, "attempted to free %s with a %s allocator of block size %d", allocation, a.kind, a.blockSize)
	}
	if allocation.freed {
		return errors.Wrapf(memutils.ValidationError, "attempted to free %s twice", allocation)
	}
	allocation.freed = true
	return nil
}

// Reclaim returns a retired block to the free list
func (a *StagingAllocator) Reclaim(allocation *StagingAllocation) {
	if allocation == nil {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if allocation.allocator != a || !allocation.freed {
		panic(fmt.Sprintf("attempted to reclaim %s, which was not retired from this allocator", allocation))
	}
	if allocation.heapIndex >= len(a.heaps) {
		// The allocator was destroyed while the block waited on the GPU
		return
	}

	heap := &a.heaps[allocation.heapIndex]
	if len(heap.freeBlocks) == 0 {
		a.availableHeaps = append(a.availableHeaps, allocation.heapIndex)
	}
	heap.freeBlocks = append(heap.freeBlocks, allocation.block)
	a.allocationCount--
}

// Destroy releases every native heap. Outstanding allocations become invalid.
func (a *StagingAllocator) Destroy() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.allocationCount > 0 {
		a.logger.Error("StagingAllocator::Destroy", slog.String("Kind", a.kind.String()), slog.Int("BlockSize", a.blockSize), slog.Int("LeakedBlocks", a.allocationCount))
	}

	for _, heap := range a.heaps {
		heap.heap.Release()
	}

	a.heaps = nil
	a.availableHeaps = nil
	a.allocationCount = 0
}

func (a *StagingAllocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	freeCount := 0
	availableCount := 0
	for _, heap := range a.heaps {
		if len(heap.freeBlocks) > a.blocksPerHeap {
			return errors.Newf("a %s heap lists %d free blocks but only holds %d", a.kind, len(heap.freeBlocks), a.blocksPerHeap)
		}
		freeCount += len(heap.freeBlocks)
		if len(heap.freeBlocks) > 0 {
			availableCount++
		}
	}

	if availableCount != len(a.availableHeaps) {
		return errors.Newf("%d heaps have free blocks but %d heaps are listed as available", availableCount, len(a.availableHeaps))
	}

	total := len(a.heaps) * a.blocksPerHeap
	if freeCount+a.allocationCount != total {
		return errors.Newf("free blocks (%d) plus allocated blocks (%d) do not add up to the total block count (%d)", freeCount, a.allocationCount, total)
	}

	return nil
}

func (a *StagingAllocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.HeapCount += len(a.heaps)
	stats.HeapSlots += len(a.heaps) * a.blocksPerHeap * a.blockSize
	stats.AllocationCount += a.allocationCount
	stats.AllocatedSlots += a.allocationCount * a.blockSize
}

func (a *StagingAllocator) printParameters(json *jwriter.ObjectState) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	json.Name("BlockSize").Int(a.blockSize)
	json.Name("BlocksPerHeap").Int(a.blocksPerHeap)
	json.Name("HeapCount").Int(len(a.heaps))
	json.Name("AllocationCount").Int(a.allocationCount)
}
