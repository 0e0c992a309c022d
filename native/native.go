// Package native holds the narrow interfaces through which vex reaches the platform GPU API. Everything
// behind these interfaces is owned by a backend (see native/soft and native/vulkan); vex only moves the
// handles around and decides when they may be released.
package native

import (
	"time"

	"github.com/vkngwrapper/core/v2/common"
)

// Handle is an owned reference to a native object. Release drops the reference and must be called
// exactly once.
type Handle interface {
	Release()
}

// Pageable is a native memory allocation that can be made resident or evicted
type Pageable interface {
	Handle
}

// DescriptorHeap is a native block of descriptor slots
type DescriptorHeap interface {
	Handle
}

// CommandList is an opaque recorded unit of GPU work. vex never looks inside it.
type CommandList any

// CommandAllocator is the native memory command lists are recorded into. Reset reclaims that memory
// and may only be called once the GPU has finished every list recorded from the allocator.
type CommandAllocator interface {
	Handle
	Reset() error
}

// HeapKind identifies which kind of descriptor a DescriptorHeap holds
type HeapKind int32

var heapKindMapping = common.NewFlagStringMapping[HeapKind]()

func (k HeapKind) Register(str string) {
	heapKindMapping.Register(k, str)
}

func (k HeapKind) String() string {
	return heapKindMapping.FlagsToString(k)
}

const (
	// HeapKindView holds buffer and texture views
	HeapKindView HeapKind = 1 << iota
	// HeapKindSampler holds samplers
	HeapKindSampler
	// HeapKindRenderTarget holds color attachment views. It is never shader visible.
	HeapKindRenderTarget
	// HeapKindDepthStencil holds depth/stencil attachment views. It is never shader visible.
	HeapKindDepthStencil
)

func init() {
	HeapKindView.Register("HeapKindView")
	HeapKindSampler.Register("HeapKindSampler")
	HeapKindRenderTarget.Register("HeapKindRenderTarget")
	HeapKindDepthStencil.Register("HeapKindDepthStencil")
}

// Queue executes batches of command lists in submission order
type Queue interface {
	// Submit executes lists in order and arms the queue's fence so that it reports signalValue once
	// every list has finished executing
	Submit(lists []CommandList, signalValue uint64) error
}

// Fence is a monotonic counter written by the GPU
type Fence interface {
	// CompletedValue returns the highest value the GPU has signaled without blocking
	CompletedValue() (uint64, error)
	// Wait blocks until the fence reaches value or timeout expires. A negative timeout waits
	// forever. It returns false if the timeout expired first.
	Wait(value uint64, timeout time.Duration) (bool, error)
}

// Residency moves allocations in and out of GPU-accessible memory
type Residency interface {
	MakeResident(objects []Pageable) error
	Evict(objects []Pageable) error
}

// Backend is the full set of native services a vex Device consumes
type Backend interface {
	Queue
	Fence
	Residency

	// AllocateMemory creates a native allocation of the requested number of bytes
	AllocateMemory(size int) (Pageable, error)
	// CreateDescriptorHeap creates a heap of the requested number of slots
	CreateDescriptorHeap(kind HeapKind, slots int, shaderVisible bool) (DescriptorHeap, error)
	// CreateCommandAllocator creates an allocator for recording command lists
	CreateCommandAllocator() (CommandAllocator, error)
	// MemoryBudget reports the number of bytes the device may keep resident at once. It is
	// used when the device is created without an explicit residency budget.
	MemoryBudget() int
}
