package vulkan

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/vex/native"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// Memory is a block of device-local memory
type Memory struct {
	memory    core1_0.DeviceMemory
	callbacks *driver.AllocationCallbacks
	size      int
	released  atomic.Bool
}

func (m *Memory) DeviceMemory() core1_0.DeviceMemory {
	return m.memory
}

func (m *Memory) Size() int {
	return m.size
}

func (m *Memory) Release() {
	if m.released.Swap(true) {
		panic("device memory released twice")
	}
	m.memory.Free(m.callbacks)
}

func (b *Backend) AllocateMemory(size int) (native.Pageable, error) {
	if size <= 0 {
		return nil, errors.Newf("allocation size must be positive, but was %d", size)
	}

	memory, res, err := b.device.AllocateMemory(b.callbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: b.memoryTypeIndex,
	})
	if err := checkResult(res, err, "allocating %d bytes of device memory", size); err != nil {
		return nil, err
	}

	return &Memory{memory: memory, callbacks: b.callbacks, size: size}, nil
}

// DescriptorHeap is backed by a descriptor pool for view and sampler descriptors. Render target and
// depth/stencil descriptors have no Vulkan pool, so those heaps only reserve slot indices.
type DescriptorHeap struct {
	kind          native.HeapKind
	slots         int
	shaderVisible bool
	pool          core1_0.DescriptorPool
	callbacks     *driver.AllocationCallbacks
}

func (h *DescriptorHeap) Pool() core1_0.DescriptorPool {
	return h.pool
}

func (h *DescriptorHeap) Kind() native.HeapKind {
	return h.kind
}

func (h *DescriptorHeap) Slots() int {
	return h.slots
}

func (h *DescriptorHeap) ShaderVisible() bool {
	return h.shaderVisible
}

func (h *DescriptorHeap) Release() {
	if h.pool != nil {
		h.pool.Destroy(h.callbacks)
		h.pool = nil
	}
}

func descriptorType(kind native.HeapKind) (core1_0.DescriptorType, bool) {
	switch kind {
	case native.HeapKindView:
		return core1_0.DescriptorTypeSampledImage, true
	case native.HeapKindSampler:
		return core1_0.DescriptorTypeSampler, true
	}
	return 0, false
}

func (b *Backend) CreateDescriptorHeap(kind native.HeapKind, slots int, shaderVisible bool) (native.DescriptorHeap, error) {
	if slots <= 0 {
		return nil, errors.Newf("descriptor heap slot count must be positive, but was %d", slots)
	}

	heap := &DescriptorHeap{
		kind:          kind,
		slots:         slots,
		shaderVisible: shaderVisible,
		callbacks:     b.callbacks,
	}

	poolType, hasPool := descriptorType(kind)
	if !hasPool {
		if shaderVisible {
			return nil, errors.Newf("%s descriptor heaps cannot be shader visible", kind)
		}
		return heap, nil
	}

	pool, res, err := b.device.CreateDescriptorPool(b.callbacks, core1_0.DescriptorPoolCreateInfo{
		MaxSets: slots,
		PoolSizes: []core1_0.DescriptorPoolSize{
			{Type: poolType, DescriptorCount: slots},
		},
	})
	if err := checkResult(res, err, "creating a %s descriptor pool of %d slots", kind, slots); err != nil {
		return nil, err
	}
	heap.pool = pool

	return heap, nil
}

func (b *Backend) MakeResident(objects []native.Pageable) error {
	return checkMemory(objects)
}

func (b *Backend) Evict(objects []native.Pageable) error {
	return checkMemory(objects)
}

func checkMemory(objects []native.Pageable) error {
	for _, object := range objects {
		memory, ok := object.(*Memory)
		if !ok {
			return errors.Newf("%T was not allocated by a vulkan backend", object)
		}
		if memory.released.Load() {
			return errors.New("device memory has already been released")
		}
	}
	return nil
}

// CommandPool is a command pool for the backend's queue family. Command buffers recorded from it are
// recycled together by Reset.
type CommandPool struct {
	pool      core1_0.CommandPool
	callbacks *driver.AllocationCallbacks
	released  atomic.Bool
}

func (p *CommandPool) Pool() core1_0.CommandPool {
	return p.pool
}

func (p *CommandPool) Reset() error {
	if p.released.Load() {
		return errors.New("attempted to reset a destroyed command pool")
	}

	res, err := p.pool.Reset(0)
	return checkResult(res, err, "resetting a command pool")
}

func (p *CommandPool) Release() {
	if p.released.Swap(true) {
		panic("command pool released twice")
	}
	p.pool.Destroy(p.callbacks)
}

func (b *Backend) CreateCommandAllocator() (native.CommandAllocator, error) {
	pool, res, err := b.device.CreateCommandPool(b.callbacks, core1_0.CommandPoolCreateInfo{
		QueueFamilyIndex: b.queueFamilyIndex,
		Flags:            core1_0.CommandPoolCreateTransient,
	})
	if err := checkResult(res, err, "creating a command pool for queue family %d", b.queueFamilyIndex); err != nil {
		return nil, err
	}

	return &CommandPool{pool: pool, callbacks: b.callbacks}, nil
}
