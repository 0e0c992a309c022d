package soft

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/vex/native"
	"golang.org/x/exp/slog"
)

// Allocation is a pretend block of device memory
type Allocation struct {
	backend  *Backend
	size     int
	resident atomic.Bool
	released atomic.Bool
}

var _ native.Pageable = &Allocation{}

func (a *Allocation) Size() int {
	return a.size
}

func (a *Allocation) Resident() bool {
	return a.resident.Load()
}

func (a *Allocation) Released() bool {
	return a.released.Load()
}

func (a *Allocation) Release() {
	if a.released.Swap(true) {
		panic("soft allocation released twice")
	}
	a.backend.liveAllocations.Add(-1)
}

// Heap is a pretend descriptor heap
type Heap struct {
	backend       *Backend
	kind          native.HeapKind
	slots         int
	shaderVisible bool
	released      atomic.Bool
}

var _ native.DescriptorHeap = &Heap{}

func (h *Heap) Kind() native.HeapKind {
	return h.kind
}

func (h *Heap) Slots() int {
	return h.slots
}

func (h *Heap) ShaderVisible() bool {
	return h.shaderVisible
}

func (h *Heap) Released() bool {
	return h.released.Load()
}

func (h *Heap) Release() {
	if h.released.Swap(true) {
		panic("soft descriptor heap released twice")
	}
	h.backend.liveHeaps.Add(-1)
}

// CommandAllocator is a pretend command allocator that counts its resets
type CommandAllocator struct {
	backend  *Backend
	resets   atomic.Int32
	released atomic.Bool
}

var _ native.CommandAllocator = &CommandAllocator{}

// Resets returns the number of times the allocator has been reset
func (c *CommandAllocator) Resets() int {
	return int(c.resets.Load())
}

func (c *CommandAllocator) Released() bool {
	return c.released.Load()
}

func (c *CommandAllocator) Reset() error {
	if c.Released() {
		return errors.New("attempted to reset a released command allocator")
	}
	c.resets.Add(1)
	return nil
}

func (c *CommandAllocator) Release() {
	if c.released.Swap(true) {
		panic("soft command allocator released twice")
	}
	c.backend.liveCommandAllocators.Add(-1)
}

func (b *Backend) CreateCommandAllocator() (native.CommandAllocator, error) {
	b.liveCommandAllocators.Add(1)
	return &CommandAllocator{backend: b}, nil
}

func (b *Backend) AllocateMemory(size int) (native.Pageable, error) {
	if size <= 0 {
		return nil, errors.Newf("allocation size must be positive, but was %d", size)
	}

	b.liveAllocations.Add(1)
	return &Allocation{backend: b, size: size}, nil
}

func (b *Backend) CreateDescriptorHeap(kind native.HeapKind, slots int, shaderVisible bool) (native.DescriptorHeap, error) {
	if slots <= 0 {
		return nil, errors.Newf("descriptor heap must have at least one slot, but requested %d", slots)
	}

	if shaderVisible && kind != native.HeapKindView && kind != native.HeapKindSampler {
		return nil, errors.Newf("%s heaps cannot be shader visible", kind)
	}

	b.liveHeaps.Add(1)
	return &Heap{backend: b, kind: kind, slots: slots, shaderVisible: shaderVisible}, nil
}

func (b *Backend) MakeResident(objects []native.Pageable) error {
	for _, object := range objects {
		allocation, err := b.allocation(object)
		if err != nil {
			return err
		}
		allocation.resident.Store(true)
	}

	b.makeResident.Add(int64(len(objects)))
	b.logger.Debug("soft::MakeResident", slog.Int("Count", len(objects)))
	return nil
}

func (b *Backend) Evict(objects []native.Pageable) error {
	for _, object := range objects {
		allocation, err := b.allocation(object)
		if err != nil {
			return err
		}
		allocation.resident.Store(false)
	}

	b.evict.Add(int64(len(objects)))
	b.logger.Debug("soft::Evict", slog.Int("Count", len(objects)))
	return nil
}

func (b *Backend) allocation(object native.Pageable) (*Allocation, error) {
	allocation, ok := object.(*Allocation)
	if !ok {
		return nil, errors.Newf("object of type %T was not allocated by a soft backend", object)
	}
	if allocation.Released() {
		return nil, errors.New("attempted to change the residency of a released allocation")
	}
	return allocation, nil
}

// Draw is a command list that reads a set of allocations. Executing it fails if any of them has been
// released or is not resident, which is how tests observe use-after-free on the software GPU.
type Draw struct {
	Name  string
	Reads []native.Pageable

	executed atomic.Int32
}

func (d *Draw) Execute() error {
	for index, read := range d.Reads {
		allocation, ok := read.(*Allocation)
		if !ok {
			continue
		}

		if allocation.Released() {
			return errors.Newf("%s read allocation %d after it was released", d, index)
		}
		if !allocation.Resident() {
			return errors.Newf("%s read allocation %d while it was not resident", d, index)
		}
	}

	d.executed.Add(1)
	return nil
}

// Executions returns the number of times this draw has run on the software GPU
func (d *Draw) Executions() int {
	return int(d.executed.Load())
}

func (d *Draw) String() string {
	if d.Name == "" {
		return "draw"
	}
	return fmt.Sprintf("draw %q", d.Name)
}
