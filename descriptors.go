package vex

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/vex/descriptor"
	"github.com/vkngwrapper/arsenal/vex/memutils"
	"github.com/vkngwrapper/arsenal/vex/native"
	"github.com/vkngwrapper/arsenal/vex/serial"
	"golang.org/x/exp/slog"
)

// AllocateDescriptors returns a block of at least count CPU-visible descriptors of the provided kind.
// View and sampler requests are rounded up to a power of two; render target and depth/stencil requests
// must be for a single descriptor. A count of zero returns the null allocation and no error.
func (d *Device) AllocateDescriptors(kind native.HeapKind, count int) (*descriptor.StagingAllocation, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkUsable(); err != nil {
		return nil, err
	}

	switch kind {
	case native.HeapKindView:
		return d.viewStaging.Allocate(count)
	case native.HeapKindSampler:
		return d.samplerStaging.Allocate(count)
	case native.HeapKindRenderTarget:
		return allocateAttachmentDescriptor(d.renderTargetStaging, count)
	case native.HeapKindDepthStencil:
		return allocateAttachmentDescriptor(d.depthStencilStaging, count)
	}

	return nil, errors.Newf("unknown descriptor heap kind %s", kind)
}

func allocateAttachmentDescriptor(allocator *descriptor.StagingAllocator, count int) (*descriptor.StagingAllocation, error) {
	if count == 0 {
		return nil, nil
	}
	if count != 1 {
		return nil, errors.Newf("%s descriptors are allocated one at a time, but %d were requested", allocator.Kind(), count)
	}

	return allocator.Allocate()
}

// StagingAllocator returns the allocator serving requests for count CPU-visible descriptors of the
// provided kind, or nil for a count of zero
func (d *Device) StagingAllocator(kind native.HeapKind, count int) (*descriptor.StagingAllocator, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.destroyed {
		return nil, errors.New("the device has been destroyed")
	}

	switch kind {
	case native.HeapKindView:
		return d.viewStaging.Allocator(count)
	case native.HeapKindSampler:
		return d.samplerStaging.Allocator(count)
	}

	if count == 0 {
		return nil, nil
	}

	switch kind {
	case native.HeapKindRenderTarget:
		return d.renderTargetStaging, nil
	case native.HeapKindDepthStencil:
		return d.depthStencilStaging, nil
	}

	return nil, errors.Newf("unknown descriptor heap kind %s", kind)
}

// FreeDescriptors returns a block of CPU-visible descriptors. The block is invalid as soon as this
// returns, so later submissions that use it are rejected, but if a submission that used it may still be
// executing the block is not reused until that submission completes. Freeing a block twice, or a block
// that belongs to another device, fails with memutils.ValidationError.
func (d *Device) FreeDescriptors(allocation *descriptor.StagingAllocation) error {
	if allocation == nil {
		return nil
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.destroyed {
		return errors.New("the device has been destroyed")
	}

	return d.freeDescriptorsAfterLock(allocation)
}

func (d *Device) freeDescriptorsAfterLock(allocation *descriptor.StagingAllocation) error {
	allocator := allocation.Allocator()
	if !d.ownsStagingAllocator(allocator) {
		return errors.Wrapf(memutils.ValidationError, "cannot free %s, which belongs to another device", allocation.String())
	}

	err := allocator.Retire(allocation)
	if err != nil {
		return err
	}

	lastUsage := allocation.LastUsage()
	if lastUsage > d.tracker.CompletedSerial() {
		d.reclaim.Enqueue(lastUsage, serial.ReleaseFunc(func() {
			allocator.Reclaim(allocation)
		}))
		return nil
	}

	allocator.Reclaim(allocation)
	return nil
}

func (d *Device) ownsStagingAllocator(allocator *descriptor.StagingAllocator) bool {
	return allocator != nil && (allocator == d.renderTargetStaging || allocator == d.depthStencilStaging ||
		d.viewStaging.Owns(allocator) || d.samplerStaging.Owns(allocator))
}

// AllocateShaderVisibleDescriptors reserves count contiguous shader-visible descriptors of the provided
// kind for the pending submission. If the ring is full, pending work is flushed and completed
// reservations are reclaimed before trying once more; if there is still no room the request fails with
// memutils.OutOfRingSpaceError.
func (d *Device) AllocateShaderVisibleDescriptors(kind native.HeapKind, count int) (descriptor.RingAllocation, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkUsable(); err != nil {
		return descriptor.RingAllocation{}, err
	}

	ring, err := d.ring(kind)
	if err != nil {
		return descriptor.RingAllocation{}, err
	}

	return d.reserveAfterLock(ring, kind, count)
}

func (d *Device) reserveAfterLock(ring *descriptor.RingAllocator, kind native.HeapKind, count int) (descriptor.RingAllocation, error) {
	allocation, err := ring.Allocate(count, d.tracker.PendingSerial())
	if errors.Is(err, memutils.OutOfRingSpaceError) {
		d.logger.Debug("Device::AllocateShaderVisibleDescriptors", slog.String("Kind", kind.String()), slog.Int("Count", count), slog.Int("UsedSize", ring.UsedSize()))

		err = d.flushAfterLock()
		if err == nil {
			err = d.tickAfterLock()
		}
		if err != nil {
			return descriptor.RingAllocation{}, err
		}

		allocation, err = ring.Allocate(count, d.tracker.PendingSerial())
		if err != nil {
			return descriptor.RingAllocation{}, errors.Wrap(err, "descriptor ring is still full after flushing pending work")
		}
	} else if err != nil {
		return descriptor.RingAllocation{}, err
	}

	if !allocation.IsNull() {
		d.pending.ringReservations++
	}
	return allocation, nil
}

// IsShaderVisibleAllocationValid returns whether a reservation's slots still hold what was written to
// them, which is true until the submission it was made for completes
func (d *Device) IsShaderVisibleAllocationValid(allocation descriptor.RingAllocation) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.destroyed {
		return false
	}

	ring, err := d.ring(allocation.Kind())
	if err != nil {
		return false
	}

	return ring.IsAllocationStillValid(allocation, d.tracker.CompletedSerial())
}

func (d *Device) ring(kind native.HeapKind) (*descriptor.RingAllocator, error) {
	switch kind {
	case native.HeapKindView:
		return d.viewRing, nil
	case native.HeapKindSampler:
		return d.samplerRing, nil
	}

	return nil, errors.Newf("%s descriptors cannot be shader visible", kind)
}
