// Package vex is the execution core of a GPU backend. A Device assigns every submission a serial,
// keeps the memory submissions reference resident under a budget, and defers the release of buffers,
// textures, descriptors and other native objects until the GPU has finished with them.
package vex

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/vex/descriptor"
	"github.com/vkngwrapper/arsenal/vex/internal/utils"
	"github.com/vkngwrapper/arsenal/vex/memutils"
	"github.com/vkngwrapper/arsenal/vex/native"
	"github.com/vkngwrapper/arsenal/vex/residency"
	"github.com/vkngwrapper/arsenal/vex/serial"
	"golang.org/x/exp/slog"
)

// Device owns the submission state of one native queue. Submit, Tick, and the descriptor methods are
// expected to be called from a single goroutine at a time; unless the device was created with
// DeviceCreateExternallySynchronized they are also guarded by an internal mutex.
type Device struct {
	logger      *slog.Logger
	useMutex    bool
	mutex       utils.Locker
	backend     native.Backend
	createFlags CreateFlags

	tracker   *serial.Tracker
	reclaim   *serial.ReclaimQueue
	residency *residency.Manager

	viewStaging         *descriptor.StagingAllocatorSet
	samplerStaging      *descriptor.StagingAllocatorSet
	renderTargetStaging *descriptor.StagingAllocator
	depthStencilStaging *descriptor.StagingAllocator
	viewRing            *descriptor.RingAllocator
	samplerRing         *descriptor.RingAllocator
	samplerGroups       *swiss.Map[string, *SamplerGroup]

	commandAllocators *commandAllocatorPool

	pending        *recordingContext
	live           *swiss.Map[uint64, *resource]
	nextResourceID uint64
	destroyed      bool
}

// LastSubmittedSerial returns the serial of the most recent submission
func (d *Device) LastSubmittedSerial() serial.Serial {
	return d.tracker.LastSubmitted()
}

// PendingSerial returns the serial the next submission will receive
func (d *Device) PendingSerial() serial.Serial {
	return d.tracker.PendingSerial()
}

// CompletedSerial returns the highest serial the GPU has finished without blocking. It is safe to
// call from any goroutine.
func (d *Device) CompletedSerial() serial.Serial {
	return d.tracker.CompletedSerial()
}

// Lost returns the sticky device-lost error, or nil if the device is healthy
func (d *Device) Lost() error {
	return d.tracker.Err()
}

// Submit executes the command buffers in order as one batch with a new serial. Submission is
// all-or-nothing: on failure no serial is consumed, nothing is made resident, and the command buffers
// may not be marked submitted.
//
// Submit fails with memutils.ValidationError if a command buffer references a destroyed buffer,
// texture, or descriptor block, or has already been submitted; with memutils.OutOfMemoryError if the
// referenced memory does not fit inside the residency budget; and with memutils.DeviceLostError once
// the native queue or fence has failed.
func (d *Device) Submit(commandBuffers ...*CommandBuffer) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkUsable(); err != nil {
		return err
	}

	err := d.validateCommandBuffers(commandBuffers)
	if err != nil {
		return err
	}

	mark := d.pending.mark()
	for _, commandBuffer := range commandBuffers {
		d.pending.record(commandBuffer)
	}

	err = d.submitPending()
	if err != nil {
		d.pending.rollback(mark)
		return err
	}

	for _, commandBuffer := range commandBuffers {
		commandBuffer.submitted = true
		commandBuffer.transients = nil
	}

	return d.tickAfterLock()
}

func (d *Device) checkUsable() error {
	if d.destroyed {
		return errors.New("the device has been destroyed")
	}

	return d.tracker.Err()
}

// validateCommandBuffers rejects a batch that could not be safely recorded. It runs before anything is
// recorded, so a rejected batch leaves the device untouched.
func (d *Device) validateCommandBuffers(commandBuffers []*CommandBuffer) error {
	seen := swiss.NewMap[*CommandBuffer, struct{}](42)
	pendingSerial := d.tracker.PendingSerial()
	completed := d.tracker.CompletedSerial()

	for index, commandBuffer := range commandBuffers {
		if commandBuffer == nil {
			return errors.Wrapf(memutils.ValidationError, "command buffer %d is nil", index)
		}
		if commandBuffer.submitted || seen.Has(commandBuffer) {
			return errors.Wrapf(memutils.ValidationError, "command buffer %q has already been submitted", commandBuffer.label)
		}
		if commandBuffer.released {
			return errors.Wrapf(memutils.ValidationError, "command buffer %q has been released", commandBuffer.label)
		}
		seen.Put(commandBuffer, struct{}{})

		for _, buffer := range commandBuffer.buffers {
			if buffer == nil || buffer.resource.destroyed {
				return errors.Wrapf(memutils.ValidationError, "command buffer %q uses %s, which has been destroyed", commandBuffer.label, buffer.String())
			}
			if buffer.resource.device != d {
				return errors.Wrapf(memutils.ValidationError, "command buffer %q uses %s, which belongs to another device", commandBuffer.label, buffer.String())
			}
		}

		for _, texture := range commandBuffer.textures {
			if texture == nil || texture.resource.destroyed {
				return errors.Wrapf(memutils.ValidationError, "command buffer %q uses %s, which has been destroyed", commandBuffer.label, texture.String())
			}
			if texture.resource.device != d {
				return errors.Wrapf(memutils.ValidationError, "command buffer %q uses %s, which belongs to another device", commandBuffer.label, texture.String())
			}
		}

		for _, allocation := range commandBuffer.descriptors {
			if !allocation.IsValid() {
				return errors.Wrapf(memutils.ValidationError, "command buffer %q uses descriptors that have been freed", commandBuffer.label)
			}
			if !d.ownsStagingAllocator(allocation.Allocator()) {
				return errors.Wrapf(memutils.ValidationError, "command buffer %q uses %s, which belongs to another device", commandBuffer.label, allocation.String())
			}
		}

		for _, allocation := range commandBuffer.shaderVisible {
			ring, err := d.ring(allocation.Kind())
			if err != nil || !ring.IsAllocationStillValid(allocation, completed) {
				return errors.Wrapf(memutils.ValidationError, "command buffer %q uses %s, which is not a live reservation of this device", commandBuffer.label, allocation.String())
			}
			if allocation.Serial() != pendingSerial {
				return errors.Wrapf(memutils.ValidationError, "command buffer %q uses %s, which was reserved for serial %d but would be submitted with serial %d", commandBuffer.label, allocation.String(), allocation.Serial(), pendingSerial)
			}
		}
	}

	return nil
}

// submitPending submits everything in the pending recording context with the pending serial
func (d *Device) submitPending() error {
	pendingSerial := d.tracker.PendingSerial()

	completed, err := d.tracker.Poll()
	if err != nil {
		return err
	}

	err = d.residency.EnsureResident(d.pending.residencySet(), pendingSerial, completed)
	if errors.Is(err, memutils.OutOfMemoryError) {
		return err
	} else if err != nil {
		return d.tracker.MarkLost(err)
	}

	err = d.backend.Submit(d.pending.lists, uint64(pendingSerial))
	if err != nil {
		return d.tracker.MarkLost(errors.Wrapf(err, "submitting serial %d", pendingSerial))
	}

	submitted := d.tracker.Advance()
	if submitted != pendingSerial {
		panic("the submission serial changed while the device was submitting")
	}

	d.pending.commit(submitted, d.reclaim)
	d.logger.Debug("Device::submitPending", slog.Uint64("Serial", uint64(submitted)), slog.Int("Lists", len(d.pending.lists)), slog.Int("Resources", len(d.pending.resources)))
	d.pending = &recordingContext{}

	return nil
}

// HasPendingCommands returns whether work has been recorded for the pending serial that has not been
// submitted yet
func (d *Device) HasPendingCommands() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return !d.pending.isEmpty()
}

// Flush submits any pending internal work, such as shader-visible descriptor reservations and handles
// passed to ReferenceUntilUnused, as a batch of its own
func (d *Device) Flush() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkUsable(); err != nil {
		return err
	}

	return d.flushAfterLock()
}

func (d *Device) flushAfterLock() error {
	if d.pending.isEmpty() {
		return nil
	}

	err := d.submitPending()
	if err != nil {
		return err
	}

	return d.tickAfterLock()
}

// ReferenceUntilUnused takes ownership of handle and releases it once every submission made so far,
// and the next one, has completed
func (d *Device) ReferenceUntilUnused(handle native.Handle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.pending.holdUntilComplete(handle)
}

// Tick releases everything whose serial the GPU has completed. It should be called regularly, such as
// once per frame; Submit also ticks after every submission.
func (d *Device) Tick() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.destroyed {
		return errors.New("the device has been destroyed")
	}

	return d.tickAfterLock()
}

func (d *Device) tickAfterLock() error {
	completed, err := d.tracker.Poll()

	d.reclaim.Tick(completed)
	d.viewRing.Reclaim(completed)
	d.samplerRing.Reclaim(completed)

	evictErr := d.residency.Tick(completed)
	if err == nil && evictErr != nil {
		err = d.tracker.MarkLost(evictErr)
	}

	resetErr := d.commandAllocators.reclaim(completed)
	if err == nil && resetErr != nil {
		err = d.tracker.MarkLost(resetErr)
	}

	return err
}

// WaitIdle submits any pending work and blocks until the GPU has finished everything submitted, or
// timeout expires with memutils.TimeoutError. serial.NoTimeout waits forever.
func (d *Device) WaitIdle(timeout time.Duration) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkUsable(); err != nil {
		return err
	}

	err := d.flushAfterLock()
	if err != nil {
		return err
	}

	err = d.tracker.WaitUntilCompleted(d.tracker.LastSubmitted(), timeout)
	if err != nil {
		return err
	}

	return d.tickAfterLock()
}

// Destroy waits for the GPU to finish all submitted work and releases every native object the device
// owns, including any buffers and textures that were never destroyed. If the device has been lost,
// submitted work is assumed to have completed. Destroy is idempotent.
func (d *Device) Destroy() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.destroyed {
		return nil
	}

	d.logger.Debug("Device::Destroy")

	var waitErr error
	if d.tracker.Err() == nil {
		waitErr = d.flushAfterLock()
		if waitErr == nil {
			waitErr = d.tracker.WaitUntilCompleted(d.tracker.LastSubmitted(), serial.NoTimeout)
		}
	}

	if waitErr != nil && !errors.Is(waitErr, memutils.DeviceLostError) {
		return waitErr
	}

	// Everything submitted is either finished or will never run
	d.tracker.AssumeCompleted()
	for _, handle := range d.pending.transients {
		handle.Release()
	}
	d.pending = &recordingContext{}

	leaked := d.live.Count()
	if leaked > 0 {
		d.logger.Warn("Device::Destroy", slog.Int("LiveResources", leaked))

		var live []*resource
		d.live.Iter(func(id uint64, r *resource) bool {
			live = append(live, r)
			return false
		})
		for _, r := range live {
			r.destroyAfterLock()
		}
	}

	d.destroySamplerGroups()
	d.reclaim.ReleaseAll()
	d.commandAllocators.destroy()
	d.destroyDescriptorAllocators()
	d.destroyed = true

	memutils.DebugValidate(d.residency)
	return nil
}
