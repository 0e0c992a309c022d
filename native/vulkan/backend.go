// Package vulkan implements native.Backend on top of a vkngwrapper core1_0 device and queue
package vulkan

import (
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/vex/memutils"
	"github.com/vkngwrapper/arsenal/vex/native"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"
)

type submission struct {
	fence  core1_0.Fence
	signal uint64
}

// Backend submits command buffers to a single Vulkan queue. Each submission signals a fence of its
// own; fences are polled oldest first and recycled once they have signalled. Vulkan core has no
// residency control, so MakeResident and Evict only do bookkeeping.
type Backend struct {
	logger    *slog.Logger
	device    core1_0.Device
	queue     core1_0.Queue
	callbacks *driver.AllocationCallbacks

	budget           int
	memoryTypeIndex  int
	queueFamilyIndex int

	mutex      sync.Mutex
	inflight   []submission
	freeFences []core1_0.Fence
	armed      uint64
	completed  uint64
}

var _ native.Backend = &Backend{}

// CreateOptions contains optional settings when creating a Backend
type CreateOptions struct {
	// AllocationCallbacks are passed to every object the backend creates
	AllocationCallbacks *driver.AllocationCallbacks
	// MemoryBudget overrides the budget derived from the device-local heaps
	MemoryBudget int
	// QueueFamilyIndex is the family of the queue, which command pools are created for
	QueueFamilyIndex int
}

// New creates a Backend for queue, which must belong to device
func New(logger *slog.Logger, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, queue core1_0.Queue, options CreateOptions) (*Backend, error) {
	if physicalDevice == nil || device == nil || queue == nil {
		return nil, errors.New("a vulkan backend requires a physical device, a device, and a queue")
	}

	memoryProperties := physicalDevice.MemoryProperties()
	memoryTypeIndex, err := deviceLocalMemoryType(memoryProperties)
	if err != nil {
		return nil, err
	}

	budget := options.MemoryBudget
	if budget == 0 {
		budget = deviceLocalBudget(memoryProperties)
	}

	return &Backend{
		logger:           logger,
		device:           device,
		queue:            queue,
		callbacks:        options.AllocationCallbacks,
		budget:           budget,
		memoryTypeIndex:  memoryTypeIndex,
		queueFamilyIndex: options.QueueFamilyIndex,
	}, nil
}

// deviceLocalBudget returns 80% of the combined size of every device-local heap
func deviceLocalBudget(memoryProperties *core1_0.PhysicalDeviceMemoryProperties) int {
	total := 0
	for _, heap := range memoryProperties.MemoryHeaps {
		if heap.Flags&core1_0.MemoryHeapDeviceLocal != 0 {
			total += heap.Size
		}
	}

	return total * 8 / 10
}

func deviceLocalMemoryType(memoryProperties *core1_0.PhysicalDeviceMemoryProperties) (int, error) {
	for index, memoryType := range memoryProperties.MemoryTypes {
		if memoryType.PropertyFlags&core1_0.MemoryPropertyDeviceLocal != 0 {
			return index, nil
		}
	}

	return -1, errors.New("the physical device has no device-local memory type")
}

func commandBuffers(lists []native.CommandList) ([]core1_0.CommandBuffer, error) {
	buffers := make([]core1_0.CommandBuffer, 0, len(lists))
	for index, list := range lists {
		buffer, ok := list.(core1_0.CommandBuffer)
		if !ok {
			return nil, errors.Newf("command list %d is a %T, not a core1_0.CommandBuffer", index, list)
		}
		buffers = append(buffers, buffer)
	}

	return buffers, nil
}

func checkResult(res common.VkResult, err error, format string, args ...interface{}) error {
	if res == core1_0.VKErrorDeviceLost {
		return memutils.MarkDeviceLost(res.ToError(), format, args...)
	}
	if err != nil {
		return errors.Wrapf(err, format, args...)
	}
	return nil
}

func (b *Backend) acquireFence() (core1_0.Fence, error) {
	if len(b.freeFences) > 0 {
		fence := b.freeFences[len(b.freeFences)-1]
		b.freeFences = b.freeFences[:len(b.freeFences)-1]
		return fence, nil
	}

	fence, res, err := b.device.CreateFence(b.callbacks, core1_0.FenceCreateInfo{})
	if err := checkResult(res, err, "creating a submission fence"); err != nil {
		return nil, err
	}
	return fence, nil
}

func (b *Backend) Submit(lists []native.CommandList, signalValue uint64) error {
	buffers, err := commandBuffers(lists)
	if err != nil {
		return err
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if signalValue <= b.armed {
		return errors.Newf("signal value %d does not follow %d", signalValue, b.armed)
	}

	fence, err := b.acquireFence()
	if err != nil {
		return err
	}

	res, err := b.queue.Submit(fence, []core1_0.SubmitInfo{
		{CommandBuffers: buffers},
	})
	if err := checkResult(res, err, "submitting serial %d", signalValue); err != nil {
		b.freeFences = append(b.freeFences, fence)
		return err
	}

	b.armed = signalValue
	b.inflight = append(b.inflight, submission{fence: fence, signal: signalValue})
	return nil
}

// pollAfterLock retires every leading submission whose fence has signalled
func (b *Backend) pollAfterLock() error {
	for len(b.inflight) > 0 {
		next := b.inflight[0]

		res, err := next.fence.Status()
		if res == core1_0.VKNotReady {
			return nil
		}
		if err := checkResult(res, err, "polling the fence for serial %d", next.signal); err != nil {
			return err
		}

		res, err = next.fence.Reset()
		if err := checkResult(res, err, "resetting the fence for serial %d", next.signal); err != nil {
			return err
		}

		b.completed = next.signal
		b.inflight = b.inflight[1:]
		b.freeFences = append(b.freeFences, next.fence)
	}

	return nil
}

func (b *Backend) CompletedValue() (uint64, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	err := b.pollAfterLock()
	return b.completed, err
}

func (b *Backend) Wait(value uint64, timeout time.Duration) (bool, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err := b.pollAfterLock(); err != nil {
		return false, err
	}
	if b.completed >= value {
		return true, nil
	}
	if value > b.armed {
		return false, errors.Newf("waited for %d, but only %d has been submitted", value, b.armed)
	}

	if timeout < 0 {
		timeout = time.Duration(math.MaxInt64)
	}

	// Submissions signal in order, so the first fence at or beyond value is the only one to wait on
	for _, pending := range b.inflight {
		if pending.signal < value {
			continue
		}

		res, err := pending.fence.Wait(timeout)
		if res == core1_0.VKTimeout {
			return false, nil
		}
		if err := checkResult(res, err, "waiting for serial %d", pending.signal); err != nil {
			return false, err
		}
		break
	}

	if err := b.pollAfterLock(); err != nil {
		return false, err
	}
	return b.completed >= value, nil
}

// Destroy waits for the queue to go idle and destroys every fence. Allocations, heaps, and command
// pools handed out by the backend must already have been released.
func (b *Backend) Destroy() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	res, err := b.queue.WaitIdle()
	waitErr := checkResult(res, err, "waiting for the queue to go idle")

	for _, pending := range b.inflight {
		pending.fence.Destroy(b.callbacks)
	}
	for _, fence := range b.freeFences {
		fence.Destroy(b.callbacks)
	}
	b.inflight = nil
	b.freeFences = nil

	return waitErr
}

func (b *Backend) MemoryBudget() int {
	return b.budget
}
