package vex

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/vex/native"
	"github.com/vkngwrapper/arsenal/vex/serial"
	"golang.org/x/exp/slog"
)

// defaultMaxCommandAllocators is the number of native command allocators the device keeps when none
// is provided via CreateOptions
const defaultMaxCommandAllocators int = 256

// commandAllocatorPool hands out native command allocators for the pending serial. An allocator is
// reset and reused once the serial it was handed out for has completed.
type commandAllocatorPool struct {
	logger  *slog.Logger
	backend native.Backend
	max     int

	free     []native.CommandAllocator
	inflight serial.Queue[native.CommandAllocator]
	count    int
}

func newCommandAllocatorPool(logger *slog.Logger, backend native.Backend, max int) (*commandAllocatorPool, error) {
	if max <= 0 {
		return nil, errors.Newf("the device must be able to create at least one command allocator, but the limit was %d", max)
	}

	return &commandAllocatorPool{
		logger:  logger,
		backend: backend,
		max:     max,
	}, nil
}

// exhausted returns true if every allocator is in flight and no more may be created
func (p *commandAllocatorPool) exhausted() bool {
	return len(p.free) == 0 && p.count >= p.max
}

// oldestSerial returns the serial the longest-held allocator is waiting on
func (p *commandAllocatorPool) oldestSerial() (serial.Serial, bool) {
	return p.inflight.FirstSerial()
}

func (p *commandAllocatorPool) acquire(usage serial.Serial) (native.CommandAllocator, error) {
	var allocator native.CommandAllocator

	if len(p.free) > 0 {
		last := len(p.free) - 1
		allocator = p.free[last]
		p.free = p.free[:last]
	} else {
		if p.count >= p.max {
			return nil, errors.Newf("all %d command allocators are in use", p.max)
		}

		var err error
		allocator, err = p.backend.CreateCommandAllocator()
		if err != nil {
			return nil, errors.Wrap(err, "creating command allocator")
		}
		p.count++
		p.logger.Debug("Device::AcquireCommandAllocator", slog.Int("CommandAllocators", p.count))
	}

	p.inflight.Enqueue(usage, allocator)
	return allocator, nil
}

// reclaim resets every allocator whose serial has completed and returns it to the free list
func (p *commandAllocatorPool) reclaim(completed serial.Serial) error {
	var resetErr error
	p.inflight.PopUpTo(completed, func(_ serial.Serial, allocator native.CommandAllocator) {
		if resetErr != nil {
			p.releaseOne(allocator)
			return
		}

		err := allocator.Reset()
		if err != nil {
			resetErr = errors.Wrap(err, "resetting command allocator")
			p.releaseOne(allocator)
			return
		}
		p.free = append(p.free, allocator)
	})

	return resetErr
}

func (p *commandAllocatorPool) releaseOne(allocator native.CommandAllocator) {
	allocator.Release()
	p.count--
}

// available returns the number of allocators ready to be handed out without creating a new one
func (p *commandAllocatorPool) available() int {
	return len(p.free)
}

// destroy releases every allocator. It may only be used once the GPU is idle or lost.
func (p *commandAllocatorPool) destroy() {
	p.inflight.PopUpTo(^serial.Serial(0), func(_ serial.Serial, allocator native.CommandAllocator) {
		p.releaseOne(allocator)
	})
	for _, allocator := range p.free {
		p.releaseOne(allocator)
	}
	p.free = nil

	if p.count != 0 {
		panic("command allocator count did not return to zero")
	}
}

// AcquireCommandAllocator returns a native command allocator that may be used to record command
// lists for the pending submission. It is reset and handed out again once that submission completes,
// so the caller must not hold on to it after submitting. If every allocator is already in flight, the
// call waits for the oldest submission holding one.
func (d *Device) AcquireCommandAllocator() (native.CommandAllocator, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkUsable(); err != nil {
		return nil, err
	}

	if d.commandAllocators.exhausted() {
		oldest, _ := d.commandAllocators.oldestSerial()
		d.logger.Debug("Device::AcquireCommandAllocator", slog.Uint64("WaitSerial", uint64(oldest)))

		if oldest >= d.tracker.PendingSerial() {
			err := d.flushAfterLock()
			if err != nil {
				return nil, err
			}
		}

		err := d.tracker.WaitUntilCompleted(oldest, serial.NoTimeout)
		if err != nil {
			return nil, err
		}

		err = d.tickAfterLock()
		if err != nil {
			return nil, err
		}
	}

	allocator, err := d.commandAllocators.acquire(d.tracker.PendingSerial())
	if err != nil {
		return nil, err
	}

	d.pending.commandAllocators++
	return allocator, nil
}
