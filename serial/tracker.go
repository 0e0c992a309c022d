// Package serial assigns completion tokens to GPU work and defers the release of native objects until
// the GPU is known to be finished with them.
package serial

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/vex/memutils"
	"github.com/vkngwrapper/arsenal/vex/native"
	"golang.org/x/exp/slog"
)

// Serial is a completion token. Serials are handed out in strictly increasing order, and 0 means no
// work has been submitted yet.
type Serial uint64

// NoTimeout can be passed to WaitUntilCompleted to wait forever
const NoTimeout time.Duration = -1

// Tracker pairs a monotonic serial counter with a native fence. Advance is called by the single
// submitting goroutine; CompletedSerial and Poll may be called from any goroutine.
type Tracker struct {
	logger *slog.Logger
	fence  native.Fence

	lastSubmitted atomic.Uint64
	lastCompleted atomic.Uint64

	lostMutex sync.Mutex
	lost      error
	isLost    atomic.Bool
}

func NewTracker(logger *slog.Logger, fence native.Fence) *Tracker {
	return &Tracker{
		logger: logger,
		fence:  fence,
	}
}

// Advance marks the next serial as submitted and returns it
func (t *Tracker) Advance() Serial {
	return Serial(t.lastSubmitted.Add(1))
}

// LastSubmitted returns the most recent serial returned from Advance
func (t *Tracker) LastSubmitted() Serial {
	return Serial(t.lastSubmitted.Load())
}

// PendingSerial returns the serial that the next call to Advance will return
func (t *Tracker) PendingSerial() Serial {
	return t.LastSubmitted() + 1
}

// CompletedSerial reads the fence and returns the highest serial the GPU has finished. It never blocks.
// After device loss it keeps returning the last value that was read successfully.
func (t *Tracker) CompletedSerial() Serial {
	completed, _ := t.Poll()
	return completed
}

// Poll is CompletedSerial, but it also reports a device-lost error if the fence has failed
func (t *Tracker) Poll() (Serial, error) {
	if t.isLost.Load() {
		return t.cachedCompleted(), t.Err()
	}

	value, err := t.fence.CompletedValue()
	if err != nil {
		return t.cachedCompleted(), t.markLost(err)
	}

	return t.updateCompleted(Serial(value)), nil
}

func (t *Tracker) cachedCompleted() Serial {
	return Serial(t.lastCompleted.Load())
}

// updateCompleted raises the cached completed serial to value, clamped to the last submitted serial.
// It returns the cached value after the update.
func (t *Tracker) updateCompleted(value Serial) Serial {
	submitted := t.LastSubmitted()
	if value > submitted {
		value = submitted
	}

	for {
		current := t.lastCompleted.Load()
		if uint64(value) <= current {
			return Serial(current)
		}

		if t.lastCompleted.CompareAndSwap(current, uint64(value)) {
			return value
		}
	}
}

func (t *Tracker) markLost(cause error) error {
	t.lostMutex.Lock()
	defer t.lostMutex.Unlock()

	if t.lost == nil {
		t.logger.Error("Tracker::markLost", slog.Uint64("CompletedSerial", t.lastCompleted.Load()), slog.String("Cause", cause.Error()))
		t.lost = memutils.MarkDeviceLost(cause, "fence failed after serial %d", t.lastCompleted.Load())
		t.isLost.Store(true)
	}

	return t.lost
}

// MarkLost puts the tracker into the device-lost state, for failures observed outside the fence such
// as a rejected submission. It returns the sticky device-lost error.
func (t *Tracker) MarkLost(cause error) error {
	return t.markLost(cause)
}

// Lost reports whether the fence has failed
func (t *Tracker) Lost() bool {
	return t.isLost.Load()
}

// Err returns the sticky device-lost error, or nil if the device is healthy
func (t *Tracker) Err() error {
	t.lostMutex.Lock()
	defer t.lostMutex.Unlock()

	return t.lost
}

// WaitUntilCompleted blocks until the GPU finishes serial or timeout expires. It is meant for
// teardown and idle waits only.
func (t *Tracker) WaitUntilCompleted(serial Serial, timeout time.Duration) error {
	completed, err := t.Poll()
	if err != nil {
		return err
	}
	if completed >= serial {
		return nil
	}

	submitted := t.LastSubmitted()
	if serial > submitted {
		return errors.Newf("cannot wait for serial %d, the last submitted serial is %d", serial, submitted)
	}

	t.logger.Debug("Tracker::WaitUntilCompleted", slog.Uint64("Serial", uint64(serial)), slog.Duration("Timeout", timeout))

	reached, err := t.fence.Wait(uint64(serial), timeout)
	if err != nil {
		return t.markLost(err)
	}
	if !reached {
		return errors.Wrapf(memutils.TimeoutError, "waiting %s for serial %d", timeout, serial)
	}

	t.updateCompleted(serial)
	return nil
}

// AssumeCompleted treats every submitted serial as complete. It is used during teardown of a lost
// device so that deferred releases can drain.
func (t *Tracker) AssumeCompleted() {
	t.updateCompleted(t.LastSubmitted())
}
