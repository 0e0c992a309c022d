package serial

import (
	"github.com/vkngwrapper/arsenal/vex/native"
	"golang.org/x/exp/slog"
)

// ReleaseFunc adapts a function to native.Handle, for deferred work that is not a single native object
type ReleaseFunc func()

func (f ReleaseFunc) Release() {
	f()
}

// ReclaimQueue owns native handles that in-flight GPU work may still reference, and releases each one
// once its serial has completed
type ReclaimQueue struct {
	logger *slog.Logger
	queue  Queue[native.Handle]
}

func NewReclaimQueue(logger *slog.Logger) *ReclaimQueue {
	return &ReclaimQueue{logger: logger}
}

// Enqueue takes ownership of handle. It will be released by the first Tick whose completed serial
// reaches serial.
func (r *ReclaimQueue) Enqueue(serial Serial, handle native.Handle) {
	if handle == nil {
		panic("attempted to enqueue a nil handle for deferred release")
	}

	r.queue.Enqueue(serial, handle)
}

// Tick releases every handle tagged with a serial no greater than completed, oldest serial first,
// and returns how many were released
func (r *ReclaimQueue) Tick(completed Serial) int {
	released := r.queue.PopUpTo(completed, func(serial Serial, handle native.Handle) {
		handle.Release()
	})

	if released > 0 {
		r.logger.Debug("ReclaimQueue::Tick", slog.Uint64("CompletedSerial", uint64(completed)), slog.Int("Released", released), slog.Int("Remaining", r.queue.Len()))
	}

	return released
}

// ReleaseAll releases every handle regardless of serial. It may only be used once the GPU is idle or lost.
func (r *ReclaimQueue) ReleaseAll() int {
	last, ok := r.queue.LastSerial()
	if !ok {
		return 0
	}

	return r.Tick(last)
}

// Len returns the number of handles awaiting release
func (r *ReclaimQueue) Len() int {
	return r.queue.Len()
}

// LastSerial returns the newest serial any pending handle is waiting on
func (r *ReclaimQueue) LastSerial() (Serial, bool) {
	return r.queue.LastSerial()
}
