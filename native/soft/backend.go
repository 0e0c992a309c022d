// Package soft is a software GPU: a native.Backend that executes submitted command lists in order on
// its own goroutine and signals a fence after each batch. It exists for tests and for the vexsim tool.
package soft

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/vex/native"
	"golang.org/x/exp/slog"
)

// DefaultMemoryBudget is reported by MemoryBudget when Options.MemoryBudget is left at zero.
// It is 80% of a pretend 256Mb heap.
const DefaultMemoryBudget int = 256 * 1024 * 1024 * 8 / 10

// Executable is implemented by command lists that do work when the software GPU executes them. Lists
// that do not implement it are treated as no-ops.
type Executable interface {
	Execute() error
}

// Options configures a software backend
type Options struct {
	// MemoryBudget is the value reported from MemoryBudget
	MemoryBudget int
	// Manual stops the backend from executing work on its own. Submitted batches wait until Step or
	// Drain is called, which lets tests control exactly when the fence advances.
	Manual bool
}

type batch struct {
	lists  []native.CommandList
	signal uint64
}

// Backend is a software native.Backend
type Backend struct {
	logger *slog.Logger
	budget int
	manual bool

	mutex     sync.Mutex
	pending   []batch
	completed uint64
	armed     uint64
	lost      error
	changed   chan struct{}
	kick      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup

	liveAllocations atomic.Int64
	liveHeaps       atomic.Int64
	makeResident    atomic.Int64
	evict           atomic.Int64

	liveCommandAllocators atomic.Int64
}

var _ native.Backend = &Backend{}

// New creates a software backend. Unless options.Manual is set, a goroutine begins executing
// submitted work immediately; call Close to stop it.
func New(logger *slog.Logger, options Options) *Backend {
	b := &Backend{
		logger:  logger,
		budget:  options.MemoryBudget,
		manual:  options.Manual,
		changed: make(chan struct{}),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	if b.budget == 0 {
		b.budget = DefaultMemoryBudget
	}

	if !b.manual {
		b.wg.Add(1)
		go b.run()
	}

	return b
}

func (b *Backend) run() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case <-b.kick:
		}

		for b.step() {
		}
	}
}

// Close stops the execution goroutine. Work that has not executed yet is abandoned.
func (b *Backend) Close() {
	b.mutex.Lock()
	select {
	case <-b.done:
		b.mutex.Unlock()
		return
	default:
		close(b.done)
	}
	b.mutex.Unlock()

	b.wg.Wait()
}

// Step executes the oldest pending batch and signals its fence value. It returns false when there
// was nothing to execute or the device has been lost. Step may only be called on a Manual backend.
func (b *Backend) Step() bool {
	if !b.manual {
		panic("soft.Backend.Step called on a backend that executes work on its own")
	}

	return b.step()
}

func (b *Backend) step() bool {
	b.mutex.Lock()
	if len(b.pending) == 0 || b.lost != nil {
		b.mutex.Unlock()
		return false
	}
	next := b.pending[0]
	b.pending = b.pending[1:]
	b.mutex.Unlock()

	for _, list := range next.lists {
		executable, ok := list.(Executable)
		if !ok {
			continue
		}

		err := executable.Execute()
		if err != nil {
			b.Lose(errors.Wrapf(err, "executing batch %d", next.signal))
			return false
		}
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if next.signal > b.completed {
		b.completed = next.signal
	}
	b.broadcast()

	return true
}

// Drain executes every pending batch and returns how many were executed. Drain may only be called
// on a Manual backend.
func (b *Backend) Drain() int {
	count := 0
	for b.Step() {
		count++
	}
	return count
}

// PendingBatches returns the number of submitted batches that have not executed yet
func (b *Backend) PendingBatches() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return len(b.pending)
}

// Lose puts the backend into the device-lost state. Every later fence read and submission fails
// with cause.
func (b *Backend) Lose(cause error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.lost != nil {
		return
	}

	b.logger.Error("soft::Lose", slog.String("Cause", cause.Error()))
	b.lost = cause
	b.broadcast()
}

// broadcast wakes every waiter. The mutex must be held.
func (b *Backend) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Backend) Submit(lists []native.CommandList, signalValue uint64) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.lost != nil {
		return errors.Wrap(b.lost, "submitting to a lost device")
	}

	if signalValue <= b.armed {
		return errors.Newf("fence value %d is not greater than the last armed value %d", signalValue, b.armed)
	}
	b.armed = signalValue

	b.logger.Debug("soft::Submit", slog.Int("Lists", len(lists)), slog.Uint64("Signal", signalValue))
	b.pending = append(b.pending, batch{lists: lists, signal: signalValue})

	if !b.manual {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}

	return nil
}

func (b *Backend) CompletedValue() (uint64, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.lost != nil {
		return b.completed, b.lost
	}

	return b.completed, nil
}

func (b *Backend) Wait(value uint64, timeout time.Duration) (bool, error) {
	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		b.mutex.Lock()
		if b.lost != nil {
			b.mutex.Unlock()
			return false, b.lost
		}
		if b.completed >= value {
			b.mutex.Unlock()
			return true, nil
		}
		changed := b.changed
		b.mutex.Unlock()

		select {
		case <-changed:
		case <-expired:
			return false, nil
		}
	}
}

func (b *Backend) MemoryBudget() int {
	return b.budget
}

// LiveAllocations returns the number of allocations that have been created and not yet released
func (b *Backend) LiveAllocations() int {
	return int(b.liveAllocations.Load())
}

// LiveHeaps returns the number of descriptor heaps that have been created and not yet released
func (b *Backend) LiveHeaps() int {
	return int(b.liveHeaps.Load())
}

// LiveCommandAllocators returns the number of command allocators that have been created and not yet
// released
func (b *Backend) LiveCommandAllocators() int {
	return int(b.liveCommandAllocators.Load())
}

// ResidencyOperations returns the cumulative number of allocations made resident and evicted
func (b *Backend) ResidencyOperations() (madeResident int, evicted int) {
	return int(b.makeResident.Load()), int(b.evict.Load())
}
