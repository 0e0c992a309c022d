package vex

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/vex/memutils"
	"github.com/vkngwrapper/arsenal/vex/native"
	"github.com/vkngwrapper/arsenal/vex/native/mocks"
	"github.com/vkngwrapper/arsenal/vex/native/soft"
	"github.com/vkngwrapper/arsenal/vex/serial"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func TestCommandAllocatorsAreReusedAfterCompletion(t *testing.T) {
	device, backend := manualDevice(t, CreateOptions{})

	first, err := device.AcquireCommandAllocator()
	require.NoError(t, err)
	require.Equal(t, 1, backend.LiveCommandAllocators())
	require.True(t, device.HasPendingCommands())

	require.NoError(t, device.Flush())
	require.Equal(t, serial.Serial(1), device.LastSubmittedSerial())

	// The first allocator is still in flight
	second, err := device.AcquireCommandAllocator()
	require.NoError(t, err)
	require.False(t, first == second)
	require.Equal(t, 2, backend.LiveCommandAllocators())

	backend.Drain()
	require.NoError(t, device.Tick())
	require.Equal(t, 1, first.(*soft.CommandAllocator).Resets())
	require.Equal(t, 0, second.(*soft.CommandAllocator).Resets())

	third, err := device.AcquireCommandAllocator()
	require.NoError(t, err)
	require.True(t, first == third)
	require.Equal(t, 2, backend.LiveCommandAllocators())

	var stats Statistics
	device.CalculateStatistics(&stats)
	require.Equal(t, 2, stats.CommandAllocators)
}

// drainOnceSubmitted executes the next batch on a manual backend from another goroutine, as soon as
// one has been submitted
func drainOnceSubmitted(backend *soft.Backend) {
	go func() {
		for backend.PendingBatches() == 0 {
			time.Sleep(time.Millisecond)
		}
		backend.Drain()
	}()
}

func TestCommandAllocatorLimitWaitsForOldest(t *testing.T) {
	device, backend := manualDevice(t, CreateOptions{MaxCommandAllocators: 2})

	first, err := device.AcquireCommandAllocator()
	require.NoError(t, err)
	require.NoError(t, device.Flush())

	second, err := device.AcquireCommandAllocator()
	require.NoError(t, err)

	// Both allocators are taken, so the oldest submission is waited on and its allocator reused
	drainOnceSubmitted(backend)
	third, err := device.AcquireCommandAllocator()
	require.NoError(t, err)
	require.True(t, first == third)
	require.Equal(t, 2, backend.LiveCommandAllocators())

	// Every allocator now belongs to the pending serial, which must be flushed before it can complete
	drainOnceSubmitted(backend)
	fourth, err := device.AcquireCommandAllocator()
	require.NoError(t, err)
	require.True(t, fourth == second || fourth == third)
	require.Equal(t, serial.Serial(2), device.LastSubmittedSerial())
	require.Equal(t, 2, backend.LiveCommandAllocators())

	require.NoError(t, device.Flush())
	backend.Drain()
	require.NoError(t, device.Destroy())
	require.Equal(t, 0, backend.LiveCommandAllocators())
	require.True(t, first.(*soft.CommandAllocator).Released())
	require.True(t, second.(*soft.CommandAllocator).Released())
}

func TestCommandAllocatorOptions(t *testing.T) {
	backend := soft.New(slog.Default(), soft.Options{Manual: true})
	defer backend.Close()

	_, err := New(slog.Default(), backend, CreateOptions{MaxCommandAllocators: -1})
	require.Error(t, err)
}

func TestCommandAllocatorResetFailureLosesDevice(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	heap := mocks.NewMockDescriptorHeap(ctrl)
	allocator := mocks.NewMockCommandAllocator(ctrl)

	var completed uint64
	backend.EXPECT().MemoryBudget().Return(1000)
	backend.EXPECT().CreateDescriptorHeap(native.HeapKindView, defaultViewRingSize, true).Return(heap, nil)
	backend.EXPECT().CreateDescriptorHeap(native.HeapKindSampler, defaultSamplerRingSize, true).Return(heap, nil)
	backend.EXPECT().CompletedValue().DoAndReturn(func() (uint64, error) {
		return completed, nil
	}).AnyTimes()

	device, err := New(slog.Default(), backend, CreateOptions{})
	require.NoError(t, err)

	backend.EXPECT().CreateCommandAllocator().Return(allocator, nil)
	acquired, err := device.AcquireCommandAllocator()
	require.NoError(t, err)
	require.Equal(t, allocator, acquired)

	backend.EXPECT().Submit(gomock.Any(), uint64(1)).Return(nil)
	require.NoError(t, device.Flush())

	completed = 1
	allocator.EXPECT().Reset().Return(errors.New("pool is corrupt"))
	allocator.EXPECT().Release()
	require.True(t, errors.Is(device.Tick(), memutils.DeviceLostError))

	_, err = device.AcquireCommandAllocator()
	require.True(t, errors.Is(err, memutils.DeviceLostError))

	heap.EXPECT().Release().Times(2)
	require.NoError(t, device.Destroy())
}
