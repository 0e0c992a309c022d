package vex

import (
	"sync"
	"sync/atomic"
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

func manualDevice(t *testing.T, options CreateOptions) (*Device, *soft.Backend) {
	backend := soft.New(slog.Default(), soft.Options{Manual: true})
	t.Cleanup(backend.Close)

	device, err := New(slog.Default(), backend, options)
	require.NoError(t, err)

	return device, backend
}

func createBuffer(t *testing.T, device *Device, label string, size int) *Buffer {
	buffer, err := device.CreateBuffer(BufferCreateInfo{Label: label, Size: size})
	require.NoError(t, err)
	return buffer
}

func drawing(label string, buffers ...*Buffer) (*CommandBuffer, *soft.Draw) {
	draw := &soft.Draw{Name: label}
	commandBuffer := NewCommandBuffer(label, draw)
	for _, buffer := range buffers {
		draw.Reads = append(draw.Reads, buffer.resource.memory)
		commandBuffer.UseBuffer(buffer)
	}
	return commandBuffer, draw
}

func TestNewRequiresBackend(t *testing.T) {
	_, err := New(nil, nil, CreateOptions{})
	require.Error(t, err)
}

func TestNewWithNilLogger(t *testing.T) {
	backend := soft.New(slog.Default(), soft.Options{Manual: true})
	defer backend.Close()

	device, err := New(nil, backend, CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, soft.DefaultMemoryBudget, device.residency.Budget())
	require.NoError(t, device.Destroy())
	require.Equal(t, 0, backend.LiveHeaps())
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "DeviceCreateExternallySynchronized", DeviceCreateExternallySynchronized.String())
}

func TestSubmitAssignsIncreasingSerials(t *testing.T) {
	device, backend := manualDevice(t, CreateOptions{})

	for i := 1; i <= 3; i++ {
		require.NoError(t, device.Submit(NewCommandBuffer("empty")))
		require.Equal(t, serial.Serial(i), device.LastSubmittedSerial())
	}
	require.Equal(t, serial.Serial(4), device.PendingSerial())
	require.Equal(t, serial.Serial(0), device.CompletedSerial())

	require.True(t, backend.Step())
	require.Equal(t, serial.Serial(1), device.CompletedSerial())
	require.Equal(t, 2, backend.Drain())
	require.NoError(t, device.Tick())
	require.Equal(t, serial.Serial(3), device.CompletedSerial())
}

func TestSubmitMultipleCommandBuffersAsOneBatch(t *testing.T) {
	device, backend := manualDevice(t, CreateOptions{})
	buffer := createBuffer(t, device, "vertices", 64)

	first, firstDraw := drawing("first", buffer)
	second, secondDraw := drawing("second", buffer)

	require.NoError(t, device.Submit(first, second))
	require.Equal(t, serial.Serial(1), device.LastSubmittedSerial())
	require.Equal(t, 1, backend.PendingBatches())
	require.True(t, first.Submitted())
	require.True(t, second.Submitted())

	backend.Drain()
	require.Equal(t, 1, firstDraw.Executions())
	require.Equal(t, 1, secondDraw.Executions())
}

func TestResubmitIsRejected(t *testing.T) {
	device, backend := manualDevice(t, CreateOptions{})

	commandBuffer := NewCommandBuffer("once")
	require.NoError(t, device.Submit(commandBuffer))

	err := device.Submit(commandBuffer)
	require.True(t, errors.Is(err, memutils.ValidationError))
	require.Equal(t, serial.Serial(1), device.LastSubmittedSerial())

	twice := NewCommandBuffer("twice")
	err = device.Submit(twice, twice)
	require.True(t, errors.Is(err, memutils.ValidationError))
	require.False(t, twice.Submitted())

	err = device.Submit(nil)
	require.True(t, errors.Is(err, memutils.ValidationError))

	require.Equal(t, 1, backend.PendingBatches())
}

func TestOutOfMemoryLeavesStateUntouched(t *testing.T) {
	device, backend := manualDevice(t, CreateOptions{ResidencyBudget: 100})

	large := createBuffer(t, device, "large", 101)
	small := createBuffer(t, device, "small", 100)

	commandBuffer, draw := drawing("too big", large)
	err := device.Submit(commandBuffer)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))
	require.Equal(t, serial.Serial(0), device.LastSubmittedSerial())
	require.Equal(t, serial.Serial(1), device.PendingSerial())
	require.False(t, commandBuffer.Submitted())
	require.False(t, large.Allocation().Resident())
	require.Equal(t, 0, backend.PendingBatches())
	require.False(t, device.HasPendingCommands())

	fits, fitsDraw := drawing("fits", small)
	require.NoError(t, device.Submit(fits))
	require.Equal(t, serial.Serial(1), device.LastSubmittedSerial())

	backend.Drain()
	require.Equal(t, 0, draw.Executions())
	require.Equal(t, 1, fitsDraw.Executions())
}

func TestResidencyEvictsCompletedWork(t *testing.T) {
	device, backend := manualDevice(t, CreateOptions{ResidencyBudget: 200})

	a := createBuffer(t, device, "a", 100)
	b := createBuffer(t, device, "b", 100)
	c := createBuffer(t, device, "c", 100)
	d := createBuffer(t, device, "d", 300)

	first, firstDraw := drawing("a and b", a, b)
	require.NoError(t, device.Submit(first))

	// a and b are still in flight, so a leaves the budget but its memory stays resident for the first draw
	second, secondDraw := drawing("c", c)
	require.NoError(t, device.Submit(second))
	require.False(t, a.Allocation().Resident())
	require.True(t, b.Allocation().Resident())
	require.True(t, c.Allocation().Resident())
	require.True(t, a.resource.memory.(*soft.Allocation).Resident())
	_, evicted := backend.ResidencyOperations()
	require.Equal(t, 0, evicted)

	backend.Drain()
	require.Equal(t, 1, firstDraw.Executions())
	require.Equal(t, 1, secondDraw.Executions())

	require.NoError(t, device.Tick())
	require.False(t, a.resource.memory.(*soft.Allocation).Resident())
	_, evicted = backend.ResidencyOperations()
	require.Equal(t, 1, evicted)

	// Larger than the whole budget
	third, _ := drawing("d", d)
	err := device.Submit(third)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))
	require.NoError(t, device.Lost())
}

func TestHoldUntilComplete(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, backend := manualDevice(t, CreateOptions{})

	transient := mocks.NewMockHandle(ctrl)
	commandBuffer := NewCommandBuffer("upload")
	commandBuffer.HoldUntilComplete(transient)
	require.NoError(t, device.Submit(commandBuffer))

	// Released only after serial 1 completes
	require.NoError(t, device.Tick())

	transient.EXPECT().Release()
	backend.Drain()
	require.NoError(t, device.Tick())

	// Submitted command buffers no longer own the handle
	commandBuffer.Release()
}

func TestReleaseUnsubmittedCommandBuffer(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, _ := manualDevice(t, CreateOptions{})

	transient := mocks.NewMockHandle(ctrl)
	commandBuffer := NewCommandBuffer("abandoned")
	commandBuffer.HoldUntilComplete(transient)

	transient.EXPECT().Release()
	commandBuffer.Release()
	commandBuffer.Release()

	err := device.Submit(commandBuffer)
	require.True(t, errors.Is(err, memutils.ValidationError))
}

func TestReferenceUntilUnused(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, backend := manualDevice(t, CreateOptions{})

	require.NoError(t, device.Submit(NewCommandBuffer("before")))

	staging := mocks.NewMockHandle(ctrl)
	device.ReferenceUntilUnused(staging)
	require.True(t, device.HasPendingCommands())

	require.NoError(t, device.Flush())
	require.False(t, device.HasPendingCommands())
	require.Equal(t, serial.Serial(2), device.LastSubmittedSerial())

	require.True(t, backend.Step())
	require.NoError(t, device.Tick())

	staging.EXPECT().Release()
	require.True(t, backend.Step())
	require.NoError(t, device.Tick())
}

func TestFlushWithNothingPending(t *testing.T) {
	device, backend := manualDevice(t, CreateOptions{})

	require.NoError(t, device.Flush())
	require.Equal(t, serial.Serial(0), device.LastSubmittedSerial())
	require.Equal(t, 0, backend.PendingBatches())
}

func TestNativeSubmitFailureLosesDevice(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	heap := mocks.NewMockDescriptorHeap(ctrl)

	backend.EXPECT().MemoryBudget().Return(1000)
	backend.EXPECT().CreateDescriptorHeap(native.HeapKindView, defaultViewRingSize, true).Return(heap, nil)
	backend.EXPECT().CreateDescriptorHeap(native.HeapKindSampler, defaultSamplerRingSize, true).Return(heap, nil)
	backend.EXPECT().CompletedValue().Return(uint64(0), nil).AnyTimes()

	device, err := New(slog.Default(), backend, CreateOptions{})
	require.NoError(t, err)

	commandBuffer := NewCommandBuffer("doomed")
	backend.EXPECT().Submit(gomock.Any(), uint64(1)).Return(errors.New("queue hung"))

	err = device.Submit(commandBuffer)
	require.True(t, errors.Is(err, memutils.DeviceLostError))
	require.Equal(t, serial.Serial(0), device.LastSubmittedSerial())
	require.False(t, commandBuffer.Submitted())

	// Sticky: the backend is not touched again
	err = device.Submit(NewCommandBuffer("after"))
	require.True(t, errors.Is(err, memutils.DeviceLostError))
	require.True(t, errors.Is(device.Tick(), memutils.DeviceLostError))
	require.True(t, errors.Is(device.WaitIdle(time.Second), memutils.DeviceLostError))
	require.True(t, errors.Is(device.Lost(), memutils.DeviceLostError))

	heap.EXPECT().Release().Times(2)
	require.NoError(t, device.Destroy())
}

func TestFenceFailureLosesDevice(t *testing.T) {
	device, backend := manualDevice(t, CreateOptions{})
	buffer := createBuffer(t, device, "vertices", 64)

	commandBuffer, _ := drawing("before loss", buffer)
	require.NoError(t, device.Submit(commandBuffer))
	buffer.Destroy()

	backend.Lose(errors.New("hardware removed"))

	err := device.Tick()
	require.True(t, errors.Is(err, memutils.DeviceLostError))
	require.Equal(t, 1, backend.LiveAllocations())

	err = device.Submit(NewCommandBuffer("after loss"))
	require.True(t, errors.Is(err, memutils.DeviceLostError))

	_, err = device.CreateBuffer(BufferCreateInfo{Size: 16})
	require.True(t, errors.Is(err, memutils.DeviceLostError))

	// Teardown of a lost device assumes everything completed
	require.NoError(t, device.Destroy())
	require.Equal(t, 0, backend.LiveAllocations())
	require.Equal(t, 0, backend.LiveHeaps())
}

func TestWaitIdle(t *testing.T) {
	backend := soft.New(slog.Default(), soft.Options{})
	defer backend.Close()

	device, err := New(slog.Default(), backend, CreateOptions{})
	require.NoError(t, err)

	buffer := createBuffer(t, device, "vertices", 64)
	for i := 0; i < 10; i++ {
		commandBuffer, _ := drawing("frame", buffer)
		require.NoError(t, device.Submit(commandBuffer))
	}
	buffer.Destroy()

	require.NoError(t, device.WaitIdle(serial.NoTimeout))
	require.Equal(t, serial.Serial(10), device.CompletedSerial())
	require.Equal(t, 0, backend.LiveAllocations())
	require.NoError(t, device.Destroy())
}

func TestWaitIdleTimeout(t *testing.T) {
	device, _ := manualDevice(t, CreateOptions{})

	require.NoError(t, device.Submit(NewCommandBuffer("stuck")))
	err := device.WaitIdle(time.Millisecond)
	require.True(t, errors.Is(err, memutils.TimeoutError))
	require.NoError(t, device.Lost())
}

func TestCompletedSerialFromAnotherGoroutine(t *testing.T) {
	backend := soft.New(slog.Default(), soft.Options{})
	defer backend.Close()

	device, err := New(slog.Default(), backend, CreateOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wentBackwards atomic.Bool
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		var last serial.Serial
		for {
			select {
			case <-done:
				return
			default:
			}

			completed := device.CompletedSerial()
			if completed < last {
				wentBackwards.Store(true)
			}
			last = completed
		}
	}()

	for i := 0; i < 100; i++ {
		require.NoError(t, device.Submit(NewCommandBuffer("frame")))
	}
	require.NoError(t, device.WaitIdle(serial.NoTimeout))
	close(done)
	wg.Wait()
	require.False(t, wentBackwards.Load())

	require.NoError(t, device.Destroy())
}

func TestDestroyIsIdempotent(t *testing.T) {
	device, backend := manualDevice(t, CreateOptions{})
	createBuffer(t, device, "leaked", 64)

	require.NoError(t, device.Submit(NewCommandBuffer("last")))
	backend.Drain()

	require.NoError(t, device.Destroy())
	require.NoError(t, device.Destroy())
	require.Equal(t, 0, backend.LiveAllocations())
	require.Equal(t, 0, backend.LiveHeaps())

	require.Error(t, device.Submit(NewCommandBuffer("too late")))
	require.Error(t, device.Tick())
	_, err := device.CreateBuffer(BufferCreateInfo{Size: 16})
	require.Error(t, err)
}

func TestExternallySynchronized(t *testing.T) {
	device, backend := manualDevice(t, CreateOptions{Flags: DeviceCreateExternallySynchronized})
	require.False(t, device.mutex.Enabled())

	buffer := createBuffer(t, device, "vertices", 64)
	commandBuffer, draw := drawing("draw", buffer)
	require.NoError(t, device.Submit(commandBuffer))
	backend.Drain()
	require.Equal(t, 1, draw.Executions())
}

func TestStatsString(t *testing.T) {
	device, backend := manualDevice(t, CreateOptions{})
	buffer := createBuffer(t, device, "vertices", 64)

	commandBuffer, _ := drawing("draw", buffer)
	require.NoError(t, device.Submit(commandBuffer))
	backend.Drain()
	require.NoError(t, device.Tick())

	var stats Statistics
	device.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.LastSubmittedSerial)
	require.Equal(t, 1, stats.CompletedSerial)
	require.Equal(t, 1, stats.LiveResources)
	require.Equal(t, 64, stats.Residency.ResidentBytes)
	require.Equal(t, 1, stats.ViewRing.HeapCount)

	summary := device.BuildStatsString(false)
	require.Contains(t, summary, `"LastSubmittedSerial":1`)
	require.Contains(t, summary, `"ResidentBytes":64`)
	require.NotContains(t, summary, `"Resources"`)

	detailed := device.BuildStatsString(true)
	require.Contains(t, detailed, `"Label":"vertices"`)
	require.Contains(t, detailed, `"ViewStagingBuckets"`)
}
