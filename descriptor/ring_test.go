package descriptor

import (
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/vex/memutils"
	"github.com/vkngwrapper/arsenal/vex/native"
	"github.com/vkngwrapper/arsenal/vex/serial"
	"golang.org/x/exp/slog"
)

func newRing(t *testing.T, slots int) *RingAllocator {
	ring, err := NewRingAllocator(slog.Default(), newSoft(t), native.HeapKindView, slots)
	require.NoError(t, err)
	return ring
}

func TestRingAllocateAndReclaim(t *testing.T) {
	ring := newRing(t, 10)
	require.Equal(t, 10, ring.Capacity())

	first, err := ring.Allocate(4, 1)
	require.NoError(t, err)
	require.Equal(t, 0, first.Offset())
	require.Equal(t, 4, first.Count())
	require.Equal(t, serial.Serial(1), first.Serial())

	second, err := ring.Allocate(4, 2)
	require.NoError(t, err)
	require.Equal(t, 4, second.Offset())
	require.Equal(t, 8, ring.UsedSize())

	_, err = ring.Allocate(4, 2)
	require.True(t, errors.Is(err, memutils.OutOfRingSpaceError))
	require.Equal(t, 8, ring.UsedSize())
	require.NoError(t, ring.Validate())

	ring.Reclaim(1)
	require.Equal(t, 4, ring.UsedSize())

	// Wraps to the front, wasting the two slots at the tail
	third, err := ring.Allocate(4, 3)
	require.NoError(t, err)
	require.Equal(t, 0, third.Offset())
	require.Equal(t, 10, ring.UsedSize())
	require.NoError(t, ring.Validate())

	_, err = ring.Allocate(1, 3)
	require.True(t, errors.Is(err, memutils.OutOfRingSpaceError))

	ring.Reclaim(3)
	require.Equal(t, 0, ring.UsedSize())
	require.NoError(t, ring.Validate())
}

func TestRingZeroCountIsNull(t *testing.T) {
	ring := newRing(t, 4)

	allocation, err := ring.Allocate(0, 1)
	require.NoError(t, err)
	require.True(t, allocation.IsNull())
	require.Equal(t, 0, ring.UsedSize())
	require.False(t, ring.IsAllocationStillValid(allocation, 0))

	_, err = ring.Allocate(-1, 1)
	require.Error(t, err)
}

func TestRingRequestLargerThanCapacity(t *testing.T) {
	ring := newRing(t, 4)

	_, err := ring.Allocate(5, 1)
	require.True(t, errors.Is(err, memutils.OutOfRingSpaceError))
}

func TestRingAllocationValidity(t *testing.T) {
	ring := newRing(t, 8)

	allocation, err := ring.Allocate(2, 5)
	require.NoError(t, err)
	require.True(t, ring.IsAllocationStillValid(allocation, 4))
	require.False(t, ring.IsAllocationStillValid(allocation, 5))

	epoch := ring.Epoch()
	ring.Reset()
	require.Equal(t, epoch+1, ring.Epoch())
	require.False(t, ring.IsAllocationStillValid(allocation, 4))
	require.Equal(t, 0, ring.UsedSize())
}

func TestRingDestroyReleasesHeap(t *testing.T) {
	backend := newSoft(t)
	ring, err := NewRingAllocator(slog.Default(), backend, native.HeapKindSampler, 8)
	require.NoError(t, err)
	require.Equal(t, 1, backend.LiveHeaps())
	require.True(t, ring.Heap().(interface{ ShaderVisible() bool }).ShaderVisible())

	var stats memutils.Statistics
	ring.AddStatistics(&stats)
	require.Equal(t, 8, stats.HeapSlots)

	writer := jwriter.NewWriter()
	ring.BuildStatsString(&writer)
	require.Contains(t, string(writer.Bytes()), `"Capacity":8`)

	ring.Destroy()
	require.Equal(t, 0, backend.LiveHeaps())
}

func TestRingDrainedRingAcceptsFullCapacity(t *testing.T) {
	ring := newRing(t, 10)

	_, err := ring.Allocate(6, 1)
	require.NoError(t, err)
	ring.Reclaim(1)
	require.Equal(t, 0, ring.UsedSize())

	whole, err := ring.Allocate(10, 2)
	require.NoError(t, err)
	require.Equal(t, 0, whole.Offset())
	require.Equal(t, 10, ring.UsedSize())
	require.NoError(t, ring.Validate())

	ring.Reclaim(2)
	tail, err := ring.Allocate(7, 3)
	require.NoError(t, err)
	require.Equal(t, 0, tail.Offset())
}

func TestRingRejectsForeignAllocation(t *testing.T) {
	backend := newSoft(t)
	left, err := NewRingAllocator(slog.Default(), backend, native.HeapKindView, 8)
	require.NoError(t, err)
	right, err := NewRingAllocator(slog.Default(), backend, native.HeapKindView, 8)
	require.NoError(t, err)

	allocation, err := left.Allocate(2, 1)
	require.NoError(t, err)
	require.True(t, left.IsAllocationStillValid(allocation, 0))
	require.False(t, right.IsAllocationStillValid(allocation, 0))
}

type liveRange struct {
	allocation RingAllocation
}

// Live reservations must never overlap, whatever the mix of reservation sizes and reclaims
func TestRingReservationsNeverOverlap(t *testing.T) {
	random := rand.New(rand.NewSource(7))
	ring := newRing(t, 64)

	var live []liveRange
	var pending, completed serial.Serial = 1, 0

	for step := 0; step < 2000; step++ {
		switch random.Intn(4) {
		case 0, 1:
			allocation, err := ring.Allocate(1+random.Intn(12), pending)
			if err != nil {
				require.True(t, errors.Is(err, memutils.OutOfRingSpaceError))
				continue
			}

			for _, other := range live {
				overlap := allocation.Offset() < other.allocation.Offset()+other.allocation.Count() &&
					other.allocation.Offset() < allocation.Offset()+allocation.Count()
				require.False(t, overlap, "%s overlaps %s", allocation, other.allocation)
			}
			live = append(live, liveRange{allocation})
		case 2:
			pending++
		case 3:
			if completed+1 < pending {
				completed++
			}
			ring.Reclaim(completed)

			remaining := live[:0]
			for _, r := range live {
				if r.allocation.Serial() > completed {
					remaining = append(remaining, r)
				}
			}
			live = remaining
		}

		require.NoError(t, ring.Validate())
	}
}
