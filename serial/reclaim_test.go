package serial

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/vex/native/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func TestReclaimQueueReleasesInSerialOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	queue := NewReclaimQueue(slog.Default())

	first := mocks.NewMockHandle(ctrl)
	second := mocks.NewMockHandle(ctrl)
	third := mocks.NewMockHandle(ctrl)

	queue.Enqueue(5, first)
	queue.Enqueue(5, second)
	queue.Enqueue(7, third)
	require.Equal(t, 3, queue.Len())

	require.Equal(t, 0, queue.Tick(4))

	gomock.InOrder(
		first.EXPECT().Release(),
		second.EXPECT().Release(),
	)
	require.Equal(t, 2, queue.Tick(5))
	require.Equal(t, 0, queue.Tick(6))

	third.EXPECT().Release()
	require.Equal(t, 1, queue.ReleaseAll())
	require.Equal(t, 0, queue.ReleaseAll())
	require.Equal(t, 0, queue.Len())
}

func TestReclaimQueueReleaseFunc(t *testing.T) {
	queue := NewReclaimQueue(slog.Default())

	var released []int
	queue.Enqueue(2, ReleaseFunc(func() { released = append(released, 2) }))
	queue.Enqueue(1, ReleaseFunc(func() { released = append(released, 1) }))

	last, ok := queue.LastSerial()
	require.True(t, ok)
	require.Equal(t, Serial(2), last)

	queue.Tick(2)
	require.Equal(t, []int{1, 2}, released)
}

func TestReclaimQueueRejectsNil(t *testing.T) {
	queue := NewReclaimQueue(slog.Default())
	require.Panics(t, func() { queue.Enqueue(1, nil) })
}

// Random interleavings of submits, enqueues and ticks must never release a handle before its serial
// has completed, and must release every handle once everything has completed
func TestReclaimQueueNeverReleasesEarly(t *testing.T) {
	random := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		queue := NewReclaimQueue(slog.Default())
		var submitted, completed Serial
		var lastReleased Serial
		enqueued := 0
		releases := 0

		for step := 0; step < 200; step++ {
			switch random.Intn(3) {
			case 0:
				submitted++
			case 1:
				if submitted == 0 {
					continue
				}
				serial := completed + 1 + Serial(random.Int63n(int64(submitted-completed)+1))
				if serial > submitted {
					serial = submitted
				}
				if serial <= completed {
					continue
				}
				enqueued++
				queue.Enqueue(serial, ReleaseFunc(func() {
					require.LessOrEqual(t, serial, completed)
					require.GreaterOrEqual(t, serial, lastReleased)
					lastReleased = serial
					releases++
				}))
			case 2:
				if completed < submitted {
					completed += 1 + Serial(random.Int63n(int64(submitted-completed)))
				}
				queue.Tick(completed)
			}
		}

		completed = submitted
		queue.Tick(completed)
		require.Equal(t, enqueued, releases)
		require.Equal(t, 0, queue.Len())
	}
}
