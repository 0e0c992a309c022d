package residency

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/vex/memutils"
	"github.com/vkngwrapper/arsenal/vex/native"
	"github.com/vkngwrapper/arsenal/vex/native/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

type page struct {
	name string
}

func (p *page) Release() {}

func pages(p ...*page) []native.Pageable {
	out := make([]native.Pageable, len(p))
	for i := range p {
		out[i] = p[i]
	}
	return out
}

type fixture struct {
	residency *mocks.MockResidency
	manager   *Manager
}

func newFixture(t *testing.T, budget int) fixture {
	ctrl := gomock.NewController(t)
	residency := mocks.NewMockResidency(ctrl)
	manager, err := NewManager(slog.Default(), residency, budget, true)
	require.NoError(t, err)

	return fixture{residency: residency, manager: manager}
}

func (f fixture) track(t *testing.T, name string, size int) (*Allocation, *page) {
	p := &page{name: name}
	alloc, err := f.manager.Track(p, size)
	require.NoError(t, err)
	return alloc, p
}

func TestTrackStartsEvicted(t *testing.T) {
	f := newFixture(t, 1000)
	a, pa := f.track(t, "a", 100)

	require.False(t, a.Resident())
	require.Equal(t, 0, f.manager.ResidentBytes())
	require.Equal(t, 1, f.manager.TrackedCount())

	f.residency.EXPECT().MakeResident(pages(pa)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{a}, 1, 0))

	require.True(t, a.Resident())
	require.EqualValues(t, 1, a.LastUsed())
	require.Equal(t, 100, f.manager.ResidentBytes())
	require.NoError(t, f.manager.Validate())

	// Already resident, so no native call is made
	require.NoError(t, f.manager.EnsureResident([]*Allocation{a, a, nil}, 2, 1))
	require.EqualValues(t, 2, a.LastUsed())
}

func TestTrackRejectsBadInput(t *testing.T) {
	f := newFixture(t, 1000)

	_, err := f.manager.Track(nil, 10)
	require.Error(t, err)
	_, err = f.manager.Track(&page{}, 0)
	require.Error(t, err)

	_, err = NewManager(slog.Default(), f.residency, 0, true)
	require.Error(t, err)
}

func TestEvictsLeastRecentlyUsedFirst(t *testing.T) {
	f := newFixture(t, 300)
	a, pa := f.track(t, "a", 100)
	b, pb := f.track(t, "b", 100)
	c, pc := f.track(t, "c", 100)
	d, pd := f.track(t, "d", 100)

	f.residency.EXPECT().MakeResident(pages(pa)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{a}, 1, 0))
	f.residency.EXPECT().MakeResident(pages(pb)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{b}, 2, 0))
	f.residency.EXPECT().MakeResident(pages(pc)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{c}, 3, 0))

	// Touching a makes b the least recently used
	require.NoError(t, f.manager.EnsureResident([]*Allocation{a}, 4, 0))

	gomock.InOrder(
		f.residency.EXPECT().Evict(pages(pb)).Return(nil),
		f.residency.EXPECT().MakeResident(pages(pd)).Return(nil),
	)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{d}, 5, 4))

	require.False(t, b.Resident())
	require.True(t, a.Resident())
	require.True(t, c.Resident())
	require.True(t, d.Resident())
	require.Equal(t, 300, f.manager.ResidentBytes())
	require.NoError(t, f.manager.Validate())
}

func TestEvictionTieBreakIsInsertionOrder(t *testing.T) {
	f := newFixture(t, 200)
	a, pa := f.track(t, "a", 100)
	b, pb := f.track(t, "b", 100)
	c, pc := f.track(t, "c", 100)

	f.residency.EXPECT().MakeResident(pages(pa, pb)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{a, b}, 1, 0))
	require.Equal(t, a.LastUsed(), b.LastUsed())

	gomock.InOrder(
		f.residency.EXPECT().Evict(pages(pa)).Return(nil),
		f.residency.EXPECT().MakeResident(pages(pc)).Return(nil),
	)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{c}, 2, 1))
}

func TestNeverEvictsBatchMembers(t *testing.T) {
	f := newFixture(t, 200)
	a, pa := f.track(t, "a", 100)
	b, pb := f.track(t, "b", 100)
	c, pc := f.track(t, "c", 100)

	f.residency.EXPECT().MakeResident(pages(pa)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{a}, 1, 0))
	f.residency.EXPECT().MakeResident(pages(pb)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{b}, 2, 0))

	// a is least recently used, but the batch needs it
	gomock.InOrder(
		f.residency.EXPECT().Evict(pages(pb)).Return(nil),
		f.residency.EXPECT().MakeResident(pages(pc)).Return(nil),
	)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{a, c}, 3, 2))
	require.True(t, a.Resident())
	require.False(t, b.Resident())
}

func TestInFlightEvictionWaitsForCompletion(t *testing.T) {
	f := newFixture(t, 200)
	a, pa := f.track(t, "a", 100)
	b, pb := f.track(t, "b", 100)
	c, pc := f.track(t, "c", 100)

	f.residency.EXPECT().MakeResident(pages(pa, pb)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{a, b}, 1, 0))

	// Serial 1 has not completed, so a leaves the budget but stays natively resident
	f.residency.EXPECT().MakeResident(pages(pc)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{c}, 2, 0))
	require.False(t, a.Resident())
	require.True(t, b.Resident())
	require.True(t, c.Resident())
	require.Equal(t, 200, f.manager.ResidentBytes())
	require.Equal(t, 1, f.manager.PendingEvictions())
	require.NoError(t, f.manager.Validate())

	// Nothing has completed yet
	require.NoError(t, f.manager.Tick(0))

	f.residency.EXPECT().Evict(pages(pa)).Return(nil)
	require.NoError(t, f.manager.Tick(1))
	require.Equal(t, 0, f.manager.PendingEvictions())

	// Already evicted natively
	require.NoError(t, f.manager.Tick(2))
}

func TestPendingEvictionFlushedBeforeNextBatch(t *testing.T) {
	f := newFixture(t, 100)
	a, pa := f.track(t, "a", 100)
	b, pb := f.track(t, "b", 100)
	c, pc := f.track(t, "c", 100)

	f.residency.EXPECT().MakeResident(pages(pa)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{a}, 1, 0))
	f.residency.EXPECT().MakeResident(pages(pb)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{b}, 2, 0))

	gomock.InOrder(
		f.residency.EXPECT().Evict(pages(pa)).Return(nil),
		f.residency.EXPECT().Evict(pages(pb)).Return(nil),
		f.residency.EXPECT().MakeResident(pages(pc)).Return(nil),
	)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{c}, 3, 2))
	require.Equal(t, 0, f.manager.PendingEvictions())
	require.NoError(t, f.manager.Validate())
}

func TestReuseCancelsPendingEviction(t *testing.T) {
	f := newFixture(t, 100)
	a, pa := f.track(t, "a", 100)
	b, pb := f.track(t, "b", 100)

	f.residency.EXPECT().MakeResident(pages(pa)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{a}, 1, 0))
	f.residency.EXPECT().MakeResident(pages(pb)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{b}, 2, 0))
	require.Equal(t, 1, f.manager.PendingEvictions())

	// a never left native residency, so bringing it back only moves b out
	require.NoError(t, f.manager.EnsureResident([]*Allocation{a}, 3, 0))
	require.True(t, a.Resident())
	require.False(t, b.Resident())
	require.Equal(t, 1, f.manager.PendingEvictions())
	require.NoError(t, f.manager.Validate())

	// a's stale eviction at serial 1 is dropped
	f.residency.EXPECT().Evict(pages(pb)).Return(nil)
	require.NoError(t, f.manager.Tick(3))
	require.True(t, a.Resident())
	require.Equal(t, 0, f.manager.PendingEvictions())
}

func TestUntrackDropsPendingEviction(t *testing.T) {
	f := newFixture(t, 100)
	a, pa := f.track(t, "a", 100)
	b, pb := f.track(t, "b", 100)

	f.residency.EXPECT().MakeResident(pages(pa)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{a}, 1, 0))
	f.residency.EXPECT().MakeResident(pages(pb)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{b}, 2, 0))

	f.manager.Untrack(a)
	require.Equal(t, 0, f.manager.PendingEvictions())
	require.NoError(t, f.manager.Tick(2))
}

func TestPendingEvictionFailureIsReturned(t *testing.T) {
	f := newFixture(t, 100)
	a, pa := f.track(t, "a", 100)
	b, pb := f.track(t, "b", 100)

	f.residency.EXPECT().MakeResident(pages(pa)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{a}, 1, 0))
	f.residency.EXPECT().MakeResident(pages(pb)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{b}, 2, 0))

	f.residency.EXPECT().Evict(pages(pa)).Return(errors.New("paging failed"))
	err := f.manager.Tick(1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "paging failed")
}

func TestBatchLargerThanBudget(t *testing.T) {
	f := newFixture(t, 100)
	a, _ := f.track(t, "a", 60)
	b, _ := f.track(t, "b", 41)

	err := f.manager.EnsureResident([]*Allocation{a, b}, 1, 0)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))
	require.False(t, a.Resident())
	require.False(t, b.Resident())
	require.Equal(t, 0, f.manager.ResidentBytes())
}

func TestNativeFailureIsReturned(t *testing.T) {
	f := newFixture(t, 100)
	a, pa := f.track(t, "a", 60)

	f.residency.EXPECT().MakeResident(pages(pa)).Return(errors.New("paging failed"))
	err := f.manager.EnsureResident([]*Allocation{a}, 1, 0)
	require.Error(t, err)
	require.False(t, errors.Is(err, memutils.OutOfMemoryError))
	require.False(t, a.Resident())
	require.NoError(t, f.manager.Validate())
}

func TestUntrackReleasesBudget(t *testing.T) {
	f := newFixture(t, 100)
	a, pa := f.track(t, "a", 100)
	b, pb := f.track(t, "b", 100)

	f.residency.EXPECT().MakeResident(pages(pa)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{a}, 1, 0))

	f.manager.Untrack(a)
	require.Equal(t, 0, f.manager.ResidentBytes())
	require.Equal(t, 1, f.manager.TrackedCount())
	require.Panics(t, func() { f.manager.Untrack(a) })

	f.residency.EXPECT().MakeResident(pages(pb)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{b}, 2, 0))
	require.NoError(t, f.manager.Validate())

	require.Panics(t, func() { _ = f.manager.EnsureResident([]*Allocation{a}, 3, 0) })
}

func TestLockedAllocationsAreNotEvicted(t *testing.T) {
	f := newFixture(t, 200)
	a, pa := f.track(t, "a", 100)
	b, pb := f.track(t, "b", 100)
	c, pc := f.track(t, "c", 100)

	f.residency.EXPECT().MakeResident(pages(pa)).Return(nil)
	require.NoError(t, f.manager.Lock(a, 0))
	require.True(t, a.Resident())

	f.residency.EXPECT().MakeResident(pages(pb)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{b}, 1, 0))

	// a is older than b but locked
	gomock.InOrder(
		f.residency.EXPECT().Evict(pages(pb)).Return(nil),
		f.residency.EXPECT().MakeResident(pages(pc)).Return(nil),
	)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{c}, 2, 1))
	require.True(t, a.Resident())
	require.NoError(t, f.manager.Validate())

	var stats memutils.ResidencyStatistics
	stats.Clear()
	f.manager.AddStatistics(&stats)
	require.Equal(t, 1, stats.LockedCount)
	require.Equal(t, 2, stats.ResidentCount)
	require.Equal(t, 1, stats.EvictedCount)
	require.Equal(t, 1, stats.EvictionCount)
	require.Equal(t, 3, stats.MakeResidentCount)

	f.manager.Unlock(a)
	require.Panics(t, func() { f.manager.Unlock(a) })

	// Unlocking puts a at the most recently used end
	gomock.InOrder(
		f.residency.EXPECT().Evict(pages(pc)).Return(nil),
		f.residency.EXPECT().MakeResident(pages(pb)).Return(nil),
	)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{b}, 3, 2))
	require.True(t, a.Resident())
	require.False(t, c.Resident())
	require.NoError(t, f.manager.Validate())
}

func TestStatsString(t *testing.T) {
	f := newFixture(t, 100)
	a, pa := f.track(t, "a", 40)

	f.residency.EXPECT().MakeResident(pages(pa)).Return(nil)
	require.NoError(t, f.manager.EnsureResident([]*Allocation{a}, 1, 0))

	writer := jwriter.NewWriter()
	f.manager.BuildStatsString(&writer)
	stats := string(writer.Bytes())
	require.Contains(t, stats, `"Budget":100`)
	require.Contains(t, stats, `"ResidentBytes":40`)
	require.Contains(t, stats, `"Size":40`)
}
