// Package residency decides, per submission, which native allocations must be resident and which can
// be evicted to stay under a memory budget.
package residency

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/vex/internal/utils"
	"github.com/vkngwrapper/arsenal/vex/memutils"
	"github.com/vkngwrapper/arsenal/vex/native"
	"github.com/vkngwrapper/arsenal/vex/serial"
	"golang.org/x/exp/slog"
)

// Manager tracks the residency of native allocations. Resident, unlocked allocations are kept in an
// LRU list so the least recently used ones are evicted first when room is needed.
type Manager struct {
	logger    *slog.Logger
	mutex     utils.Locker
	residency native.Residency
	budget    int

	nextID        uint64
	tracked       *swiss.Map[uint64, *Allocation]
	lru           lruList
	residentBytes int

	// pendingEvictions holds allocations waiting on the GPU before they can be natively evicted
	pendingEvictions serial.Queue[*Allocation]

	evictionCount     int
	makeResidentCount int
}

// NewManager creates a manager that keeps at most budget bytes resident
func NewManager(logger *slog.Logger, residency native.Residency, budget int, useMutex bool) (*Manager, error) {
	if budget <= 0 {
		return nil, errors.Newf("residency budget must be positive, but was %d", budget)
	}

	return &Manager{
		logger:    logger,
		mutex:     utils.NewLocker(useMutex),
		residency: residency,
		budget:    budget,
		tracked:   swiss.NewMap[uint64, *Allocation](42),
	}, nil
}

func (m *Manager) Budget() int {
	return m.budget
}

// ResidentBytes returns the total size of every resident allocation
func (m *Manager) ResidentBytes() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.residentBytes
}

// TrackedCount returns the number of allocations the manager knows about
func (m *Manager) TrackedCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.tracked.Count()
}

// Track starts managing the residency of pageable, which occupies size bytes. The allocation is
// treated as evicted until a submission references it.
func (m *Manager) Track(pageable native.Pageable, size int) (*Allocation, error) {
	if pageable == nil {
		return nil, errors.New("attempted to track a nil allocation")
	}
	if size <= 0 {
		return nil, errors.Newf("allocation size must be positive, but was %d", size)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.nextID++
	alloc := &Allocation{
		manager:  m,
		id:       m.nextID,
		pageable: pageable,
		size:     size,
	}
	m.tracked.Put(alloc.id, alloc)

	return alloc, nil
}

// Untrack stops managing alloc. The caller remains responsible for releasing the native allocation.
func (m *Manager) Untrack(alloc *Allocation) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.checkOwned(alloc)

	m.lru.remove(alloc)
	if alloc.resident {
		m.residentBytes -= alloc.size
		alloc.resident = false
	}
	alloc.locks = 0
	alloc.evictPending = false
	m.tracked.Delete(alloc.id)
}

func (m *Manager) checkOwned(alloc *Allocation) {
	if alloc.manager != m {
		panic(fmt.Sprintf("%s is not managed by this residency manager", alloc))
	}
	if _, ok := m.tracked.Get(alloc.id); !ok {
		panic(fmt.Sprintf("%s has already been untracked", alloc))
	}
}

// evictionPlan lists the allocations that must be evicted and made resident to satisfy a request
type evictionPlan struct {
	evict        []*Allocation
	makeResident []*Allocation
	touched      []*Allocation
}

// plan decides which allocations to evict so that every allocation in batch fits in the budget. It
// returns memutils.OutOfMemoryError without changing any state if that isn't possible. Any resident,
// unlocked allocation outside the batch may be evicted, least recently used first.
func (m *Manager) plan(batch []*Allocation) (evictionPlan, error) {
	var result evictionPlan
	inBatch := swiss.NewMap[uint64, struct{}](42)

	needed := 0
	for _, alloc := range batch {
		if alloc == nil {
			continue
		}
		m.checkOwned(alloc)

		if inBatch.Has(alloc.id) {
			continue
		}
		inBatch.Put(alloc.id, struct{}{})
		result.touched = append(result.touched, alloc)

		if !alloc.resident {
			needed += alloc.size
			result.makeResident = append(result.makeResident, alloc)
		}
	}

	if needed > m.budget {
		return evictionPlan{}, errors.Wrapf(memutils.OutOfMemoryError, "submission needs %d bytes of newly resident memory but the budget is %d bytes", needed, m.budget)
	}

	overBudget := m.residentBytes + needed - m.budget
	evictable := 0
	for candidate := m.lru.head; candidate != nil && evictable < overBudget; candidate = candidate.next {
		if inBatch.Has(candidate.id) {
			continue
		}

		result.evict = append(result.evict, candidate)
		evictable += candidate.size
	}

	if evictable < overBudget {
		return evictionPlan{}, errors.Wrapf(memutils.OutOfMemoryError, "submission needs %d bytes of newly resident memory, %d bytes are resident, only %d bytes can be evicted, and the budget is %d bytes", needed, m.residentBytes, evictable, m.budget)
	}

	return result, nil
}

// apply carries out a plan. Allocations whose last use has completed are evicted natively right
// away; the rest leave the budget now and are evicted natively once their last use completes.
// Allocations that are made resident again before that simply cancel the pending eviction.
func (m *Manager) apply(plan evictionPlan, completed serial.Serial) error {
	var evictNow []*Allocation
	for _, alloc := range plan.evict {
		if alloc.lastUsed <= completed {
			evictNow = append(evictNow, alloc)
		}
	}

	var makeResident []*Allocation
	for _, alloc := range plan.makeResident {
		if !alloc.evictPending {
			makeResident = append(makeResident, alloc)
		}
	}

	if len(evictNow) > 0 {
		err := m.residency.Evict(pageables(evictNow))
		if err != nil {
			return errors.Wrapf(err, "evicting %d allocations", len(evictNow))
		}
	}

	for _, alloc := range plan.evict {
		m.lru.remove(alloc)
		alloc.resident = false
		m.residentBytes -= alloc.size

		if alloc.lastUsed > completed {
			alloc.evictPending = true
			alloc.evictAt = alloc.lastUsed
			m.pendingEvictions.Enqueue(alloc.lastUsed, alloc)
		}
	}
	m.evictionCount += len(plan.evict)

	if len(makeResident) > 0 {
		err := m.residency.MakeResident(pageables(makeResident))
		if err != nil {
			return errors.Wrapf(err, "making %d allocations resident", len(makeResident))
		}
	}

	for _, alloc := range plan.makeResident {
		alloc.evictPending = false
		alloc.resident = true
		m.residentBytes += alloc.size
	}
	m.makeResidentCount += len(plan.makeResident)

	return nil
}

// evictCompleted natively evicts allocations whose pending eviction waited on a serial no later than
// completed
func (m *Manager) evictCompleted(completed serial.Serial) error {
	var ready []*Allocation
	m.pendingEvictions.PopUpTo(completed, func(at serial.Serial, alloc *Allocation) {
		if !alloc.evictPending || alloc.evictAt != at {
			return
		}
		if _, tracked := m.tracked.Get(alloc.id); !tracked {
			return
		}
		ready = append(ready, alloc)
	})

	if len(ready) == 0 {
		return nil
	}

	for _, alloc := range ready {
		alloc.evictPending = false
	}

	err := m.residency.Evict(pageables(ready))
	if err != nil {
		return errors.Wrapf(err, "evicting %d allocations after their last use completed", len(ready))
	}

	m.logger.Debug("Manager::evictCompleted", slog.Uint64("Completed", uint64(completed)), slog.Int("Evicted", len(ready)))
	return nil
}

// Tick natively evicts allocations that left the budget while in use, once the GPU has completed
// completed
func (m *Manager) Tick(completed serial.Serial) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.evictCompleted(completed)
}

// PendingEvictions returns the number of allocations that have left the budget but are still
// natively resident
func (m *Manager) PendingEvictions() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	count := 0
	m.tracked.Iter(func(id uint64, alloc *Allocation) bool {
		if alloc.evictPending {
			count++
		}
		return false
	})
	return count
}

// EnsureResident makes every allocation in batch resident before the submission tagged with pending
// executes, evicting least recently used allocations outside the batch if the budget requires it.
// Evicted allocations that submissions after completed may still read stay natively resident until
// those submissions finish. On memutils.OutOfMemoryError nothing is evicted or made resident. On
// success every allocation in batch is resident and marked as last used by pending.
func (m *Manager) EnsureResident(batch []*Allocation, pending, completed serial.Serial) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.evictCompleted(completed)
	if err != nil {
		return err
	}

	plan, err := m.plan(batch)
	if err != nil {
		return err
	}

	err = m.apply(plan, completed)
	if err != nil {
		return err
	}

	for _, alloc := range plan.touched {
		if pending > alloc.lastUsed {
			alloc.lastUsed = pending
		}
		if alloc.locks == 0 {
			m.lru.touch(alloc)
		}
	}

	if len(plan.evict) > 0 || len(plan.makeResident) > 0 {
		m.logger.Debug("Manager::EnsureResident", slog.Uint64("Serial", uint64(pending)), slog.Int("Evicted", len(plan.evict)), slog.Int("MadeResident", len(plan.makeResident)), slog.Int("ResidentBytes", m.residentBytes))
	}

	memutils.DebugValidate(validateFunc(m.validate))
	return nil
}

// Lock makes alloc resident immediately and keeps it resident until an equal number of Unlock calls
func (m *Manager) Lock(alloc *Allocation, completed serial.Serial) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.checkOwned(alloc)

	if !alloc.resident {
		plan, err := m.plan([]*Allocation{alloc})
		if err != nil {
			return err
		}

		err = m.apply(plan, completed)
		if err != nil {
			return err
		}
	}

	alloc.locks++
	m.lru.remove(alloc)
	return nil
}

// Unlock releases one lock taken by Lock. Once the last lock is released the allocation becomes
// evictable again.
func (m *Manager) Unlock(alloc *Allocation) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.checkOwned(alloc)

	if alloc.locks == 0 {
		panic(fmt.Sprintf("attempted to unlock %s, which is not locked", alloc))
	}

	alloc.locks--
	if alloc.locks == 0 {
		m.lru.push(alloc)
	}
}

// Locked returns whether alloc has outstanding locks
func (m *Manager) Locked(alloc *Allocation) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return alloc.locks > 0
}

func pageables(allocs []*Allocation) []native.Pageable {
	out := make([]native.Pageable, len(allocs))
	for i, alloc := range allocs {
		out[i] = alloc.pageable
	}
	return out
}

type validateFunc func() error

func (f validateFunc) Validate() error {
	return f()
}

func (m *Manager) Validate() error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.validate()
}

func (m *Manager) validate() error {
	residentBytes := 0
	residentUnlocked := 0
	var err error

	m.tracked.Iter(func(id uint64, alloc *Allocation) bool {
		if alloc.resident {
			residentBytes += alloc.size
			if alloc.locks == 0 {
				residentUnlocked++
			}
		}

		if alloc.inLRU != (alloc.resident && alloc.locks == 0) {
			err = errors.Newf("%s has resident=%t, locks=%d but inLRU=%t", alloc, alloc.resident, alloc.locks, alloc.inLRU)
			return true
		}
		if alloc.evictPending && alloc.resident {
			err = errors.Newf("%s is resident but still waiting to be evicted", alloc)
			return true
		}
		return false
	})
	if err != nil {
		return err
	}

	if residentBytes != m.residentBytes {
		return errors.Newf("resident allocations add up to %d bytes but the manager reports %d", residentBytes, m.residentBytes)
	}

	listed := 0
	for alloc := m.lru.head; alloc != nil; alloc = alloc.next {
		listed++
	}
	if listed != m.lru.count || listed != residentUnlocked {
		return errors.Newf("the LRU list holds %d allocations, declares %d, and %d allocations are resident and unlocked", listed, m.lru.count, residentUnlocked)
	}

	return nil
}

func (m *Manager) AddStatistics(stats *memutils.ResidencyStatistics) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats.Budget += m.budget
	stats.EvictionCount += m.evictionCount
	stats.MakeResidentCount += m.makeResidentCount

	m.tracked.Iter(func(id uint64, alloc *Allocation) bool {
		stats.AddAllocation(alloc.size, alloc.resident)
		if alloc.locks > 0 {
			stats.LockedCount++
		}
		return false
	})
}

func (m *Manager) BuildStatsString(writer *jwriter.Writer) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	obj := writer.Object()
	defer obj.End()

	obj.Name("Budget").Int(m.budget)
	obj.Name("ResidentBytes").Int(m.residentBytes)
	obj.Name("TrackedCount").Int(m.tracked.Count())

	lru := obj.Name("LRU").Array()
	for alloc := m.lru.head; alloc != nil; alloc = alloc.next {
		item := lru.Object()
		alloc.printParameters(&item)
		item.End()
	}
	lru.End()
}
