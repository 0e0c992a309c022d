package residency

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/vex/native"
	"github.com/vkngwrapper/arsenal/vex/serial"
)

// Allocation is a native allocation whose residency is managed by a Manager. New allocations start
// out evicted and are made resident the first time a submission references them.
type Allocation struct {
	manager  *Manager
	id       uint64
	pageable native.Pageable
	size     int
	resident bool
	locks    int
	lastUsed serial.Serial

	// evictPending is set for an allocation that has been evicted from the budget while a submission
	// could still read it. The native eviction happens once evictAt completes.
	evictPending bool
	evictAt      serial.Serial

	prev *Allocation
	next *Allocation
	// inLRU is false for evicted and locked allocations
	inLRU bool
}

func (a *Allocation) Pageable() native.Pageable {
	return a.pageable
}

func (a *Allocation) Size() int {
	return a.size
}

// Resident returns whether the allocation counts against the residency budget. An allocation evicted
// while still in use stays natively resident until that use completes.
func (a *Allocation) Resident() bool {
	a.manager.mutex.RLock()
	defer a.manager.mutex.RUnlock()

	return a.resident
}

// LastUsed returns the serial of the most recent submission that referenced the allocation
func (a *Allocation) LastUsed() serial.Serial {
	a.manager.mutex.RLock()
	defer a.manager.mutex.RUnlock()

	return a.lastUsed
}

func (a *Allocation) String() string {
	return fmt.Sprintf("allocation %d (%d bytes)", a.id, a.size)
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Id").Int(int(a.id))
	json.Name("Size").Int(a.size)
	json.Name("Resident").Bool(a.resident)
	json.Name("Locked").Bool(a.locks > 0)
	if a.evictPending {
		json.Name("EvictAt").Int(int(a.evictAt))
	}
	json.Name("LastUsed").Int(int(a.lastUsed))
}

// lruList is an intrusive list of resident, unlocked allocations, least recently used first
type lruList struct {
	count int
	head  *Allocation
	tail  *Allocation
}

func (l *lruList) remove(alloc *Allocation) {
	if !alloc.inLRU {
		return
	}

	prev := alloc.prev
	next := alloc.next

	if prev != nil {
		prev.next = next
	} else {
		l.head = next
	}

	if next != nil {
		next.prev = prev
	} else {
		l.tail = prev
	}

	alloc.next = nil
	alloc.prev = nil
	alloc.inLRU = false

	l.count--
}

func (l *lruList) push(alloc *Allocation) {
	if alloc.inLRU {
		panic(fmt.Sprintf("%s is already in the LRU list", alloc))
	}
	alloc.inLRU = true

	if l.count == 0 {
		l.head = alloc
		l.tail = alloc
		l.count = 1
		return
	}

	alloc.prev = l.tail
	l.tail.next = alloc
	l.tail = alloc
	l.count++
}

// touch moves alloc to the most recently used end of the list
func (l *lruList) touch(alloc *Allocation) {
	l.remove(alloc)
	l.push(alloc)
}
