package descriptor

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/vex/memutils"
	"github.com/vkngwrapper/arsenal/vex/native"
	"github.com/vkngwrapper/arsenal/vex/serial"
	"golang.org/x/exp/slog"
)

// RingAllocation is a contiguous range of shader-visible descriptor slots reserved for one submission.
// The zero value is the null reservation handed out for a request of zero descriptors.
type RingAllocation struct {
	kind   native.HeapKind
	heap   native.DescriptorHeap
	offset int
	count  int
	serial serial.Serial
	epoch  uint64
}

// IsNull returns true for the reservation handed out for a request of zero descriptors
func (a RingAllocation) IsNull() bool {
	return a.heap == nil
}

func (a RingAllocation) Kind() native.HeapKind {
	return a.kind
}

func (a RingAllocation) Heap() native.DescriptorHeap {
	return a.heap
}

func (a RingAllocation) Offset() int {
	return a.offset
}

func (a RingAllocation) Count() int {
	return a.count
}

// Serial returns the serial of the submission the reservation was made for
func (a RingAllocation) Serial() serial.Serial {
	return a.serial
}

func (a RingAllocation) String() string {
	return fmt.Sprintf("shader visible descriptors [%d, %d) for serial %d", a.offset, a.offset+a.count, a.serial)
}

type ringRequest struct {
	endOffset int
	size      int
}

// RingAllocator reserves shader-visible descriptor slots from a fixed-size native heap like a ring
// buffer: reservations are carved off the write cursor and reclaimed from the read cursor once the
// serial they were tagged with has completed, so a slot is never reused while the GPU can still read it.
type RingAllocator struct {
	logger *slog.Logger
	kind   native.HeapKind
	heap   native.DescriptorHeap
	size   int
	epoch  uint64

	usedStart   int
	usedEnd     int
	usedSize    int
	requestSize int
	inflight    serial.Queue[ringRequest]
}

// NewRingAllocator creates the native shader-visible heap of slots descriptors that the ring carves up
func NewRingAllocator(logger *slog.Logger, creator HeapCreator, kind native.HeapKind, slots int) (*RingAllocator, error) {
	if slots <= 0 {
		return nil, errors.Newf("descriptor ring must hold at least one slot, but requested %d", slots)
	}

	heap, err := creator.CreateDescriptorHeap(kind, slots, true)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s shader visible heap of %d descriptors", kind, slots)
	}

	return &RingAllocator{
		logger: logger,
		kind:   kind,
		heap:   heap,
		size:   slots,
		epoch:  1,
	}, nil
}

func (r *RingAllocator) Kind() native.HeapKind {
	return r.kind
}

func (r *RingAllocator) Heap() native.DescriptorHeap {
	return r.heap
}

// Capacity returns the number of slots in the ring
func (r *RingAllocator) Capacity() int {
	return r.size
}

// UsedSize returns the number of slots that cannot currently be reserved, including any tail gap
// skipped over when the write cursor wrapped
func (r *RingAllocator) UsedSize() int {
	return r.usedSize
}

// Epoch increments every time the ring is reset. Reservations from an earlier epoch are never valid.
func (r *RingAllocator) Epoch() uint64 {
	return r.epoch
}

// Allocate reserves count contiguous slots for the submission with the provided serial. Serials passed to
// Allocate must never decrease. If the reservation would overtake the oldest unreclaimed reservation,
// Allocate returns memutils.OutOfRingSpaceError and the ring is unchanged.
func (r *RingAllocator) Allocate(count int, usage serial.Serial) (RingAllocation, error) {
	if count == 0 {
		return RingAllocation{}, nil
	}
	if count < 0 {
		return RingAllocation{}, errors.Newf("requested a negative number of descriptors: %d", count)
	}

	if r.usedSize >= r.size || count > r.size-r.usedSize {
		return RingAllocation{}, r.outOfSpace(count)
	}

	offset := -1
	if r.usedStart <= r.usedEnd {
		if r.usedEnd+count <= r.size {
			offset = r.usedEnd
			r.usedEnd += count
			r.usedSize += count
			r.requestSize += count
		} else if count <= r.usedStart {
			// The skipped tail gap is counted as used so the ring reads as full when it is
			requested := (r.size - r.usedEnd) + count
			offset = 0
			r.usedEnd = count
			r.usedSize += requested
			r.requestSize += requested
		}
	} else if r.usedEnd+count <= r.usedStart {
		offset = r.usedEnd
		r.usedEnd += count
		r.usedSize += count
		r.requestSize += count
	}

	if offset < 0 {
		return RingAllocation{}, r.outOfSpace(count)
	}

	r.inflight.Enqueue(usage, ringRequest{endOffset: r.usedEnd, size: r.requestSize})
	r.requestSize = 0

	return RingAllocation{
		kind:   r.kind,
		heap:   r.heap,
		offset: offset,
		count:  count,
		serial: usage,
		epoch:  r.epoch,
	}, nil
}

func (r *RingAllocator) outOfSpace(count int) error {
	return errors.Wrapf(memutils.OutOfRingSpaceError, "requested %d %s descriptors, but %d of %d slots are in use", count, r.kind, r.usedSize, r.size)
}

// Reclaim frees every reservation tagged with a serial no greater than completed
func (r *RingAllocator) Reclaim(completed serial.Serial) {
	r.inflight.PopUpTo(completed, func(_ serial.Serial, request ringRequest) {
		r.usedStart = request.endOffset
		r.usedSize -= request.size
	})

	if r.usedSize < 0 {
		panic(fmt.Sprintf("%s descriptor ring used size went negative", r.kind))
	}

	if r.inflight.Empty() {
		r.usedStart = 0
		r.usedEnd = 0
	}
}

// IsAllocationStillValid returns true if the reservation was made from this ring and its slots cannot
// have been reused: its serial has not completed and the ring has not been reset since it was made
func (r *RingAllocator) IsAllocationStillValid(allocation RingAllocation, completed serial.Serial) bool {
	return !allocation.IsNull() && allocation.heap == r.heap && allocation.serial > completed && allocation.epoch == r.epoch
}

// Reset drops every reservation without waiting for the GPU. It may only be used once the GPU is idle or lost.
func (r *RingAllocator) Reset() {
	r.inflight.ClearUpTo(^serial.Serial(0))
	r.usedStart = 0
	r.usedEnd = 0
	r.usedSize = 0
	r.requestSize = 0
	r.epoch++
}

func (r *RingAllocator) Destroy() {
	r.Reset()
	r.heap.Release()
	r.heap = nil
}

func (r *RingAllocator) Validate() error {
	if r.usedSize < 0 || r.usedSize > r.size {
		return errors.Newf("ring used size %d is outside of [0, %d]", r.usedSize, r.size)
	}
	if r.usedStart < 0 || r.usedStart > r.size || r.usedEnd < 0 || r.usedEnd > r.size {
		return errors.Newf("ring cursors [%d, %d) fall outside of a ring of %d slots", r.usedStart, r.usedEnd, r.size)
	}

	pending := 0
	r.inflight.IterateUpTo(^serial.Serial(0), func(_ serial.Serial, request ringRequest) bool {
		pending += request.size
		return false
	})
	if pending != r.usedSize {
		return errors.Newf("in-flight reservations hold %d slots but the ring reports %d in use", pending, r.usedSize)
	}

	return nil
}

func (r *RingAllocator) AddStatistics(stats *memutils.Statistics) {
	stats.HeapCount++
	stats.HeapSlots += r.size
	stats.AllocationCount += r.inflight.Len()
	stats.AllocatedSlots += r.usedSize
}

func (r *RingAllocator) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("Capacity").Int(r.size)
	obj.Name("UsedSize").Int(r.usedSize)
	obj.Name("InflightReservations").Int(r.inflight.Len())
	obj.Name("Epoch").Int(int(r.epoch))
}
