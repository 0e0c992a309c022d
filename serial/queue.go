package serial

import (
	"sort"
)

type bucket[T any] struct {
	serial Serial
	items  []T
}

// Queue holds items tagged with serials, grouped into one bucket per serial and kept in serial
// order. Items that share a serial stay in the order they were enqueued.
type Queue[T any] struct {
	buckets []bucket[T]
	count   int
}

// Enqueue adds item under serial. Appending to the newest serial is O(1); an item tagged with an
// older serial is inserted into that serial's bucket.
func (q *Queue[T]) Enqueue(serial Serial, item T) {
	q.count++

	last := len(q.buckets) - 1
	if last < 0 || q.buckets[last].serial < serial {
		q.buckets = append(q.buckets, bucket[T]{serial: serial, items: []T{item}})
		return
	}

	if q.buckets[last].serial == serial {
		q.buckets[last].items = append(q.buckets[last].items, item)
		return
	}

	index := sort.Search(len(q.buckets), func(i int) bool {
		return q.buckets[i].serial >= serial
	})

	if q.buckets[index].serial == serial {
		q.buckets[index].items = append(q.buckets[index].items, item)
		return
	}

	q.buckets = append(q.buckets, bucket[T]{})
	copy(q.buckets[index+1:], q.buckets[index:])
	q.buckets[index] = bucket[T]{serial: serial, items: []T{item}}
}

// Len returns the number of items in the queue
func (q *Queue[T]) Len() int {
	return q.count
}

func (q *Queue[T]) Empty() bool {
	return q.count == 0
}

// FirstSerial returns the oldest serial in the queue
func (q *Queue[T]) FirstSerial() (Serial, bool) {
	if len(q.buckets) == 0 {
		return 0, false
	}
	return q.buckets[0].serial, true
}

// LastSerial returns the newest serial in the queue
func (q *Queue[T]) LastSerial() (Serial, bool) {
	if len(q.buckets) == 0 {
		return 0, false
	}
	return q.buckets[len(q.buckets)-1].serial, true
}

// IterateUpTo calls callback for every item tagged with a serial no greater than serial, in order.
// Iteration stops early if callback returns true.
func (q *Queue[T]) IterateUpTo(serial Serial, callback func(serial Serial, item T) (stop bool)) {
	for _, b := range q.buckets {
		if b.serial > serial {
			return
		}

		for _, item := range b.items {
			if callback(b.serial, item) {
				return
			}
		}
	}
}

// PopUpTo removes every item tagged with a serial no greater than serial, calling callback for each
// one in order. The items are detached before the first callback, so callbacks may enqueue. It returns
// the number of items removed.
func (q *Queue[T]) PopUpTo(serial Serial, callback func(serial Serial, item T)) int {
	bucketCount := 0
	itemCount := 0
	for bucketCount < len(q.buckets) && q.buckets[bucketCount].serial <= serial {
		itemCount += len(q.buckets[bucketCount].items)
		bucketCount++
	}

	if bucketCount == 0 {
		return 0
	}

	var drained []bucket[T]
	if callback != nil {
		drained = make([]bucket[T], bucketCount)
		copy(drained, q.buckets[:bucketCount])
	}

	q.dropBuckets(bucketCount)
	q.count -= itemCount

	for _, b := range drained {
		for _, item := range b.items {
			callback(b.serial, item)
		}
	}

	return itemCount
}

// ClearUpTo removes every item tagged with a serial no greater than serial without visiting them
func (q *Queue[T]) ClearUpTo(serial Serial) int {
	return q.PopUpTo(serial, nil)
}

func (q *Queue[T]) dropBuckets(count int) {
	var zero bucket[T]
	for i := 0; i < count; i++ {
		q.buckets[i] = zero
	}

	q.buckets = q.buckets[count:]
	if len(q.buckets) == 0 {
		q.buckets = nil
	}
}
