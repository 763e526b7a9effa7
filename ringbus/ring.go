package ringbus

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// PushResult reports the outcome of a Push.
type PushResult int

const (
	// Accepted means the item was stored.
	Accepted PushResult = iota
	// Full means the ring refused the item (DropNone policy only).
	Full
)

// Policy selects what a producer does when the ring is full.
type Policy int

const (
	// DropNone refuses the push and counts the overflow. Recording rings use
	// this: they are sized so a refusal is an incident worth a critical log.
	DropNone Policy = iota
	// DropOldest overwrites the oldest unread entry. Live rings use this:
	// live is allowed to skip.
	DropOldest
)

// Ring is a fixed-capacity single-producer/single-consumer lock-free queue.
// Exactly one goroutine may call Push and exactly one may call Pop.
type Ring[T any] struct {
	name     string
	buf      []T
	mask     uint64
	policy   Policy
	head     atomic.Uint64 // next write position, producer-owned
	tail     atomic.Uint64 // next read position, advanced by consumer (and producer on overwrite)
	overflow atomic.Uint64 // refused or overwritten pushes
}

// New creates a ring with at least the requested capacity, rounded up to a
// power of two. The name appears in overflow logs and counters.
func New[T any](name string, capacity int, policy Policy) *Ring[T] {
	if capacity < 2 {
		capacity = 2
	}
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}

	logrus.WithFields(logrus.Fields{
		"function": "ringbus.New",
		"ring":     name,
		"capacity": size,
		"policy":   policy,
	}).Debug("Ring created")

	return &Ring[T]{
		name:   name,
		buf:    make([]T, size),
		mask:   size - 1,
		policy: policy,
	}
}

// Push offers an item to the ring. It never blocks.
//
// Under DropOldest a full ring discards its oldest unread entry and the push
// always returns Accepted. Under DropNone a full ring returns Full, counts
// the overflow, and emits a critical record — recording rings must never
// observe this under normal CPU load.
func (r *Ring[T]) Push(item T) PushResult {
	head := r.head.Load()
	for {
		tail := r.tail.Load()
		if head-tail < uint64(len(r.buf)) {
			break
		}
		if r.policy == DropNone {
			n := r.overflow.Add(1)
			if n == 1 || n%1000 == 0 {
				logrus.WithFields(logrus.Fields{
					"function":  "Ring.Push",
					"ring":      r.name,
					"overflows": n,
				}).Error("Recording ring overflow, sample lost")
			}
			return Full
		}
		// DropOldest: free the oldest slot. The CAS can lose to the
		// consumer popping the same entry, in which case space exists now.
		if r.tail.CompareAndSwap(tail, tail+1) {
			r.overflow.Add(1)
		}
	}

	r.buf[head&r.mask] = item
	r.head.Store(head + 1)
	return Accepted
}

// Pop removes and returns the oldest entry, or false if the ring is empty.
// It never blocks.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	for {
		tail := r.tail.Load()
		if tail == r.head.Load() {
			return zero, false
		}
		item := r.buf[tail&r.mask]
		if r.tail.CompareAndSwap(tail, tail+1) {
			return item, true
		}
		// Lost the slot to a producer overwrite; retry on the new tail.
	}
}

// Len returns the number of unread entries.
func (r *Ring[T]) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Capacity returns the ring's fixed capacity.
func (r *Ring[T]) Capacity() int {
	return len(r.buf)
}

// Overflows returns how many pushes were refused (DropNone) or overwrote an
// unread entry (DropOldest).
func (r *Ring[T]) Overflows() uint64 {
	return r.overflow.Load()
}

// Name returns the ring's name.
func (r *Ring[T]) Name() string {
	return r.name
}
