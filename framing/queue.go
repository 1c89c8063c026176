package framing

import (
	"runtime"
	"sync/atomic"
	"time"
)

// DefaultQueueCapacity is the default frame queue depth.
const DefaultQueueCapacity = 4096

// Queue is a bounded single-producer/single-consumer lock-free FIFO of raw
// frames. The frame reader is the only producer and the ingest loop the only
// consumer; with that contract the two atomic cursors need no further
// synchronization.
type Queue struct {
	slots  [][]byte
	mask   uint64
	tail   atomic.Uint64 // next write position, producer-owned
	head   atomic.Uint64 // next read position, consumer-owned
	closed atomic.Bool
}

// NewQueue creates a queue with at least the requested capacity, rounded up
// to a power of two. capacity <= 0 selects DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &Queue{
		slots: make([][]byte, size),
		mask:  uint64(size - 1),
	}
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return len(q.slots) }

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// TryEnqueue appends frame if the queue has space. Producer side only.
func (q *Queue) TryEnqueue(frame []byte) bool {
	t := q.tail.Load()
	if t-q.head.Load() == uint64(len(q.slots)) {
		return false
	}
	q.slots[t&q.mask] = frame
	q.tail.Store(t + 1)
	return true
}

// TryDequeue removes the oldest frame if one is available. Consumer side
// only.
func (q *Queue) TryDequeue() ([]byte, bool) {
	h := q.head.Load()
	if h == q.tail.Load() {
		return nil, false
	}
	frame := q.slots[h&q.mask]
	q.slots[h&q.mask] = nil
	q.head.Store(h + 1)
	return frame, true
}

// Dequeue blocks until a frame is available or the queue is closed and
// drained. The second return is false only in the closed-and-drained case.
func (q *Queue) Dequeue() ([]byte, bool) {
	spins := 0
	for {
		if frame, ok := q.TryDequeue(); ok {
			return frame, true
		}
		if q.closed.Load() {
			// Re-check: the producer may have enqueued between the
			// failed TryDequeue and the close.
			if frame, ok := q.TryDequeue(); ok {
				return frame, true
			}
			return nil, false
		}
		spins++
		if spins < 64 {
			runtime.Gosched()
		} else {
			time.Sleep(100 * time.Microsecond)
		}
	}
}

// Close marks the queue closed. The consumer drains remaining frames and
// then observes the closed state.
func (q *Queue) Close() {
	q.closed.Store(true)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	return q.closed.Load()
}
