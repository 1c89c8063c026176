// Package framing recovers application frames from transport byte streams.
//
// It owns the three hot-path pieces between a driver and the frame builder:
// the RingBuffer byte accumulator, the Reader extraction worker, and the
// single-producer/single-consumer Queue the Reader feeds. The Reader is the
// only goroutine that touches the RingBuffer.
package framing

import "bytes"

// compactThreshold is the dead-prefix size that triggers compaction.
const compactThreshold = 64 * 1024

// RingBuffer is an append-only byte accumulator with a logical read cursor.
// Bytes before the cursor are unreachable. Offsets passed to Find and the
// slices returned by View are relative to the cursor and re-based by every
// Consume.
//
// Not safe for concurrent use: the frame reader worker owns it exclusively.
type RingBuffer struct {
	buf  []byte
	head int
}

// NewRingBuffer returns an empty buffer.
func NewRingBuffer() *RingBuffer {
	return &RingBuffer{}
}

// Append adds p to the logical end of the buffer.
func (b *RingBuffer) Append(p []byte) {
	b.buf = append(b.buf, p...)
}

// Len returns the number of readable bytes.
func (b *RingBuffer) Len() int {
	return len(b.buf) - b.head
}

// Find returns the offset of the first occurrence of needle at or after
// from, or -1. Appends that split needle across chunk boundaries are found
// because the search always runs over the full readable window.
func (b *RingBuffer) Find(needle []byte, from int) int {
	if from < 0 {
		from = 0
	}
	if from > b.Len() {
		return -1
	}
	i := bytes.Index(b.buf[b.head+from:], needle)
	if i < 0 {
		return -1
	}
	return from + i
}

// View returns the bytes in [from, to) without copying. The slice is only
// valid until the next Append or Consume.
func (b *RingBuffer) View(from, to int) []byte {
	return b.buf[b.head+from : b.head+to]
}

// Consume drops the first n readable bytes. The backing array is compacted
// once the dead prefix grows past a threshold, keeping the amortized cost of
// Find+Consume linear in the total bytes processed.
func (b *RingBuffer) Consume(n int) {
	if n <= 0 {
		return
	}
	if n > b.Len() {
		n = b.Len()
	}
	b.head += n
	if b.head >= compactThreshold || b.head >= len(b.buf) {
		remaining := copy(b.buf, b.buf[b.head:])
		b.buf = b.buf[:remaining]
		b.head = 0
	}
}

// Reset discards all readable bytes.
func (b *RingBuffer) Reset() {
	b.buf = b.buf[:0]
	b.head = 0
}
