// Package buffer provides a fixed-capacity byte ring used for job output
// tails and session replay.
package buffer

import (
	"sync"
)

// RingBuffer is a thread-safe circular buffer that keeps the most recent
// bytes written to it up to a fixed capacity. Older bytes are overwritten.
type RingBuffer struct {
	mu      sync.RWMutex
	data    []byte
	start   int
	size    int
	written int64
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
// Capacities below 1 are raised to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{data: make([]byte, capacity)}
}

// Write implements io.Writer. It never fails and always reports len(p).
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.written += int64(n)
	capacity := len(rb.data)

	if n >= capacity {
		copy(rb.data, p[n-capacity:])
		rb.start = 0
		rb.size = capacity
		return n, nil
	}

	end := (rb.start + rb.size) % capacity
	first := copy(rb.data[end:], p)
	copy(rb.data, p[first:])

	rb.size += n
	if rb.size > capacity {
		rb.start = (rb.start + rb.size - capacity) % capacity
		rb.size = capacity
	}
	return n, nil
}

// ReadAll returns a copy of the buffered bytes, oldest first.
func (rb *RingBuffer) ReadAll() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return nil
	}

	out := make([]byte, rb.size)
	n := copy(out, rb.data[rb.start:min(rb.start+rb.size, len(rb.data))])
	copy(out[n:], rb.data)
	return out
}

// Clear discards all buffered bytes. The written total is kept.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.start = 0
	rb.size = 0
}

// Len returns the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return len(rb.data)
}

// Written returns the total number of bytes ever written.
func (rb *RingBuffer) Written() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.written
}

// Truncated reports whether any written byte has been overwritten or cleared.
func (rb *RingBuffer) Truncated() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.written > int64(rb.size)
}
