package memopt

import (
	"sync"

	"github.com/cellarworks/vintrack/internal/engine"
)

// RingBuffer is a fixed-capacity circular buffer. Once full, Push
// silently overwrites the oldest entry.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []interface{}
	write int
	size  int
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, engine.ErrValidation("capacity", "must be positive")
	}
	return &RingBuffer{buf: make([]interface{}, capacity)}, nil
}

// Push appends a value, overwriting the oldest entry at capacity.
func (r *RingBuffer) Push(value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.write] = value
	r.write = (r.write + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// Peek reads the oldest entry without removing it.
func (r *RingBuffer) Peek() (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil, false
	}
	return r.buf[r.oldest()], true
}

// Pop removes and returns the oldest entry.
func (r *RingBuffer) Pop() (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil, false
	}
	idx := r.oldest()
	value := r.buf[idx]
	r.buf[idx] = nil
	r.size--
	return value, true
}

// Size returns the number of stored entries.
func (r *RingBuffer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the fixed capacity.
func (r *RingBuffer) Capacity() int {
	return len(r.buf)
}

// Values returns the stored entries oldest first.
func (r *RingBuffer) Values() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]interface{}, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.oldest()+i)%len(r.buf)])
	}
	return out
}

// oldest is the index of the logical head. Callers hold the lock.
func (r *RingBuffer) oldest() int {
	return (r.write - r.size + len(r.buf)) % len(r.buf)
}
