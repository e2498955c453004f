package util

import "sync"

// RingBuffer is a fixed-capacity circular buffer. When full, Push overwrites
// the oldest element. All methods are safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends an item, overwriting the oldest if full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	r.pushLocked(item)
	r.mu.Unlock()
}

func (r *RingBuffer[T]) pushLocked(item T) {
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = item
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
}

// RemoveFunc drops every element for which match returns true, keeping the
// order of the rest, and returns the removed elements.
func (r *RingBuffer[T]) RemoveFunc(match func(T) bool) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept, removed []T
	for i := 0; i < r.count; i++ {
		v := r.buf[(r.head+i)%len(r.buf)]
		if match(v) {
			removed = append(removed, v)
		} else {
			kept = append(kept, v)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.count = 0, 0
	for _, v := range kept {
		r.pushLocked(v)
	}
	return removed
}

// Snapshot returns a copy of all elements in order (oldest first).
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.mu.RUnlock()
	return out
}

// Len returns the number of elements stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	n := r.count
	r.mu.RUnlock()
	return n
}
