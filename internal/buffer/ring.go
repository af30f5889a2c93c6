// Package buffer provides a bounded queue for work that must never block
// its producer.
package buffer

import (
	"context"
	"sync"
)

// Ring is a thread-safe FIFO with fixed capacity. When the ring is full,
// Push discards the oldest element to make room for the new one, so a slow
// consumer loses history instead of stalling the producer.
type Ring[T any] struct {
	items   []T
	head    int
	size    int
	dropped uint64
	notify  chan struct{}
	mu      sync.Mutex
}

// NewRing creates a Ring with the given capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items:  make([]T, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends v. It reports whether an older element was discarded.
func (r *Ring[T]) Push(v T) bool {
	r.mu.Lock()
	dropped := false
	if r.size == len(r.items) {
		var zero T
		r.items[r.head] = zero
		r.head = (r.head + 1) % len(r.items)
		r.size--
		r.dropped++
		dropped = true
	}
	r.items[(r.head+r.size)%len(r.items)] = v
	r.size++
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return dropped
}

// TryPop removes and returns the oldest element without blocking.
func (r *Ring[T]) TryPop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return v, true
}

// Pop blocks until an element is available or ctx is done.
func (r *Ring[T]) Pop(ctx context.Context) (T, error) {
	for {
		if v, ok := r.TryPop(); ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-r.notify:
		}
	}
}

// Drain removes and returns every queued element, oldest first.
func (r *Ring[T]) Drain() []T {
	var out []T
	for {
		v, ok := r.TryPop()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// Len returns the number of queued elements.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the capacity of the ring.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Dropped returns how many elements have been discarded since creation.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
