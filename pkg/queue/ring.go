package queue

import (
	"io"
	"sync"
)

// Ring is a fixed-capacity FIFO that never blocks the producer: when
// full, Put evicts the oldest element and reports the eviction so the
// caller can log it.
type Ring[T any] struct {
	cond *sync.Cond

	mu         sync.Mutex
	buf        []T
	head, tail int64
	dropped    int64
	closeWrite bool
	closeErr   error
}

// NewRing creates a Ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	r := &Ring[T]{buf: make([]T, capacity)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Put appends v, evicting the oldest element if the ring is full.
// Returns true if an element was evicted.
func (r *Ring[T]) Put(v T) (evicted bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closeErr != nil {
		return false, r.closeErr
	}
	if r.closeWrite {
		return false, io.ErrClosedPipe
	}
	if r.tail-r.head == int64(len(r.buf)) {
		r.head++
		r.dropped++
		evicted = true
	}
	r.buf[r.tail%int64(len(r.buf))] = v
	r.tail++
	r.cond.Broadcast()
	return evicted, nil
}

// Next removes and returns the oldest element, blocking until one is
// available. Returns ErrDone once the ring is closed for writing and
// empty.
func (r *Ring[T]) Next() (v T, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.head == r.tail {
		if r.closeErr != nil {
			return v, r.closeErr
		}
		if r.closeWrite {
			return v, ErrDone
		}
		r.cond.Wait()
	}
	i := r.head % int64(len(r.buf))
	v = r.buf[i]
	var zero T
	r.buf[i] = zero
	r.head++
	return v, nil
}

// Dropped returns the total number of evicted elements.
func (r *Ring[T]) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Len returns the number of queued elements.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.tail - r.head)
}

// CloseWrite prevents further Puts while letting readers drain.
func (r *Ring[T]) CloseWrite() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeWrite = true
	r.cond.Broadcast()
}

// CloseWithError closes both ends immediately with err.
func (r *Ring[T]) CloseWithError(err error) {
	if err == nil {
		err = io.ErrClosedPipe
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closeErr != nil {
		return
	}
	r.closeErr = err
	r.closeWrite = true
	r.cond.Broadcast()
}
