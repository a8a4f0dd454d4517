// Package queue provides the bounded in-process queues that connect the
// session's pipeline stages. Queue blocks the producer when full, which
// is how backpressure propagates from the outbound writer back into TTS
// production. Ring drops the oldest element when full, which is what the
// inbound audio path wants: recent frames matter more to VAD than stale
// ones.
package queue

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrDone is returned by Next after the queue is closed for writing and
// drained.
var ErrDone = errors.New("queue: done")

// ErrReset is returned by Put when the queue was reset while the
// caller was blocked waiting for room: the value belongs to work that
// was just discarded and must not be enqueued.
var ErrReset = errors.New("queue: reset")

// Queue is a fixed-capacity FIFO. Put blocks while the queue is full,
// Next blocks while it is empty. Closing unblocks both sides.
type Queue[T any] struct {
	cond *sync.Cond

	mu         sync.Mutex
	buf        []T
	head, tail int64
	resets     int64
	closeWrite bool
	closeErr   error
}

// New creates a Queue with the given capacity.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	q := &Queue[T]{buf: make([]T, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends v, blocking until there is room. It returns an error if
// the queue has been closed, or ErrReset if the queue was reset while
// Put was blocked.
func (q *Queue[T]) Put(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	resets := q.resets
	for {
		if q.closeErr != nil {
			return fmt.Errorf("queue: put on closed queue: %w", q.closeErr)
		}
		if q.closeWrite {
			return fmt.Errorf("queue: put on closed queue: %w", io.ErrClosedPipe)
		}
		if q.resets != resets {
			return ErrReset
		}
		if q.tail-q.head < int64(len(q.buf)) {
			break
		}
		q.cond.Wait()
	}
	q.buf[q.tail%int64(len(q.buf))] = v
	q.tail++
	q.cond.Broadcast()
	return nil
}

// Next removes and returns the oldest element, blocking until one is
// available. Returns ErrDone once the queue is closed for writing and
// empty, or the close error if the queue was closed with one.
func (q *Queue[T]) Next() (v T, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head == q.tail {
		if q.closeErr != nil {
			return v, q.closeErr
		}
		if q.closeWrite {
			return v, ErrDone
		}
		q.cond.Wait()
	}
	i := q.head % int64(len(q.buf))
	v = q.buf[i]
	var zero T
	q.buf[i] = zero
	q.head++
	q.cond.Broadcast()
	return v, nil
}

// Reset discards all queued elements and fails Puts blocked waiting
// for room. The queue stays open for new work.
func (q *Queue[T]) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.buf {
		var zero T
		q.buf[i] = zero
	}
	q.head, q.tail = 0, 0
	q.resets++
	q.cond.Broadcast()
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.tail - q.head)
}

// CloseWrite prevents further Puts while letting readers drain what is
// already queued.
func (q *Queue[T]) CloseWrite() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeWrite = true
	q.cond.Broadcast()
}

// CloseWithError closes both ends immediately. Blocked Puts and Nexts
// return err. A nil err is replaced with io.ErrClosedPipe.
func (q *Queue[T]) CloseWithError(err error) {
	if err == nil {
		err = io.ErrClosedPipe
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closeErr != nil {
		return
	}
	q.closeErr = err
	q.closeWrite = true
	q.cond.Broadcast()
}

// Close is CloseWithError(io.ErrClosedPipe).
func (q *Queue[T]) Close() error {
	q.CloseWithError(io.ErrClosedPipe)
	return nil
}
