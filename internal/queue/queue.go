// Package queue provides an unbounded FIFO drained by a single goroutine.
// Producers never block, and the consumer sees items in push order.
package queue

import "sync"

// Queue runs fn for every pushed item, one at a time, in push order.
type Queue[T any] struct {
	fn func(T)

	mu     sync.Mutex
	items  []T
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// New starts the consumer goroutine.
func New[T any](fn func(T)) *Queue[T] {
	q := &Queue[T]{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Push enqueues v. It reports false once the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return true
}

// Close stops the consumer. Items not yet handed to fn are dropped. It does
// not wait for an fn call in progress, so it is safe to call from fn.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	close(q.wake)
}

// Done is closed when the consumer goroutine has exited.
func (q *Queue[T]) Done() <-chan struct{} { return q.done }

func (q *Queue[T]) run() {
	defer close(q.done)
	for range q.wake {
		for {
			q.mu.Lock()
			if q.closed || len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()

			q.fn(v)
		}
	}
}
