package plexus

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// queue is an unbounded FIFO handing items from producers which must never block
// (frame receivers) to consumers waiting on context.
type queue[T any] struct {
	signal chan struct{}
	closed chan struct{}

	mu    sync.Mutex
	items []T
	err   error
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Push appends item. It returns false if queue has been closed.
func (q *queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return false
	}
	q.items = append(q.items, item)
	q.notify()
	return true
}

// Pop returns the oldest item. Items pushed before Close are still returned,
// after that the error passed to Close is.
func (q *queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			var zero T
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.notify()
			}
			q.mu.Unlock()
			return item, nil
		}
		err := q.err
		q.mu.Unlock()

		if err != nil {
			var zero T
			return zero, err
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, errors.WithStack(ctx.Err())
		case <-q.signal:
		case <-q.closed:
		}
	}
}

// Close stops accepting new items. Subsequent Close calls are ignored.
func (q *queue[T]) Close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return
	}
	q.err = err
	close(q.closed)
}

// Len returns the number of items waiting in the queue.
func (q *queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

func (q *queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
