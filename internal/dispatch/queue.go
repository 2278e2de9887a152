package dispatch

import (
	"context"
	"sync"
)

// fifo is the unbounded multi-producer single-consumer action queue behind
// each channel. Enqueue never blocks; Pop blocks until an item, context
// cancellation, or Close.
//
// A buffered Go channel can't serve here because the contract demands
// non-blocking append with no fixed capacity; bounding is a deployment
// concern, not a queue concern.
type fifo struct {
	mu     sync.Mutex
	items  []Action
	closed bool

	// wake carries at most one pending signal; the consumer re-checks the
	// slice after every wakeup, so coalescing signals is fine.
	wake chan struct{}
}

func newFIFO() *fifo {
	return &fifo{wake: make(chan struct{}, 1)}
}

// Push appends without blocking. Pushes after Close are dropped.
func (q *fifo) Push(a Action) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, a)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the head, blocking while the queue is empty. It returns
// ok=false when ctx is done or the queue is closed. Close wins over queued
// items: whatever is still queued at shutdown belongs to the drain phase
// (TryPop), whose policy decides to flush or abandon it.
func (q *fifo) Pop(ctx context.Context) (Action, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Action{}, false
		}
		if len(q.items) > 0 {
			a := q.popLocked()
			q.mu.Unlock()
			return a, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Action{}, false
		case <-q.wake:
		}
	}
}

// TryPop removes the head without blocking. It keeps working after Close so
// the drain phase can flush the remainder.
func (q *fifo) TryPop() (Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Action{}, false
	}
	return q.popLocked(), true
}

func (q *fifo) popLocked() Action {
	a := q.items[0]
	// Shift rather than re-slice forever so the backing array can be
	// collected once drained.
	copy(q.items, q.items[1:])
	q.items = q.items[:len(q.items)-1]
	return a
}

func (q *fifo) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting pushes; queued items remain poppable.
func (q *fifo) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
