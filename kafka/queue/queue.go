// kafka/queue/queue.go
//
// Пакет queue - ограниченная FIFO-очередь между poll-циклом и получателями.
// Получатели, ждущие на пустой очереди, обслуживаются строго в порядке
// ожидания; отменённый получатель никогда не теряет элемент.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrClosed: очередь закрыта (для Pop - закрыта и уже пуста).
	ErrClosed = errors.New("queue: closed")
	// ErrTimeout: Pop не дождался элемента.
	ErrTimeout = errors.New("queue: timeout")
)

type waiter[T any] struct {
	ch     chan T // buffered(1), пишется только под mu
	served bool
}

// Queue is a bounded FIFO safe for concurrent pushers and poppers.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	policy   Policy

	waiters []*waiter[T]

	// space закрывается (и заменяется) при освобождении места.
	space        chan struct{}
	spaceWaiters int

	closed bool
	done   chan struct{}
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int, policy Policy) *Queue[T] {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	return &Queue[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
		policy:   policy,
		space:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Cap returns the configured capacity.
func (q *Queue[T]) Cap() int { return q.capacity }

// Policy returns the on-full policy.
func (q *Queue[T]) Policy() Policy { return q.policy }

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Waiters returns the number of suspended poppers.
func (q *Queue[T]) Waiters() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Push enqueues v applying the on-full policy. dropped reports that an item
// (the oldest one or v itself) was discarded to satisfy the bound.
// A blocking Push returns ctx.Err() if ctx ends first; v is not enqueued then.
func (q *Queue[T]) Push(ctx context.Context, v T) (dropped bool, err error) {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return false, ErrClosed
		}
		if q.handOffLocked(v) {
			q.mu.Unlock()
			return false, nil
		}
		if len(q.items) < q.capacity {
			q.items = append(q.items, v)
			q.mu.Unlock()
			return false, nil
		}

		switch q.policy {
		case DropNewest:
			q.mu.Unlock()
			return true, nil
		case DropOldest:
			q.popHeadLocked()
			q.items = append(q.items, v)
			q.mu.Unlock()
			return true, nil
		}

		sp := q.space
		q.spaceWaiters++
		q.mu.Unlock()

		select {
		case <-sp:
		case <-q.done:
		case <-ctx.Done():
			q.mu.Lock()
			q.spaceWaiters--
			q.mu.Unlock()
			return false, ctx.Err()
		}
		q.mu.Lock()
		q.spaceWaiters--
	}
}

// TryPush enqueues v only if that needs neither waiting nor dropping.
func (q *Queue[T]) TryPush(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if q.handOffLocked(v) {
		return true
	}
	if len(q.items) < q.capacity {
		q.items = append(q.items, v)
		return true
	}
	return false
}

// Pop removes the head item. timeout <= 0 waits without a deadline.
// Errors: ErrTimeout, ErrClosed once closed and drained, ctx.Err() on cancel.
func (q *Queue[T]) Pop(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	q.mu.Lock()
	if len(q.items) > 0 {
		v := q.popHeadLocked()
		q.mu.Unlock()
		return v, nil
	}
	if q.closed {
		q.mu.Unlock()
		return zero, ErrClosed
	}
	w := &waiter[T]{ch: make(chan T, 1)}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case v := <-w.ch:
		return v, nil

	case <-expired:
		q.mu.Lock()
		defer q.mu.Unlock()
		if w.served {
			return <-w.ch, nil
		}
		q.removeWaiterLocked(w)
		return zero, ErrTimeout

	case <-q.done:
		q.mu.Lock()
		defer q.mu.Unlock()
		if w.served {
			return <-w.ch, nil
		}
		q.removeWaiterLocked(w)
		if len(q.items) > 0 {
			return q.popHeadLocked(), nil
		}
		return zero, ErrClosed

	case <-ctx.Done():
		q.mu.Lock()
		defer q.mu.Unlock()
		if w.served {
			// элемент уже отдан нам - возвращаем его следующему в очереди
			q.requeueLocked(<-w.ch)
		} else {
			q.removeWaiterLocked(w)
		}
		return zero, ctx.Err()
	}
}

// Close wakes all suspended pushers and poppers. Items already buffered stay
// poppable. Idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Done is closed by Close.
func (q *Queue[T]) Done() <-chan struct{} { return q.done }

// Drain removes and returns everything buffered.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = make([]T, 0, q.capacity)
	if len(out) > 0 {
		q.signalSpaceLocked()
	}
	return out
}

// -----------------------------------------------------------------------------
// internal
// -----------------------------------------------------------------------------

// handOffLocked передаёт v первому ожидающему получателю.
func (q *Queue[T]) handOffLocked(v T) bool {
	if len(q.waiters) == 0 {
		return false
	}
	w := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	w.served = true
	w.ch <- v
	return true
}

func (q *Queue[T]) popHeadLocked() T {
	var zero T
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.signalSpaceLocked()
	return v
}

// requeueLocked returns v to the head: to the next waiter or to items.
// items may exceed capacity by one here; a later Pop restores the bound.
func (q *Queue[T]) requeueLocked(v T) {
	if q.handOffLocked(v) {
		return
	}
	q.items = append(q.items, v)
	copy(q.items[1:], q.items)
	q.items[0] = v
}

func (q *Queue[T]) removeWaiterLocked(w *waiter[T]) {
	for i, x := range q.waiters {
		if x == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

func (q *Queue[T]) signalSpaceLocked() {
	if q.spaceWaiters == 0 {
		return
	}
	close(q.space)
	q.space = make(chan struct{})
}
