package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a simple Queue implementation backed by per-queue slices.
// It is safe for concurrent use. Dequeued tasks are removed immediately,
// so Ack is a no-op.
type InMemoryQueue struct {
	mu     sync.Mutex
	queues map[string][]Task
	wake   chan struct{}
	closed bool

	pollInterval time.Duration
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		queues:       make(map[string][]Task),
		wake:         make(chan struct{}),
		pollInterval: 50 * time.Millisecond,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

// notify wakes every blocked Dequeue. Callers hold q.mu.
func (q *InMemoryQueue) notify() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	t = prepare(t, time.Now())
	q.queues[t.Queue] = append(q.queues[t.Queue], t)
	q.notify()
	return nil
}

// take removes the first due task, or reports how long until the earliest
// pending one is due.
func (q *InMemoryQueue) take(queue string, now time.Time) (*Task, time.Duration) {
	tasks := q.queues[queue]
	var next time.Duration = -1
	for i, t := range tasks {
		if due(t, now) {
			q.queues[queue] = append(tasks[:i:i], tasks[i+1:]...)
			t.Attempts++
			return &t, 0
		}
		if wait := t.NotBefore.Sub(now); next < 0 || wait < next {
			next = wait
		}
	}
	return nil, next
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, queue string) (*Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		t, next := q.take(queue, time.Now())
		wake := q.wake
		q.mu.Unlock()

		if t != nil {
			return t, nil
		}

		wait := q.pollInterval
		if next >= 0 && next < wait {
			wait = next
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (q *InMemoryQueue) Ack(ctx context.Context, t *Task) error {
	return nil
}

func (q *InMemoryQueue) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queue])
}

func (q *InMemoryQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// Close fails every pending and future Dequeue with ErrClosed.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.notify()
	}
	return nil
}
