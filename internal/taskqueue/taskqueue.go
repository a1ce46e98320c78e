package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	TaskTypeStartWorkflow  TaskType = "start-workflow"
	TaskTypeCancelWorkflow TaskType = "cancel-workflow"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("taskqueue: closed")

// Task represents a unit of work for the worker. Tasks only reference
// instances; the instance itself (input, status) lives in persistence.
type Task struct {
	ID    string   `json:"id"`
	Type  TaskType `json:"type"`
	Queue string   `json:"queue"`

	WorkflowName string `json:"workflow_name,omitempty"`
	InstanceID   string `json:"instance_id"`

	// Reason is set for cancel-workflow tasks.
	Reason string `json:"reason,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time `json:"not_before,omitempty"`

	// Attempts counts deliveries, including the current one.
	Attempts int `json:"attempts"`

	// receipt identifies the delivery for Ack.
	receipt string
}

// Queue is a named-queue task dispatcher. Each dequeued task is delivered
// to exactly one consumer; Ack removes it for good.
type Queue interface {
	// Enqueue adds a task to t.Queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next due task of the named queue,
	// blocking until one is available or the context is cancelled.
	Dequeue(ctx context.Context, queue string) (*Task, error)

	// Ack marks a dequeued task as handled.
	Ack(ctx context.Context, t *Task) error

	// Len returns the approximate number of tasks waiting in the queue.
	Len(queue string) int

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
}

// Extender is implemented by queues whose deliveries expire after a
// visibility timeout. Extend restarts the timeout of a dequeued task so a
// long-running handler keeps its claim.
type Extender interface {
	Extend(ctx context.Context, t *Task) error
	VisibilityTimeout() time.Duration
}

// Requeuer is implemented by queues that can return every delivered but
// unacknowledged task of a queue to the ready state at once.
type Requeuer interface {
	Requeue(ctx context.Context, queue string) (int, error)
}

// prepare fills the fields every backend needs before storing t.
func prepare(t Task, now time.Time) Task {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	return t
}

// due reports whether t may be delivered at now.
func due(t Task, now time.Time) bool {
	return t.NotBefore.IsZero() || !t.NotBefore.After(now)
}
