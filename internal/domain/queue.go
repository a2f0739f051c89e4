package domain

import (
	"context"
	"time"
)

// TaskQueue defines the contract for the task queue.
// It decouples the pipeline from the underlying backend (Redis Streams or
// in-memory); every backend provides at-least-once delivery: a dequeued task
// that is not acknowledged within the lease window is redelivered.
type TaskQueue interface {
	// Enqueue adds a task to the named queue and returns its id.
	// Returns ErrQueueFull when a bounded backend is at capacity and
	// ErrBackendUnavailable when the broker cannot be reached.
	Enqueue(ctx context.Context, queue string, task Task) (string, error)

	// Dequeue blocks up to timeout for the next task and takes a lease on it.
	// It returns nil with no error when the timeout elapses empty-handed.
	// No two workers ever hold a lease on the same delivery.
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Task, error)

	// Ack confirms that the leased task finished and removes the delivery.
	Ack(ctx context.Context, task *Task) error

	// Nack releases the lease after a failure. Transient errors requeue the
	// task; exhausted retries move it to the dead-letter path.
	Nack(ctx context.Context, task *Task, cause error) error

	// PublishEvent broadcasts a workflow event to all result consumers.
	PublishEvent(ctx context.Context, ev WorkflowEvent) error

	// SubscribeEvents streams workflow events from all workers. The channel
	// closes when ctx is cancelled.
	SubscribeEvents(ctx context.Context) (<-chan WorkflowEvent, error)
}
