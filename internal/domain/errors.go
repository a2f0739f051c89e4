package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline. Callers match with errors.Is.
var (
	// ErrQueueFull signals a bounded backend at capacity. Enqueue fails and
	// the caller must apply backpressure.
	ErrQueueFull = errors.New("queue full")

	// ErrBackendUnavailable signals connectivity loss to a durable backend.
	// Callers retry with exponential backoff instead of dropping the task.
	ErrBackendUnavailable = errors.New("queue backend unavailable")

	// ErrTaskNotFound is returned by Ack/Nack for an unknown lease.
	ErrTaskNotFound = errors.New("task not found")

	// ErrUnsupportedLanguage marks a snippet whose language is outside the
	// closed execution set.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrWorkflowNotFound is returned by status lookups for unknown ids.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrCorrectionRejected marks a gateway result below the confidence
	// threshold or a generation failure; the snippet goes to manual review.
	ErrCorrectionRejected = errors.New("correction rejected")
)

// SecurityViolation marks a sandbox escape or unauthorized-operation attempt.
// It is fatal for that execution: never retried, logged for audit, and raised
// as an operational alert rather than a per-snippet failure.
type SecurityViolation struct {
	TaskID string
	Detail string
}

func (e *SecurityViolation) Error() string {
	return fmt.Sprintf("security violation in task %s: %s", e.TaskID, e.Detail)
}
