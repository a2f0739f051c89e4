package domain

import "time"

// TaskKind distinguishes what a dequeued task asks a worker to do.
type TaskKind string

const (
	// TaskValidate runs the snippet code in the sandbox and records the result.
	TaskValidate TaskKind = "validation"
	// TaskCorrect asks the correction gateway for a fix and, on success,
	// re-enqueues the snippet as a validation task.
	TaskCorrect TaskKind = "correction"
)

// Task is one unit of queued work: a single snippet execution or correction
// attempt. It is owned by the queue until dequeued, then by the worker holding
// the lease until acknowledged.
type Task struct {
	ID           string        `json:"id"`
	WorkflowID   string        `json:"workflow_id"`
	SnippetID    string        `json:"snippet_id"`
	Kind         TaskKind      `json:"kind"`
	Language     Language      `json:"language"`
	Code         string        `json:"code"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Timeout      time.Duration `json:"timeout"`
	// Attempt counts execution attempts for this snippet. The original run is
	// attempt 1; each accepted correction re-enters as attempt+1.
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`

	// Correction tasks carry the failure that triggered them so the gateway
	// request can be built without another store round trip.
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	// Queue is the queue the task was enqueued to, carried in the envelope so
	// a redelivered task can be acknowledged against the right stream.
	Queue string `json:"queue"`
	// Deliveries counts how many times the queue has handed this task to a
	// worker. Past the backend's limit the task dead-letters instead of
	// requeueing.
	Deliveries int `json:"deliveries"`

	// LeaseID is the backend-internal delivery handle (e.g. the Redis Stream
	// entry ID). It is required to Ack/Nack the delivery and never serialized.
	LeaseID string `json:"-"`
}

// ErrorKind classifies why an execution attempt failed.
type ErrorKind string

const (
	ErrKindNone          ErrorKind = ""
	ErrKindSyntax        ErrorKind = "syntax"
	ErrKindRuntime       ErrorKind = "runtime"
	ErrKindTimeout       ErrorKind = "timeout"
	ErrKindDependency    ErrorKind = "dependency"
	ErrKindResourceLimit ErrorKind = "resource_limit"
)

// ValidationResult is the immutable record of one sandbox execution attempt.
// It is created exactly once per attempt and appended to the snippet's
// history, never mutated.
type ValidationResult struct {
	TaskID    string        `json:"task_id"`
	SnippetID string        `json:"snippet_id"`
	Attempt   int           `json:"attempt"`
	Success   bool          `json:"success"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// CorrectionAttempt records one round trip through the correction gateway.
// Validated flips to true only after the corrected code passes a full
// re-validation run in the sandbox.
type CorrectionAttempt struct {
	SnippetID     string  `json:"snippet_id"`
	OriginalCode  string  `json:"original_code"`
	CorrectedCode string  `json:"corrected_code"`
	Confidence    float64 `json:"confidence"`
	Explanation   string  `json:"explanation,omitempty"`
	Validated     bool    `json:"validated"`
	AttemptNumber int     `json:"attempt_number"`
}
