package domain

import (
	"context"
	"time"
)

// ResourceLimits bound one sandbox execution. Exceeding any of them is a
// resource_limit result, not a crash.
type ResourceLimits struct {
	MemoryBytes    int64
	CPUs           float64
	Pids           int64
	DiskBytes      int64
	InstallTimeout time.Duration
}

// ExecRequest is one unit of code handed to the sandbox.
type ExecRequest struct {
	TaskID       string
	SnippetID    string
	Attempt      int
	Language     Language
	Code         string
	Dependencies []string
	Timeout      time.Duration
	Limits       ResourceLimits
}

// SandboxExecutor defines the contract for executing one code unit in a
// freshly provisioned, isolated environment. No call ever observes
// filesystem, process, or environment state from any other call, past or
// concurrent. Every exit path tears the environment down before returning,
// and every call returns a well-formed ValidationResult: a timeout produces
// error_kind=timeout within a bounded grace period, never a hang.
type SandboxExecutor interface {
	Execute(ctx context.Context, req ExecRequest) (ValidationResult, error)
}

// CorrectionRequest is the payload sent to the opaque correction backend.
type CorrectionRequest struct {
	SnippetID    string    `json:"snippet_id"`
	Language     Language  `json:"language"`
	Code         string    `json:"code"`
	ErrorKind    ErrorKind `json:"error_kind"`
	ErrorMessage string    `json:"error_message"`
	// Context carries file/line metadata and surrounding documentation text
	// so the generator sees where the snippet lives.
	Context string `json:"context,omitempty"`
}

// CorrectionGateway defines the contract for the external fix generator. The
// backend is opaque; the pipeline only ever sees corrected code plus a
// confidence score, and a correction is never accepted until it passes a full
// re-validation in the sandbox.
type CorrectionGateway interface {
	Correct(ctx context.Context, req CorrectionRequest) (CorrectionAttempt, error)
}
