package domain

import "time"

// SnippetState is the per-snippet position in the validation lifecycle.
// States only move forward; a snippet never returns to pending once its
// first execution has been recorded, except through an accepted correction
// (which re-enters with a higher attempt number).
type SnippetState string

const (
	SnippetPending      SnippetState = "pending"
	SnippetPassed       SnippetState = "passed"
	SnippetFailed       SnippetState = "failed"
	SnippetHealing      SnippetState = "healing"
	SnippetCorrected    SnippetState = "corrected"
	SnippetManualReview SnippetState = "manual_review"
)

// Terminal reports whether the state can never change again.
func (s SnippetState) Terminal() bool {
	switch s {
	case SnippetPassed, SnippetCorrected, SnippetManualReview:
		return true
	}
	return false
}

// WorkflowStatus is the roll-up status of one validation session.
type WorkflowStatus string

const (
	WorkflowRunning               WorkflowStatus = "running"
	WorkflowCompleted             WorkflowStatus = "completed"
	WorkflowCompletedWithWarnings WorkflowStatus = "completed_with_warnings"
	WorkflowFailed                WorkflowStatus = "failed"
)

// Terminal reports whether the workflow has finished.
func (s WorkflowStatus) Terminal() bool {
	return s != WorkflowRunning
}

// SnippetRecord tracks one snippet inside a workflow: its current state plus
// the append-only history of execution results and correction attempts.
type SnippetRecord struct {
	ID           string              `json:"id"`
	Language     Language            `json:"language"`
	Code         string              `json:"code"`
	Dependencies []string            `json:"dependencies,omitempty"`
	File         string              `json:"file,omitempty"`
	LineStart    int                 `json:"line_start,omitempty"`
	LineEnd      int                 `json:"line_end,omitempty"`
	State        SnippetState        `json:"state"`
	Attempt      int                 `json:"attempt"`
	Results      []ValidationResult  `json:"results,omitempty"`
	Corrections  []CorrectionAttempt `json:"corrections,omitempty"`
}

// Workflow is one validation session spanning all snippets of a change set.
// Snippets are held by id; tasks reference workflows by id only, never by
// pointer, so concurrent readers can work on copies (see workflow.Store).
type Workflow struct {
	ID          string                    `json:"id"`
	Status      WorkflowStatus            `json:"status"`
	Snippets    map[string]*SnippetRecord `json:"snippets"`
	Policy      Policy                    `json:"policy"`
	StartedAt   time.Time                 `json:"started_at"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
}

// Policy is the per-submission configuration bundle supplied by the ingester.
type Policy struct {
	AutoCorrect         bool          `json:"auto_correct"`
	ConfidenceThreshold float64       `json:"confidence_threshold"`
	MaxAttempts         int           `json:"max_attempts"`
	BlockOnFailure      bool          `json:"block_on_failure"`
	SnippetTimeout      time.Duration `json:"snippet_timeout"`
	WorkflowTimeout     time.Duration `json:"workflow_timeout"`
	// EnabledLanguages restricts which languages may execute. A snippet in a
	// language outside this set routes straight to manual_review. Empty means
	// all supported languages are enabled.
	EnabledLanguages []Language `json:"enabled_languages,omitempty"`
}

// LanguageEnabled reports whether the policy allows executing lang.
func (p Policy) LanguageEnabled(lang Language) bool {
	if len(p.EnabledLanguages) == 0 {
		return true
	}
	for _, l := range p.EnabledLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// SnippetSpec is one snippet as submitted by the ingester.
type SnippetSpec struct {
	Language     Language `json:"language"`
	Code         string   `json:"code"`
	Dependencies []string `json:"dependencies,omitempty"`
	File         string   `json:"file,omitempty"`
	LineStart    int      `json:"line_start,omitempty"`
	LineEnd      int      `json:"line_end,omitempty"`
}

// WorkflowSpec is a full submission: the snippets of one change set plus the
// policy under which they are validated.
type WorkflowSpec struct {
	Snippets []SnippetSpec `json:"snippets"`
	// Policy overrides the configured defaults; nil means use them wholesale.
	Policy *Policy `json:"policy,omitempty"`
}

// Counts is the terminal accounting of a workflow. For every terminal
// workflow Passed+Corrected+ManualReview == Total.
type Counts struct {
	Total        int `json:"total"`
	Passed       int `json:"passed"`
	Corrected    int `json:"corrected"`
	ManualReview int `json:"manual_review"`
}

// Count tallies the snippet states of w.
func (w *Workflow) Count() Counts {
	c := Counts{Total: len(w.Snippets)}
	for _, s := range w.Snippets {
		switch s.State {
		case SnippetPassed:
			c.Passed++
		case SnippetCorrected:
			c.Corrected++
		case SnippetManualReview:
			c.ManualReview++
		}
	}
	return c
}

// WorkflowEvent is broadcast whenever a snippet reaches a terminal state and
// when the whole workflow does. Consumers (status checks, commit bots) treat
// it as a notification and fetch the full workflow if they need more.
type WorkflowEvent struct {
	WorkflowID   string         `json:"workflow_id"`
	SnippetID    string         `json:"snippet_id,omitempty"`
	SnippetState SnippetState   `json:"snippet_state,omitempty"`
	Status       WorkflowStatus `json:"status"`
	Counts       Counts         `json:"counts"`
}
