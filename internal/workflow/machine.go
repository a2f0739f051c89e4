package workflow

import (
	"github.com/docmend/docmend/internal/domain"
)

// Decision is what a transition tells the worker pool to do next. At most one
// of Heal/Revalidate is set; Duplicate means the input was a redelivery of
// something already applied and must change nothing.
type Decision struct {
	State         domain.SnippetState
	Heal          bool
	Revalidate    bool
	CorrectedCode string
	NextAttempt   int
	Duplicate     bool
}

// transitionResult advances one snippet on an execution result. It is only
// legal while the snippet is pending; any other state means the result is a
// stale redelivery. The failed state is passed through in the same step: the
// policy decides immediately whether a failure heals or goes to review, so
// the recorded state is always healing or manual_review, never a dangling
// failed.
func transitionResult(rec *domain.SnippetRecord, res domain.ValidationResult, policy domain.Policy) Decision {
	if rec.State != domain.SnippetPending {
		return Decision{State: rec.State, Duplicate: true}
	}

	rec.Results = append(rec.Results, res)

	if res.Success {
		if res.Attempt > 1 {
			// The passing re-run is the mandatory validation of the last
			// correction; only here does Validated flip.
			if n := len(rec.Corrections); n > 0 {
				rec.Corrections[n-1].Validated = true
			}
			rec.State = domain.SnippetCorrected
		} else {
			rec.State = domain.SnippetPassed
		}
		return Decision{State: rec.State}
	}

	// A dependency-install failure is an environment problem, not broken
	// example code; healing cannot fix it, so it goes straight to review.
	if res.ErrorKind == domain.ErrKindDependency {
		rec.State = domain.SnippetManualReview
		return Decision{State: rec.State}
	}

	if policy.AutoCorrect && res.Attempt < policy.MaxAttempts {
		rec.State = domain.SnippetHealing
		return Decision{State: rec.State, Heal: true}
	}
	rec.State = domain.SnippetManualReview
	return Decision{State: rec.State}
}

// transitionCorrection advances a healing snippet on a gateway result. A
// confident correction re-enters execution with the corrected code and a
// bumped attempt counter; anything else terminates in manual review. The
// original code on the record is never overwritten.
func transitionCorrection(rec *domain.SnippetRecord, attempt domain.CorrectionAttempt, policy domain.Policy) Decision {
	if rec.State != domain.SnippetHealing {
		return Decision{State: rec.State, Duplicate: true}
	}

	attempt.AttemptNumber = rec.Attempt + 1
	rec.Corrections = append(rec.Corrections, attempt)

	if attempt.CorrectedCode == "" || attempt.Confidence < policy.ConfidenceThreshold {
		rec.State = domain.SnippetManualReview
		return Decision{State: rec.State}
	}

	rec.State = domain.SnippetPending
	rec.Attempt = attempt.AttemptNumber
	return Decision{
		State:         rec.State,
		Revalidate:    true,
		CorrectedCode: attempt.CorrectedCode,
		NextAttempt:   rec.Attempt,
	}
}

// transitionReview forces a snippet into manual review from any non-terminal
// state (generation failure, disabled language, workflow timeout).
func transitionReview(rec *domain.SnippetRecord) Decision {
	if rec.State.Terminal() {
		return Decision{State: rec.State, Duplicate: true}
	}
	rec.State = domain.SnippetManualReview
	return Decision{State: rec.State}
}

// rollup derives the workflow status once every snippet is terminal.
func rollup(wf *domain.Workflow) domain.WorkflowStatus {
	review := false
	for _, s := range wf.Snippets {
		if !s.State.Terminal() {
			return domain.WorkflowRunning
		}
		if s.State == domain.SnippetManualReview {
			review = true
		}
	}
	if !review {
		return domain.WorkflowCompleted
	}
	if wf.Policy.BlockOnFailure {
		return domain.WorkflowFailed
	}
	return domain.WorkflowCompletedWithWarnings
}
