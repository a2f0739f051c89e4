package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmend/docmend/internal/domain"
)

func testPolicy() domain.Policy {
	return domain.Policy{
		AutoCorrect:         true,
		ConfidenceThreshold: 0.7,
		MaxAttempts:         2,
	}
}

func pendingSnippet() *domain.SnippetRecord {
	return &domain.SnippetRecord{
		ID:       "snip-1",
		Language: domain.LangPython,
		Code:     "print('x')",
		State:    domain.SnippetPending,
		Attempt:  1,
	}
}

func TestTransitionResultSuccess(t *testing.T) {
	rec := pendingSnippet()
	dec := transitionResult(rec, domain.ValidationResult{Attempt: 1, Success: true}, testPolicy())

	assert.Equal(t, domain.SnippetPassed, dec.State)
	assert.False(t, dec.Heal)
	assert.Len(t, rec.Results, 1)
}

func TestTransitionResultFailureHeals(t *testing.T) {
	rec := pendingSnippet()
	dec := transitionResult(rec, domain.ValidationResult{
		Attempt:   1,
		ErrorKind: domain.ErrKindSyntax,
	}, testPolicy())

	assert.Equal(t, domain.SnippetHealing, dec.State)
	assert.True(t, dec.Heal)
}

func TestTransitionResultFailureNoAutoCorrect(t *testing.T) {
	rec := pendingSnippet()
	policy := testPolicy()
	policy.AutoCorrect = false

	dec := transitionResult(rec, domain.ValidationResult{Attempt: 1, ErrorKind: domain.ErrKindRuntime}, policy)

	assert.Equal(t, domain.SnippetManualReview, dec.State)
	assert.False(t, dec.Heal)
}

func TestTransitionResultDependencyFailureGoesToReview(t *testing.T) {
	// auto-correct enabled, but an install failure is not healable
	rec := pendingSnippet()
	dec := transitionResult(rec, domain.ValidationResult{Attempt: 1, ErrorKind: domain.ErrKindDependency}, testPolicy())

	assert.Equal(t, domain.SnippetManualReview, dec.State)
	assert.False(t, dec.Heal)
}

func TestTransitionResultStaleRedelivery(t *testing.T) {
	rec := pendingSnippet()
	rec.State = domain.SnippetPassed

	dec := transitionResult(rec, domain.ValidationResult{Attempt: 1, Success: true}, testPolicy())

	assert.True(t, dec.Duplicate)
	assert.Equal(t, domain.SnippetPassed, dec.State)
	assert.Empty(t, rec.Results, "a stale result must not be recorded")
}

func TestTransitionCorrectionAccepted(t *testing.T) {
	rec := pendingSnippet()
	rec.State = domain.SnippetHealing

	dec := transitionCorrection(rec, domain.CorrectionAttempt{
		SnippetID:     rec.ID,
		OriginalCode:  rec.Code,
		CorrectedCode: "print('fixed')",
		Confidence:    0.9,
	}, testPolicy())

	assert.Equal(t, domain.SnippetPending, dec.State)
	assert.True(t, dec.Revalidate)
	assert.Equal(t, "print('fixed')", dec.CorrectedCode)
	assert.Equal(t, 2, dec.NextAttempt)
	assert.Equal(t, "print('x')", rec.Code, "the original code is never overwritten")
}

func TestTransitionCorrectionLowConfidence(t *testing.T) {
	rec := pendingSnippet()
	rec.State = domain.SnippetHealing

	dec := transitionCorrection(rec, domain.CorrectionAttempt{
		CorrectedCode: "print('fixed')",
		Confidence:    0.3,
	}, testPolicy())

	assert.Equal(t, domain.SnippetManualReview, dec.State)
	assert.False(t, dec.Revalidate)
	assert.Len(t, rec.Corrections, 1, "rejected corrections are still recorded")
}

func TestCorrectedRequiresPassingRevalidation(t *testing.T) {
	rec := pendingSnippet()
	rec.State = domain.SnippetHealing

	dec := transitionCorrection(rec, domain.CorrectionAttempt{
		CorrectedCode: "print('fixed')",
		Confidence:    0.95,
	}, testPolicy())
	require.True(t, dec.Revalidate)
	require.False(t, rec.Corrections[0].Validated)

	// The re-run fails: the snippet must not reach corrected.
	failDec := transitionResult(rec, domain.ValidationResult{Attempt: 2, ErrorKind: domain.ErrKindRuntime}, testPolicy())
	assert.Equal(t, domain.SnippetManualReview, failDec.State)
	assert.False(t, rec.Corrections[0].Validated)
}

func TestReentrySuccessMarksCorrectedAndValidated(t *testing.T) {
	rec := pendingSnippet()
	rec.State = domain.SnippetHealing

	dec := transitionCorrection(rec, domain.CorrectionAttempt{
		CorrectedCode: "print('fixed')",
		Confidence:    0.95,
	}, testPolicy())
	require.True(t, dec.Revalidate)

	passDec := transitionResult(rec, domain.ValidationResult{Attempt: dec.NextAttempt, Success: true}, testPolicy())
	assert.Equal(t, domain.SnippetCorrected, passDec.State)
	assert.True(t, rec.Corrections[0].Validated)
}

func TestTransitionReview(t *testing.T) {
	rec := pendingSnippet()
	dec := transitionReview(rec)
	assert.Equal(t, domain.SnippetManualReview, dec.State)

	// Terminal states are immovable.
	again := transitionReview(rec)
	assert.True(t, again.Duplicate)

	passed := pendingSnippet()
	passed.State = domain.SnippetPassed
	dec = transitionReview(passed)
	assert.True(t, dec.Duplicate)
	assert.Equal(t, domain.SnippetPassed, passed.State)
}

func TestRollup(t *testing.T) {
	wf := &domain.Workflow{
		Policy: domain.Policy{BlockOnFailure: false},
		Snippets: map[string]*domain.SnippetRecord{
			"a": {State: domain.SnippetPassed},
			"b": {State: domain.SnippetPending},
		},
	}
	assert.Equal(t, domain.WorkflowRunning, rollup(wf))

	wf.Snippets["b"].State = domain.SnippetCorrected
	assert.Equal(t, domain.WorkflowCompleted, rollup(wf))

	wf.Snippets["b"].State = domain.SnippetManualReview
	assert.Equal(t, domain.WorkflowCompletedWithWarnings, rollup(wf))

	wf.Policy.BlockOnFailure = true
	assert.Equal(t, domain.WorkflowFailed, rollup(wf))
}
