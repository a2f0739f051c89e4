package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docmend/docmend/internal/archive"
	"github.com/docmend/docmend/internal/domain"
	"github.com/docmend/docmend/internal/metrics"
	"github.com/docmend/docmend/internal/platform/queue"
)

// Service is the core's ingester-facing API: it turns a submission into a
// workflow plus one task per snippet, and hands terminal workflows to the
// registered result consumers. The queue backend and archiver are injected at
// construction, never taken from globals.
type Service struct {
	store     *Store
	queue     domain.TaskQueue
	queueName string
	defaults  domain.Policy
	archiver  archive.Archiver

	mu        sync.Mutex
	consumers []func(domain.Workflow)
}

// NewService wires the service. archiver may be nil when terminal workflows
// need no durable record.
func NewService(q domain.TaskQueue, queueName string, defaults domain.Policy, archiver archive.Archiver) *Service {
	s := &Service{
		queue:     q,
		queueName: queueName,
		defaults:  defaults,
		archiver:  archiver,
	}
	s.store = NewStore(s.handleEvent)
	return s
}

// Store exposes the workflow index to the worker pool.
func (s *Service) Store() *Store {
	return s.store
}

// OnTerminal registers a result consumer. Each terminal workflow is delivered
// exactly once per consumer, after its final transition has been recorded.
func (s *Service) OnTerminal(fn func(domain.Workflow)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers = append(s.consumers, fn)
}

// SubmitWorkflow validates a submission, creates the workflow and its tasks,
// and enqueues them. A snippet whose language is unsupported or disabled by
// policy is marked manual_review up front and never enqueued. Queue failures
// propagate to the ingester as a submission failure.
func (s *Service) SubmitWorkflow(ctx context.Context, spec domain.WorkflowSpec) (string, error) {
	if len(spec.Snippets) == 0 {
		return "", fmt.Errorf("workflow has no snippets")
	}

	policy := s.mergePolicy(spec.Policy)
	wf := &domain.Workflow{
		ID:        uuid.New().String(),
		Status:    domain.WorkflowRunning,
		Snippets:  make(map[string]*domain.SnippetRecord, len(spec.Snippets)),
		Policy:    policy,
		StartedAt: time.Now(),
	}

	var tasks []domain.Task

	for _, sn := range spec.Snippets {
		rec := &domain.SnippetRecord{
			ID:           uuid.New().String(),
			Language:     sn.Language,
			Code:         sn.Code,
			Dependencies: sn.Dependencies,
			File:         sn.File,
			LineStart:    sn.LineStart,
			LineEnd:      sn.LineEnd,
			State:        domain.SnippetPending,
			Attempt:      1,
		}
		wf.Snippets[rec.ID] = rec

		if _, err := domain.CapabilityFor(sn.Language); err != nil || !policy.LanguageEnabled(sn.Language) {
			// Resolved after Add so the review transition is recorded and
			// counted like any other.
			continue
		}

		tasks = append(tasks, domain.Task{
			ID:           uuid.New().String(),
			WorkflowID:   wf.ID,
			SnippetID:    rec.ID,
			Kind:         domain.TaskValidate,
			Language:     sn.Language,
			Code:         sn.Code,
			Dependencies: sn.Dependencies,
			Timeout:      policy.SnippetTimeout,
			Attempt:      1,
			CreatedAt:    time.Now(),
		})
	}

	s.store.Add(wf)

	for _, rec := range wf.Snippets {
		if _, err := domain.CapabilityFor(rec.Language); err != nil || !policy.LanguageEnabled(rec.Language) {
			s.store.ForceReview(wf.ID, rec.ID, fmt.Sprintf("language %s not enabled", rec.Language))
		}
	}

	for _, task := range tasks {
		if _, err := queue.RetryEnqueue(ctx, s.queue, s.queueName, task, 5, 200*time.Millisecond); err != nil {
			slog.Error("Failed to enqueue task, aborting submission",
				"workflowID", wf.ID, "taskID", task.ID, "error", err)
			s.store.Cancel(wf.ID)
			return "", fmt.Errorf("failed to enqueue workflow tasks: %w", err)
		}
	}

	slog.Info("Workflow submitted",
		"workflowID", wf.ID, "snippets", len(wf.Snippets), "tasks", len(tasks))
	return wf.ID, nil
}

// GetWorkflowStatus returns a copy-on-read snapshot of the workflow.
func (s *Service) GetWorkflowStatus(id string) (*domain.Workflow, error) {
	return s.store.Snapshot(id)
}

// CancelWorkflow aborts a running workflow; outstanding snippets go to manual
// review and their executions are cancelled.
func (s *Service) CancelWorkflow(id string) {
	s.store.Cancel(id)
}

// mergePolicy takes the submission's policy and fills unset numeric fields
// from the configured defaults. The booleans (auto-correct, block-on-failure)
// are the ingester's call and used as sent.
func (s *Service) mergePolicy(p *domain.Policy) domain.Policy {
	if p == nil {
		return s.defaults
	}
	out := *p
	if out.ConfidenceThreshold == 0 {
		out.ConfidenceThreshold = s.defaults.ConfidenceThreshold
	}
	if out.MaxAttempts == 0 {
		out.MaxAttempts = s.defaults.MaxAttempts
	}
	if out.SnippetTimeout == 0 {
		out.SnippetTimeout = s.defaults.SnippetTimeout
	}
	if out.WorkflowTimeout == 0 {
		out.WorkflowTimeout = s.defaults.WorkflowTimeout
	}
	if len(out.EnabledLanguages) == 0 {
		out.EnabledLanguages = s.defaults.EnabledLanguages
	}
	return out
}

// handleEvent publishes every event to the queue's broadcast channel and, on
// terminal workflows, archives the snapshot, prunes the live index, and
// invokes the consumers.
func (s *Service) handleEvent(ev domain.WorkflowEvent, terminal *domain.Workflow) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.queue.PublishEvent(ctx, ev); err != nil {
		slog.Error("Failed to publish workflow event", "workflowID", ev.WorkflowID, "error", err)
	}

	if terminal == nil {
		return
	}

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, terminal); err != nil {
			slog.Error("Failed to archive workflow", "workflowID", terminal.ID, "error", err)
		} else {
			// The archive is now the record. Stale redeliveries for the
			// pruned workflow short-circuit on ErrWorkflowNotFound.
			s.store.Remove(terminal.ID)
		}
	}

	s.mu.Lock()
	consumers := make([]func(domain.Workflow), len(s.consumers))
	copy(consumers, s.consumers)
	s.mu.Unlock()
	for _, fn := range consumers {
		fn(*terminal)
	}

	metrics.WorkflowsTerminal.WithLabelValues(string(terminal.Status)).Inc()
	c := terminal.Count()
	slog.Info("Workflow reached terminal state",
		"workflowID", terminal.ID, "status", terminal.Status,
		"passed", c.Passed, "corrected", c.Corrected, "manualReview", c.ManualReview)
}
