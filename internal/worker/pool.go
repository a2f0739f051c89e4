package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/docmend/docmend/internal/domain"
	"github.com/docmend/docmend/internal/metrics"
	"github.com/docmend/docmend/internal/platform/queue"
	"github.com/docmend/docmend/internal/workflow"
)

// Options bound the pool.
type Options struct {
	WorkerCount    int
	MaxInFlight    int64
	PerLanguage    int
	DequeueTimeout time.Duration
	Limits         domain.ResourceLimits
}

// Pool is the unified worker pool: a fixed set of goroutines pulling tasks
// from the queue, dispatching validation tasks to the sandbox executor and
// correction tasks to the gateway, and applying the resulting workflow
// transitions. Concurrency is bounded per language (sandbox capacity is
// language-image shaped) and globally across all executions.
type Pool struct {
	opts      Options
	queue     domain.TaskQueue
	queueName string
	executor  domain.SandboxExecutor
	gateway   domain.CorrectionGateway
	store     *workflow.Store

	global  *semaphore.Weighted
	perLang map[domain.Language]chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool wires a pool. All collaborators are injected; the pool owns no
// globals.
func NewPool(opts Options, q domain.TaskQueue, queueName string, executor domain.SandboxExecutor, gateway domain.CorrectionGateway, store *workflow.Store) *Pool {
	perLang := make(map[domain.Language]chan struct{}, len(domain.Languages()))
	for _, lang := range domain.Languages() {
		perLang[lang] = make(chan struct{}, opts.PerLanguage)
	}
	return &Pool{
		opts:      opts,
		queue:     q,
		queueName: queueName,
		executor:  executor,
		gateway:   gateway,
		store:     store,
		global:    semaphore.NewWeighted(opts.MaxInFlight),
		perLang:   perLang,
	}
}

// Start spawns the fixed number of worker goroutines and returns immediately.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	slog.Info("Starting worker pool",
		"workers", p.opts.WorkerCount, "maxInFlight", p.opts.MaxInFlight, "perLanguage", p.opts.PerLanguage)

	for i := 0; i < p.opts.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop initiates graceful shutdown: workers stop pulling new tasks and the
// call blocks until every in-flight execution has reached its own timeout or
// completion. No execution is abandoned without a recorded result.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool, draining in-flight tasks...")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("Worker pool stopped")
}

// worker pulls tasks until the pool context is cancelled. Every blocking call
// in the loop has an upper bound: dequeue blocks at most DequeueTimeout, the
// sandbox at most the task timeout plus kill grace, the gateway at most its
// client timeout.
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	slog.Info("Worker started", "workerID", id)

	for {
		if ctx.Err() != nil {
			slog.Info("Worker stopped", "workerID", id)
			return
		}

		task, err := p.queue.Dequeue(ctx, p.queueName, p.opts.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Worker stopped", "workerID", id)
				return
			}
			slog.Error("Dequeue failed, backing off", "workerID", id, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if task == nil {
			continue // dequeue timeout, nothing waiting
		}

		slog.Debug("Processing task",
			"workerID", id, "taskID", task.ID, "kind", task.Kind, "attempt", task.Attempt)

		// In-flight work runs to completion on its own deadlines even while
		// the pool is shutting down, so the result is always recorded.
		if err := p.Process(context.Background(), task); err != nil {
			metrics.TasksProcessed.WithLabelValues(string(task.Kind), "error").Inc()
			slog.Error("Task failed, releasing lease", "taskID", task.ID, "error", err)
			if nerr := p.queue.Nack(context.Background(), task, err); nerr != nil {
				slog.Error("Nack failed", "taskID", task.ID, "error", nerr)
			}
			continue
		}
		if err := p.queue.Ack(context.Background(), task); err != nil {
			slog.Error("Ack failed", "taskID", task.ID, "error", err)
		}
	}
}

// Process handles one task end to end and applies its workflow transition.
// A nil return means the task is finished (including handled failures that
// must not be retried); a non-nil return means the lease should be released
// for redelivery. Process is also the inline handler for the synchronous
// in-memory mode, where ack and dequeue are implicit.
func (p *Pool) Process(ctx context.Context, task *domain.Task) error {
	wfCtx := p.store.Context(task.WorkflowID)
	if wfCtx.Err() != nil {
		// Workflow already terminal or cancelled; the stale task is consumed
		// without effect.
		return nil
	}

	switch task.Kind {
	case domain.TaskValidate:
		return p.processValidation(wfCtx, task)
	case domain.TaskCorrect:
		return p.processCorrection(wfCtx, task)
	default:
		slog.Error("Unknown task kind, dropping", "taskID", task.ID, "kind", task.Kind)
		return nil
	}
}

func (p *Pool) processValidation(ctx context.Context, task *domain.Task) error {
	sem, ok := p.perLang[task.Language]
	if !ok {
		_, err := p.store.ForceReview(task.WorkflowID, task.SnippetID,
			fmt.Sprintf("unsupported language %s", task.Language))
		return ignoreNotFound(err)
	}

	res, err := p.runSandbox(ctx, sem, task)

	var violation *domain.SecurityViolation
	switch {
	case errors.As(err, &violation):
		// Fatal for this execution: audit-logged, alerting via metrics,
		// never retried.
		metrics.SecurityViolations.Inc()
		slog.Error("SECURITY VIOLATION",
			"taskID", task.ID, "workflowID", task.WorkflowID, "detail", violation.Detail)
		_, rerr := p.store.ForceReview(task.WorkflowID, task.SnippetID, "security violation")
		metrics.TasksProcessed.WithLabelValues(string(task.Kind), "security_violation").Inc()
		return ignoreNotFound(rerr)
	case errors.Is(err, domain.ErrUnsupportedLanguage):
		_, rerr := p.store.ForceReview(task.WorkflowID, task.SnippetID, err.Error())
		return ignoreNotFound(rerr)
	case err != nil && ctx.Err() != nil:
		return nil // workflow cancelled mid-execution; timeout path marked it
	case err != nil:
		return fmt.Errorf("sandbox execution failed: %w", err)
	}

	dec, err := p.store.ApplyResult(task.WorkflowID, task.SnippetID, task.ID, res)
	if err != nil {
		return ignoreNotFound(err)
	}
	if dec.Duplicate {
		metrics.TasksProcessed.WithLabelValues(string(task.Kind), "duplicate").Inc()
		return nil
	}
	metrics.TasksProcessed.WithLabelValues(string(task.Kind), string(dec.State)).Inc()

	if dec.Heal {
		return p.enqueueCorrection(ctx, task, res)
	}
	return nil
}

// runSandbox executes the task under the per-language and global concurrency
// bounds and releases both before returning. Follow-up tasks are enqueued by
// the caller only after release, so the synchronous queue mode can run them
// inline without waiting on a slot this execution still holds.
func (p *Pool) runSandbox(ctx context.Context, sem chan struct{}, task *domain.Task) (domain.ValidationResult, error) {
	// Per-language cap first, then the global bound.
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return domain.ValidationResult{}, ctx.Err()
	}
	defer func() { <-sem }()

	if err := p.global.Acquire(ctx, 1); err != nil {
		return domain.ValidationResult{}, err
	}
	defer p.global.Release(1)

	metrics.ExecutionsInFlight.Inc()
	defer metrics.ExecutionsInFlight.Dec()

	res, err := p.executor.Execute(ctx, domain.ExecRequest{
		TaskID:       task.ID,
		SnippetID:    task.SnippetID,
		Attempt:      task.Attempt,
		Language:     task.Language,
		Code:         task.Code,
		Dependencies: task.Dependencies,
		Timeout:      task.Timeout,
		Limits:       p.opts.Limits,
	})
	if err == nil {
		metrics.SandboxDuration.WithLabelValues(string(task.Language)).Observe(res.Duration.Seconds())
	}
	return res, err
}

func (p *Pool) processCorrection(ctx context.Context, task *domain.Task) error {
	attempt, err := p.gateway.Correct(ctx, domain.CorrectionRequest{
		SnippetID:    task.SnippetID,
		Language:     task.Language,
		Code:         task.Code,
		ErrorKind:    task.ErrorKind,
		ErrorMessage: task.ErrorMessage,
		Context:      p.snippetContext(task),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		// Generation failure terminates healing; the original code stands.
		slog.Warn("Correction generation failed", "snippetID", task.SnippetID, "error", err)
		_, rerr := p.store.ForceReview(task.WorkflowID, task.SnippetID, "correction generation failed")
		metrics.TasksProcessed.WithLabelValues(string(task.Kind), "generation_failed").Inc()
		return ignoreNotFound(rerr)
	}
	attempt.AttemptNumber = task.Attempt + 1

	dec, err := p.store.ApplyCorrection(task.WorkflowID, task.SnippetID, task.ID, attempt)
	if err != nil {
		return ignoreNotFound(err)
	}
	if dec.Duplicate {
		metrics.TasksProcessed.WithLabelValues(string(task.Kind), "duplicate").Inc()
		return nil
	}
	metrics.TasksProcessed.WithLabelValues(string(task.Kind), string(dec.State)).Inc()

	if !dec.Revalidate {
		return nil // below threshold, routed to manual review
	}

	revalidate := domain.Task{
		ID:           uuid.New().String(),
		WorkflowID:   task.WorkflowID,
		SnippetID:    task.SnippetID,
		Kind:         domain.TaskValidate,
		Language:     task.Language,
		Code:         dec.CorrectedCode,
		Dependencies: task.Dependencies,
		Timeout:      task.Timeout,
		Attempt:      dec.NextAttempt,
		CreatedAt:    time.Now(),
	}
	if _, err := queue.RetryEnqueue(ctx, p.queue, p.queueName, revalidate, 5, 200*time.Millisecond); err != nil {
		return fmt.Errorf("failed to enqueue re-validation: %w", err)
	}
	return nil
}

// enqueueCorrection creates the healing task for a failed snippet, carrying
// the failure details the gateway needs.
func (p *Pool) enqueueCorrection(ctx context.Context, task *domain.Task, res domain.ValidationResult) error {
	correct := domain.Task{
		ID:           uuid.New().String(),
		WorkflowID:   task.WorkflowID,
		SnippetID:    task.SnippetID,
		Kind:         domain.TaskCorrect,
		Language:     task.Language,
		Code:         task.Code,
		Dependencies: task.Dependencies,
		Timeout:      task.Timeout,
		Attempt:      task.Attempt,
		CreatedAt:    time.Now(),
		ErrorKind:    res.ErrorKind,
		ErrorMessage: res.Stderr,
	}
	if _, err := queue.RetryEnqueue(ctx, p.queue, p.queueName, correct, 5, 200*time.Millisecond); err != nil {
		return fmt.Errorf("failed to enqueue correction: %w", err)
	}
	return nil
}

// snippetContext assembles the documentation context (file and line range)
// for the correction prompt.
func (p *Pool) snippetContext(task *domain.Task) string {
	wf, err := p.store.Snapshot(task.WorkflowID)
	if err != nil {
		return ""
	}
	rec, ok := wf.Snippets[task.SnippetID]
	if !ok || rec.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d-%d", rec.File, rec.LineStart, rec.LineEnd)
}

// ignoreNotFound treats a vanished workflow as a consumed task rather than a
// redelivery loop.
func ignoreNotFound(err error) error {
	if err == nil || errors.Is(err, domain.ErrWorkflowNotFound) {
		return nil
	}
	return err
}
