package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docmend/docmend/internal/domain"
)

// Notify receives workflow events as transitions land. It is called outside
// the per-workflow lock, in the order events were produced for one workflow.
type Notify func(ev domain.WorkflowEvent, terminal *domain.Workflow)

// entry is one live workflow plus the machinery that serializes access to it.
// All transitions for one workflow run under its own mutex (single-writer
// invariant); unrelated workflows never contend.
type entry struct {
	mu     sync.Mutex
	wf     *domain.Workflow
	seen   map[string]bool // task id + attempt dedup for redeliveries
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
}

// Store is the index of live workflows. Tasks reference workflows by id only;
// readers get copy-on-read snapshots, so nothing outside the store ever holds
// a mutable workflow.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	notify  Notify
}

// NewStore creates an empty workflow index. notify may be nil.
func NewStore(notify Notify) *Store {
	if notify == nil {
		notify = func(domain.WorkflowEvent, *domain.Workflow) {}
	}
	return &Store{
		entries: make(map[string]*entry),
		notify:  notify,
	}
}

// Add registers a new workflow and starts its global timeout clock. The
// returned context is cancelled when the workflow reaches a terminal state or
// times out; all sandbox and gateway calls for the workflow must run under
// it.
func (s *Store) Add(wf *domain.Workflow) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		wf:     wf,
		seen:   make(map[string]bool),
		ctx:    ctx,
		cancel: cancel,
	}
	if wf.Policy.WorkflowTimeout > 0 {
		id := wf.ID
		e.timer = time.AfterFunc(wf.Policy.WorkflowTimeout, func() {
			s.ForceTimeout(id)
		})
	}

	s.mu.Lock()
	s.entries[wf.ID] = e
	s.mu.Unlock()
	return ctx
}

func (s *Store) get(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
	}
	return e, nil
}

// Context returns the cancellation context of a live workflow. A missing
// workflow yields an already-cancelled context so stale tasks short-circuit.
func (s *Store) Context(id string) context.Context {
	e, err := s.get(id)
	if err != nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return e.ctx
}

// Snapshot returns a deep copy of the workflow for readers.
func (s *Store) Snapshot(id string) (*domain.Workflow, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.wf), nil
}

// ApplyResult records an execution result and advances the snippet. The
// (task id, attempt) pair guards against redelivered tasks double-applying a
// transition: the second application is a duplicate no-op.
func (s *Store) ApplyResult(workflowID, snippetID, taskID string, res domain.ValidationResult) (Decision, error) {
	return s.apply(workflowID, snippetID, taskID, res.Attempt, func(e *entry) (Decision, error) {
		rec, ok := e.wf.Snippets[snippetID]
		if !ok {
			return Decision{}, fmt.Errorf("unknown snippet %s in workflow %s", snippetID, workflowID)
		}
		return transitionResult(rec, res, e.wf.Policy), nil
	})
}

// ApplyCorrection records a gateway result and advances the snippet.
func (s *Store) ApplyCorrection(workflowID, snippetID, taskID string, attempt domain.CorrectionAttempt) (Decision, error) {
	return s.apply(workflowID, snippetID, taskID, attempt.AttemptNumber, func(e *entry) (Decision, error) {
		rec, ok := e.wf.Snippets[snippetID]
		if !ok {
			return Decision{}, fmt.Errorf("unknown snippet %s in workflow %s", snippetID, workflowID)
		}
		return transitionCorrection(rec, attempt, e.wf.Policy), nil
	})
}

// ForceReview sends a snippet to manual review (generation failure, disabled
// language, dependency install timeout).
func (s *Store) ForceReview(workflowID, snippetID, reason string) (Decision, error) {
	slog.Warn("Routing snippet to manual review",
		"workflowID", workflowID, "snippetID", snippetID, "reason", reason)
	return s.apply(workflowID, snippetID, "", 0, func(e *entry) (Decision, error) {
		rec, ok := e.wf.Snippets[snippetID]
		if !ok {
			return Decision{}, fmt.Errorf("unknown snippet %s in workflow %s", snippetID, workflowID)
		}
		return transitionReview(rec), nil
	})
}

// apply runs one transition under the per-workflow lock, finalizes the
// workflow if the transition made every snippet terminal, and emits events
// after releasing the lock.
func (s *Store) apply(workflowID, snippetID, taskID string, attempt int, fn func(*entry) (Decision, error)) (Decision, error) {
	e, err := s.get(workflowID)
	if err != nil {
		return Decision{}, err
	}

	e.mu.Lock()
	if taskID != "" {
		key := fmt.Sprintf("%s:%d", taskID, attempt)
		if e.seen[key] {
			e.mu.Unlock()
			return Decision{Duplicate: true}, nil
		}
		e.seen[key] = true
	}

	dec, err := fn(e)
	if err != nil || dec.Duplicate {
		e.mu.Unlock()
		return dec, err
	}

	var events []domain.WorkflowEvent
	var terminal *domain.Workflow
	counts := e.wf.Count()
	if dec.State.Terminal() {
		events = append(events, domain.WorkflowEvent{
			WorkflowID:   workflowID,
			SnippetID:    snippetID,
			SnippetState: dec.State,
			Status:       e.wf.Status,
			Counts:       counts,
		})
	}

	if st := rollup(e.wf); st.Terminal() && !e.wf.Status.Terminal() {
		e.wf.Status = st
		now := time.Now()
		e.wf.CompletedAt = &now
		terminal = snapshot(e.wf)
		events = append(events, domain.WorkflowEvent{
			WorkflowID: workflowID,
			Status:     st,
			Counts:     counts,
		})
		e.cancel()
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	e.mu.Unlock()

	for i, ev := range events {
		if terminal != nil && i == len(events)-1 {
			s.notify(ev, terminal)
		} else {
			s.notify(ev, nil)
		}
	}
	return dec, nil
}

// ForceTimeout fires when the workflow-level budget elapses: outstanding
// snippets go to manual review and in-flight executions are cancelled through
// the workflow context.
func (s *Store) ForceTimeout(id string) {
	e, err := s.get(id)
	if err != nil {
		return
	}

	e.mu.Lock()
	if e.wf.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	slog.Warn("Workflow timed out, forcing unresolved snippets to manual review", "workflowID", id)
	for _, rec := range e.wf.Snippets {
		if !rec.State.Terminal() {
			rec.State = domain.SnippetManualReview
		}
	}
	st := rollup(e.wf)
	e.wf.Status = st
	now := time.Now()
	e.wf.CompletedAt = &now
	terminal := snapshot(e.wf)
	counts := e.wf.Count()
	e.cancel()
	e.mu.Unlock()

	s.notify(domain.WorkflowEvent{WorkflowID: id, Status: st, Counts: counts}, terminal)
}

// Cancel aborts a running workflow explicitly, with the same semantics as a
// timeout.
func (s *Store) Cancel(id string) {
	s.ForceTimeout(id)
}

// Remove drops a terminal workflow from the index once it has been archived.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.cancel()
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, id)
	}
}

// snapshot deep-copies a workflow so callers never share mutable state with
// the store.
func snapshot(wf *domain.Workflow) *domain.Workflow {
	cp := *wf
	cp.Snippets = make(map[string]*domain.SnippetRecord, len(wf.Snippets))
	for id, rec := range wf.Snippets {
		r := *rec
		r.Dependencies = append([]string(nil), rec.Dependencies...)
		r.Results = append([]domain.ValidationResult(nil), rec.Results...)
		r.Corrections = append([]domain.CorrectionAttempt(nil), rec.Corrections...)
		cp.Snippets[id] = &r
	}
	if wf.CompletedAt != nil {
		t := *wf.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
