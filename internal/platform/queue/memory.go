package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docmend/docmend/internal/domain"
)

// Handler processes one task inline. It is only used by the synchronous mode,
// where Enqueue runs the task to completion before returning.
type Handler func(ctx context.Context, task *domain.Task) error

type lease struct {
	task     domain.Task
	queue    string
	deadline time.Time
}

// MemoryQueue implements domain.TaskQueue on bounded in-process channels.
// It is a drop-in for the Redis backend in single-process deployments: same
// at-least-once lease semantics (an unacknowledged task is redelivered by the
// janitor after the lease window), same dead-letter path.
//
// In synchronous mode there are no background workers at all: Enqueue invokes
// the registered Handler inline and Dequeue/Ack never see the task.
type MemoryQueue struct {
	capacity      int
	leaseDuration time.Duration
	maxDeliveries int

	mu      sync.Mutex
	queues  map[string]chan domain.Task
	pending map[string]lease
	dead    map[string][]domain.Task
	subs    []chan domain.WorkflowEvent

	sync    bool
	handler Handler
}

var _ domain.TaskQueue = (*MemoryQueue)(nil)

// NewMemoryQueue returns an in-memory queue. capacity bounds each named
// queue; enqueueing past it returns domain.ErrQueueFull.
func NewMemoryQueue(capacity int, leaseDuration time.Duration, maxDeliveries int) *MemoryQueue {
	m := &MemoryQueue{
		capacity:      capacity,
		leaseDuration: leaseDuration,
		maxDeliveries: maxDeliveries,
		queues:        make(map[string]chan domain.Task),
		pending:       make(map[string]lease),
		dead:          make(map[string][]domain.Task),
	}
	go m.janitor()
	return m
}

// SetSyncHandler switches the queue to synchronous mode: every Enqueue runs
// the task through h before returning. Meant for environments with no
// background worker process.
func (m *MemoryQueue) SetSyncHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sync = true
	m.handler = h
}

func (m *MemoryQueue) getQueue(name string) chan domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = make(chan domain.Task, m.capacity)
		m.queues[name] = q
	}
	return q
}

// Enqueue adds the task, or in synchronous mode runs it inline.
func (m *MemoryQueue) Enqueue(ctx context.Context, queue string, task domain.Task) (string, error) {
	task.Queue = queue

	m.mu.Lock()
	syncMode, handler := m.sync, m.handler
	m.mu.Unlock()

	if syncMode {
		if handler == nil {
			return "", fmt.Errorf("synchronous mode with no handler registered")
		}
		task.Deliveries++
		if err := handler(ctx, &task); err != nil {
			return "", fmt.Errorf("synchronous task failed: %w", err)
		}
		return task.ID, nil
	}

	select {
	case m.getQueue(queue) <- task:
		return task.ID, nil
	default:
		return "", fmt.Errorf("%w: %s at capacity %d", domain.ErrQueueFull, queue, m.capacity)
	}
}

// Dequeue waits up to timeout for a task and leases it to the caller.
func (m *MemoryQueue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*domain.Task, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case task := <-m.getQueue(queue):
		task.LeaseID = uuid.New().String()
		task.Deliveries++
		m.mu.Lock()
		m.pending[task.LeaseID] = lease{task: task, queue: queue, deadline: time.Now().Add(m.leaseDuration)}
		m.mu.Unlock()
		return &task, nil
	}
}

// Ack releases the lease and forgets the task.
func (m *MemoryQueue) Ack(_ context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[task.LeaseID]; !ok {
		return domain.ErrTaskNotFound
	}
	delete(m.pending, task.LeaseID)
	return nil
}

// Nack releases the lease and requeues the task, or dead-letters it once the
// delivery budget is spent.
func (m *MemoryQueue) Nack(ctx context.Context, task *domain.Task, cause error) error {
	m.mu.Lock()
	l, ok := m.pending[task.LeaseID]
	if !ok {
		m.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	delete(m.pending, task.LeaseID)
	m.mu.Unlock()

	return m.requeue(l.queue, l.task, cause)
}

func (m *MemoryQueue) requeue(queue string, task domain.Task, cause error) error {
	task.LeaseID = ""
	if task.Deliveries >= m.maxDeliveries {
		slog.Warn("Task exhausted deliveries, dead-lettering",
			"taskID", task.ID, "deliveries", task.Deliveries, "cause", cause)
		m.mu.Lock()
		m.dead[queue] = append(m.dead[queue], task)
		m.mu.Unlock()
		return nil
	}
	select {
	case m.getQueue(queue) <- task:
		return nil
	default:
		return fmt.Errorf("%w: %s at capacity %d", domain.ErrQueueFull, queue, m.capacity)
	}
}

// DeadLetters returns a copy of the dead-letter list for a queue.
func (m *MemoryQueue) DeadLetters(queue string) []domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Task, len(m.dead[queue]))
	copy(out, m.dead[queue])
	return out
}

// PublishEvent fans the event out to every subscriber without blocking on a
// slow one.
func (m *MemoryQueue) PublishEvent(_ context.Context, ev domain.WorkflowEvent) error {
	m.mu.Lock()
	subs := make([]chan domain.WorkflowEvent, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("Dropping event for slow subscriber", "workflowID", ev.WorkflowID)
		}
	}
	return nil
}

// SubscribeEvents registers a subscriber for workflow events.
func (m *MemoryQueue) SubscribeEvents(ctx context.Context) (<-chan domain.WorkflowEvent, error) {
	ch := make(chan domain.WorkflowEvent, 64)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, sub := range m.subs {
			if sub == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// janitor redelivers tasks whose lease expired before an Ack arrived. It
// wakes at half the lease window so redelivery lag stays proportional to the
// lease, short as that may be.
func (m *MemoryQueue) janitor() {
	interval := m.leaseDuration / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		m.mu.Lock()
		var expired []lease
		for id, l := range m.pending {
			if now.After(l.deadline) {
				expired = append(expired, l)
				delete(m.pending, id)
			}
		}
		m.mu.Unlock()

		for _, l := range expired {
			slog.Warn("Lease expired, redelivering task", "taskID", l.task.ID, "queue", l.queue)
			if err := m.requeue(l.queue, l.task, fmt.Errorf("lease expired")); err != nil {
				slog.Error("Failed to redeliver task", "taskID", l.task.ID, "error", err)
			}
		}
	}
}
