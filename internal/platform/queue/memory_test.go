package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmend/docmend/internal/domain"
)

const testQueue = "test:tasks"

func testTask(id string) domain.Task {
	return domain.Task{
		ID:         id,
		WorkflowID: "wf-1",
		SnippetID:  "snip-1",
		Kind:       domain.TaskValidate,
		Language:   domain.LangPython,
		Code:       "print('x')",
		Attempt:    1,
		CreatedAt:  time.Now(),
	}
}

func TestMemoryQueueRoundTrip(t *testing.T) {
	q := NewMemoryQueue(4, time.Minute, 3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testQueue, testTask("t1"))
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	task, err := q.Dequeue(ctx, testQueue, time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, 1, task.Deliveries)
	assert.NotEmpty(t, task.LeaseID)

	require.NoError(t, q.Ack(ctx, task))

	// Acking an unknown lease is an error, not a silent no-op.
	assert.ErrorIs(t, q.Ack(ctx, task), domain.ErrTaskNotFound)
}

func TestMemoryQueueDequeueTimeout(t *testing.T) {
	q := NewMemoryQueue(4, time.Minute, 3)

	start := time.Now()
	task, err := q.Dequeue(context.Background(), testQueue, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryQueueFull(t *testing.T) {
	q := NewMemoryQueue(1, time.Minute, 3)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testQueue, testTask("t1"))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, testQueue, testTask("t2"))
	assert.ErrorIs(t, err, domain.ErrQueueFull)
}

func TestMemoryQueueNackRequeuesThenDeadLetters(t *testing.T) {
	q := NewMemoryQueue(4, time.Minute, 2)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testQueue, testTask("t1"))
	require.NoError(t, err)

	// First delivery, nacked: below the cap, so it requeues.
	task, err := q.Dequeue(ctx, testQueue, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, task, errors.New("transient")))

	// Second delivery hits the cap: nack dead-letters it.
	task, err = q.Dequeue(ctx, testQueue, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, task.Deliveries)
	require.NoError(t, q.Nack(ctx, task, errors.New("still failing")))

	task, err = q.Dequeue(ctx, testQueue, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, task, "dead-lettered task must not be redelivered")

	dead := q.DeadLetters(testQueue)
	require.Len(t, dead, 1)
	assert.Equal(t, "t1", dead[0].ID)
}

func TestMemoryQueueLeaseExpiryRedelivers(t *testing.T) {
	q := NewMemoryQueue(4, 60*time.Millisecond, 3)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testQueue, testTask("t1"))
	require.NoError(t, err)

	task, err := q.Dequeue(ctx, testQueue, time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	// No ack: the lease lapses and the janitor redelivers.

	redelivered, err := q.Dequeue(ctx, testQueue, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, redelivered, "unacknowledged task must be redelivered")
	assert.Equal(t, "t1", redelivered.ID)
	assert.Equal(t, 2, redelivered.Deliveries)
}

func TestMemoryQueueSyncMode(t *testing.T) {
	q := NewMemoryQueue(4, time.Minute, 3)

	var processed []string
	q.SetSyncHandler(func(_ context.Context, task *domain.Task) error {
		processed = append(processed, task.ID)
		return nil
	})

	_, err := q.Enqueue(context.Background(), testQueue, testTask("t1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, processed, "sync mode executes inline on enqueue")

	// Nothing reaches the queue itself.
	task, err := q.Dequeue(context.Background(), testQueue, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestMemoryQueueSyncModePropagatesFailure(t *testing.T) {
	q := NewMemoryQueue(4, time.Minute, 3)
	q.SetSyncHandler(func(context.Context, *domain.Task) error {
		return errors.New("boom")
	})

	_, err := q.Enqueue(context.Background(), testQueue, testTask("t1"))
	assert.Error(t, err)
}

func TestMemoryQueueEvents(t *testing.T) {
	q := NewMemoryQueue(4, time.Minute, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := q.SubscribeEvents(ctx)
	require.NoError(t, err)

	ev := domain.WorkflowEvent{WorkflowID: "wf-1", Status: domain.WorkflowCompleted}
	require.NoError(t, q.PublishEvent(ctx, ev))

	select {
	case got := <-events:
		assert.Equal(t, "wf-1", got.WorkflowID)
		assert.Equal(t, domain.WorkflowCompleted, got.Status)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRetryEnqueueGivesUpOnCapacity(t *testing.T) {
	q := NewMemoryQueue(1, time.Minute, 3)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testQueue, testTask("t1"))
	require.NoError(t, err)

	// Capacity errors are backpressure, not retriable flakiness.
	start := time.Now()
	_, err = RetryEnqueue(ctx, q, testQueue, testTask("t2"), 5, 100*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrQueueFull)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
