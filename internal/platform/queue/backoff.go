package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/docmend/docmend/internal/domain"
)

// RetryEnqueue enqueues with exponential backoff while the backend reports
// itself unavailable. Capacity errors are returned immediately so the caller
// sees backpressure instead of a stalled retry loop.
func RetryEnqueue(ctx context.Context, q domain.TaskQueue, queue string, task domain.Task, attempts int, base time.Duration) (string, error) {
	var lastErr error
	delay := base
	for i := 0; i < attempts; i++ {
		id, err := q.Enqueue(ctx, queue, task)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, domain.ErrBackendUnavailable) {
			return "", err
		}
		lastErr = err
		slog.Warn("Queue backend unavailable, backing off",
			"taskID", task.ID, "attempt", i+1, "delay", delay)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return "", lastErr
}
