package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docmend/docmend/internal/domain"
)

// StartRecoveryRoutine polls the pending-entries list of the stream and
// reclaims entries whose lease has been idle longer than leaseDuration.
// Reclaimed tasks go back onto the stream for redelivery, or to the
// dead-letter stream once their delivery budget is spent. This is what makes
// delivery at-least-once: a worker crash between Dequeue and Ack loses the
// lease, not the task.
func (r *RedisQueue) StartRecoveryRoutine(ctx context.Context, queue string, interval, leaseDuration time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	const consumer = "recovery-agent"

	slog.Info("Starting queue recovery routine",
		"queue", queue, "interval", interval, "lease", leaseDuration)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := "-"
			for {
				messages, nextStart, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
					Stream:   queue,
					Group:    r.group,
					MinIdle:  leaseDuration,
					Start:    start,
					Count:    10,
					Consumer: consumer,
				}).Result()
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					slog.Error("Recovery routine failed", "error", err)
					break
				}
				if len(messages) == 0 {
					break
				}

				slog.Info("Reclaimed stale leases", "queue", queue, "count", len(messages))

				for _, msg := range messages {
					r.redeliver(ctx, queue, msg)
				}

				start = nextStart
				if start == "0-0" {
					break
				}
			}
		}
	}
}

// redeliver re-appends a reclaimed entry to its stream (or dead-letters it)
// and acknowledges the stale delivery.
func (r *RedisQueue) redeliver(ctx context.Context, queue string, msg redis.XMessage) {
	defer func() {
		r.client.XAck(ctx, queue, r.group, msg.ID)
		r.client.XDel(ctx, queue, msg.ID)
	}()

	val, ok := msg.Values["task"].(string)
	if !ok {
		slog.Error("Reclaimed entry has no task payload, dropping", "msgID", msg.ID)
		return
	}
	var task domain.Task
	if err := json.Unmarshal([]byte(val), &task); err != nil {
		slog.Error("Failed to unmarshal reclaimed task, dropping", "msgID", msg.ID, "error", err)
		return
	}

	task.Deliveries++
	target := queue
	if task.Deliveries >= r.maxDeliveries {
		target = DeadLetterStream(queue)
		slog.Warn("Reclaimed task exhausted deliveries, dead-lettering",
			"taskID", task.ID, "deliveries", task.Deliveries)
	}

	data, err := json.Marshal(task)
	if err != nil {
		slog.Error("Failed to marshal reclaimed task", "taskID", task.ID, "error", err)
		return
	}
	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: target,
		Values: map[string]interface{}{"task": data},
	}).Err(); err != nil {
		slog.Error("Failed to re-append reclaimed task", "taskID", task.ID, "error", err)
	}
}
