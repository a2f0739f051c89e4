package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docmend/docmend/internal/domain"
)

const eventsChannel = "docmend:events"

// RedisQueue implements domain.TaskQueue on Redis Streams. Each queue name is
// one stream consumed through a consumer group; the pending-entries list is
// the lease, XACK releases it, and XAUTOCLAIM (see recovery.go) redelivers
// entries whose lease went stale.
type RedisQueue struct {
	client        *redis.Client
	group         string
	maxDeliveries int

	mu     sync.Mutex
	groups map[string]bool
}

// Ensure RedisQueue satisfies the interface.
var _ domain.TaskQueue = (*RedisQueue)(nil)

// NewRedisQueue returns a Redis-backed queue adapter. It pings the broker
// before returning so a dead backend fails the process at startup, not on the
// first task.
func NewRedisQueue(addr, group string, maxDeliveries int) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}

	return &RedisQueue{
		client:        rdb,
		group:         group,
		maxDeliveries: maxDeliveries,
		groups:        make(map[string]bool),
	}, nil
}

// ensureGroup creates the consumer group for the stream once. MkStream
// guarantees the stream exists even if empty.
func (r *RedisQueue) ensureGroup(ctx context.Context, stream string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups[stream] {
		return nil
	}
	err := r.client.XGroupCreateMkStream(ctx, stream, r.group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	r.groups[stream] = true
	return nil
}

// Enqueue appends the task to the stream with XADD.
func (r *RedisQueue) Enqueue(ctx context.Context, queue string, task domain.Task) (string, error) {
	task.Queue = queue
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		Values: map[string]interface{}{"task": data},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("%w: xadd: %v", domain.ErrBackendUnavailable, err)
	}
	return task.ID, nil
}

// Dequeue reads the next entry with XREADGROUP, blocking up to timeout.
// The delivered entry stays on the pending-entries list until Ack.
func (r *RedisQueue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*domain.Task, error) {
	if err := r.ensureGroup(ctx, queue); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: consumerName(),
		Streams:  []string{queue, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // timeout, nothing waiting
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: xreadgroup: %v", domain.ErrBackendUnavailable, err)
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			val, ok := msg.Values["task"].(string)
			if !ok {
				slog.Error("Invalid message format, dropping", "msgID", msg.ID)
				r.client.XAck(ctx, queue, r.group, msg.ID)
				continue
			}
			var task domain.Task
			if err := json.Unmarshal([]byte(val), &task); err != nil {
				slog.Error("Failed to unmarshal task, dropping", "msgID", msg.ID, "error", err)
				r.client.XAck(ctx, queue, r.group, msg.ID)
				continue
			}
			// Capture the stream entry ID so we can ACK later.
			task.LeaseID = msg.ID
			task.Queue = queue
			// Stored entries carry the count of completed deliveries; the
			// dequeued copy includes this one. Nack and lease reclaim both
			// re-append the bumped copy, so the count survives crashes.
			task.Deliveries++
			return &task, nil
		}
	}
	return nil, nil
}

// Ack confirms processing with XACK and deletes the entry.
func (r *RedisQueue) Ack(ctx context.Context, task *domain.Task) error {
	if task.LeaseID == "" {
		return domain.ErrTaskNotFound
	}
	if err := r.client.XAck(ctx, task.Queue, r.group, task.LeaseID).Err(); err != nil {
		return fmt.Errorf("%w: xack: %v", domain.ErrBackendUnavailable, err)
	}
	r.client.XDel(ctx, task.Queue, task.LeaseID)
	return nil
}

// Nack releases the lease. Below the delivery cap the task is re-appended to
// its stream; past it the task moves to the dead-letter stream. Either way
// the original delivery is acknowledged so it cannot come back twice.
func (r *RedisQueue) Nack(ctx context.Context, task *domain.Task, cause error) error {
	if task.LeaseID == "" {
		return domain.ErrTaskNotFound
	}

	target := task.Queue
	if task.Deliveries >= r.maxDeliveries {
		target = DeadLetterStream(task.Queue)
		slog.Warn("Task exhausted deliveries, dead-lettering",
			"taskID", task.ID, "deliveries", task.Deliveries, "cause", cause)
	}

	requeued := *task
	requeued.LeaseID = ""
	data, err := json.Marshal(requeued)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: target,
		Values: map[string]interface{}{"task": data},
	}).Err(); err != nil {
		return fmt.Errorf("%w: xadd: %v", domain.ErrBackendUnavailable, err)
	}

	if err := r.client.XAck(ctx, task.Queue, r.group, task.LeaseID).Err(); err != nil {
		return fmt.Errorf("%w: xack: %v", domain.ErrBackendUnavailable, err)
	}
	r.client.XDel(ctx, task.Queue, task.LeaseID)
	return nil
}

// PublishEvent broadcasts a workflow event on the shared Pub/Sub channel.
func (r *RedisQueue) PublishEvent(ctx context.Context, ev domain.WorkflowEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return r.client.Publish(ctx, eventsChannel, data).Err()
}

// SubscribeEvents subscribes to the event channel and streams events to a Go
// channel until ctx is cancelled.
func (r *RedisQueue) SubscribeEvents(ctx context.Context) (<-chan domain.WorkflowEvent, error) {
	pubsub := r.client.Subscribe(ctx, eventsChannel)

	// Wait for confirmation that we are subscribed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}

	outCh := make(chan domain.WorkflowEvent)
	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev domain.WorkflowEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Error("Failed to unmarshal event", "error", err)
					continue
				}
				outCh <- ev
			}
		}
	}()
	return outCh, nil
}

// DeadLetterStream names the dead-letter stream paired with a queue.
func DeadLetterStream(queue string) string {
	return queue + ":dead"
}

// consumerName derives a unique consumer identity (hostname, or a timestamp
// when the hostname is unavailable).
func consumerName() string {
	name, _ := os.Hostname()
	if name == "" {
		name = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return name
}
