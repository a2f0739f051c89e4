package queue

import (
	"context"
	"fmt"

	"github.com/docmend/docmend/internal/config"
	"github.com/docmend/docmend/internal/domain"
)

// New builds the configured queue backend. The Redis backend also gets its
// recovery routine started so stale leases are reclaimed; the memory backend
// runs its own lease janitor internally.
func New(ctx context.Context, cfg *config.Config) (domain.TaskQueue, error) {
	switch cfg.QueueBackend {
	case config.BackendRedis:
		q, err := NewRedisQueue(cfg.RedisAddr, cfg.GroupName, cfg.MaxDeliveries)
		if err != nil {
			return nil, err
		}
		go q.StartRecoveryRoutine(ctx, cfg.QueueName, cfg.RecoveryInterval, cfg.LeaseDuration)
		return q, nil
	case config.BackendMemory:
		return NewMemoryQueue(cfg.QueueCapacity, cfg.LeaseDuration, cfg.MaxDeliveries), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}
