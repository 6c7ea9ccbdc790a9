// Package queue carries audit write-back jobs from the recorder to the write-back workers.
// The memory driver runs inside the host process; the redis driver lets separate
// `auditctl worker` processes consume jobs produced elsewhere.
package queue

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/redis/go-redis/v9"

	"github.com/apex-audit/apex-audit/internal/audit"
	"github.com/apex-audit/apex-audit/internal/config"
)

// Queue dispatches jobs and runs them on a fixed set of shard workers. Jobs with the
// same shard key always run on the same worker, in dispatch order.
type Queue interface {
	audit.Dispatcher
	// Start launches the workers. handler is called once per job.
	Start(ctx context.Context, handler audit.JobHandler)
	// Stop stops accepting work and waits for in-flight jobs until ctx is done.
	Stop(ctx context.Context) error
}

// New builds the queue selected by cfg.Driver. rdb is required for the redis driver.
func New(cfg config.QueueConfig, rdb *redis.Client, keyPrefix string) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(cfg.Workers, cfg.BufferSize), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis queue requires a redis client")
		}
		return NewRedisQueue(rdb, keyPrefix, cfg.Workers), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
}

// shardFor maps a shard key onto one of n shards.
func shardFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key)) // nolint:errcheck
	return int(h.Sum32() % uint32(n))
}
