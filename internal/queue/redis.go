package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/apex-audit/apex-audit/internal/audit"
	"github.com/apex-audit/apex-audit/internal/safego"
	"github.com/apex-audit/apex-audit/internal/telemetry"
)

const (
	redisDriver       = "redis"
	redisBlockTimeout = time.Second
	redisPollInterval = 250 * time.Millisecond
	redisPromoteBatch = 100
)

// promoteScript moves due members of the delayed set onto their shard's ready list.
// Members are "<shard>|<payload>". Running it as one script keeps a job from being both
// removed and lost, or promoted twice by concurrent pollers.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(due) do
  redis.call('ZREM', KEYS[1], m)
  local sep = string.find(m, '|', 1, true)
  redis.call('LPUSH', ARGV[3] .. string.sub(m, 1, sep - 1), string.sub(m, sep + 1))
end
return #due
`)

// RedisQueue keeps jobs in redis: a ready list per shard consumed with BRPOP and one
// sorted set, scored by due time, for delayed retries.
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
	shards int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisQueue creates a redis-backed queue with the given number of shards.
func NewRedisQueue(rdb *redis.Client, keyPrefix string, shards int) *RedisQueue {
	if shards < 1 {
		shards = 1
	}
	return &RedisQueue{rdb: rdb, prefix: keyPrefix, shards: shards}
}

func (q *RedisQueue) readyPrefix() string { return q.prefix + "audit:queue:ready:" }

func (q *RedisQueue) readyKey(shard int) string { return q.readyPrefix() + strconv.Itoa(shard) }

func (q *RedisQueue) delayedKey() string { return q.prefix + "audit:queue:delayed" }

// dispatchTimeout bounds one push from the recording caller.
const dispatchTimeout = time.Second

// Dispatch pushes job onto its shard, or onto the delayed set when delay > 0. A push
// that does not finish within dispatchTimeout fails.
func (q *RedisQueue) Dispatch(ctx context.Context, job audit.Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode audit job: %w", err)
	}
	shard := shardFor(job.ShardKey(), q.shards)
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	if delay <= 0 {
		if err := q.rdb.LPush(ctx, q.readyKey(shard), payload).Err(); err != nil {
			return fmt.Errorf("failed to enqueue audit job: %w", err)
		}
		return nil
	}

	due := time.Now().Add(delay).UnixMilli()
	member := strconv.Itoa(shard) + "|" + string(payload)
	if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due), Member: member}).Err(); err != nil {
		return fmt.Errorf("failed to schedule audit job: %w", err)
	}
	return nil
}

// Start launches one consumer per shard plus the delayed-job poller.
func (q *RedisQueue) Start(ctx context.Context, handler audit.JobHandler) {
	loopCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for shard := 0; shard < q.shards; shard++ {
		q.wg.Add(1)
		safego.Go("audit-redis-consumer", func() {
			defer q.wg.Done()
			q.consume(loopCtx, ctx, shard, handler)
		})
	}

	q.wg.Add(1)
	safego.Go("audit-redis-poller", func() {
		defer q.wg.Done()
		q.poll(loopCtx)
	})
}

// Stop ends the consume loops after their current job and waits until ctx is done.
// Queued jobs stay in redis for the next worker.
func (q *RedisQueue) Stop(ctx context.Context) error {
	if q.cancel == nil {
		return nil
	}
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PromoteDue moves delayed jobs whose due time has passed onto their ready lists.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb, []string{q.delayedKey()},
		now.UnixMilli(), redisPromoteBatch, q.readyPrefix()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed audit jobs: %w", err)
	}
	return n, nil
}

// Depth returns the number of ready and delayed jobs.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.rdb.Pipeline()
	lens := make([]*redis.IntCmd, q.shards)
	for i := range lens {
		lens[i] = pipe.LLen(ctx, q.readyKey(i))
	}
	delayed := pipe.ZCard(ctx, q.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	total := delayed.Val()
	for _, c := range lens {
		total += c.Val()
	}
	return total, nil
}

// consume blocks on one shard. loopCtx stops the loop; jobCtx is handed to the handler
// so an in-flight insert is not cut short by Stop.
func (q *RedisQueue) consume(loopCtx, jobCtx context.Context, shard int, handler audit.JobHandler) {
	key := q.readyKey(shard)
	for loopCtx.Err() == nil {
		res, err := q.rdb.BRPop(loopCtx, redisBlockTimeout, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if loopCtx.Err() != nil {
				return
			}
			slog.Warn("audit queue read failed", "shard", shard, "error", err)
			select {
			case <-loopCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var job audit.Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			slog.Error("dropping undecodable audit job", "shard", shard, "error", err)
			continue
		}
		safego.Run("audit-writeback", func() { handler(jobCtx, job) })
	}
}

func (q *RedisQueue) poll(ctx context.Context) {
	ticker := time.NewTicker(redisPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := q.PromoteDue(ctx, now); err != nil && ctx.Err() == nil {
				slog.Warn("delayed audit job promotion failed", "error", err)
			}
			if depth, err := q.Depth(ctx); err == nil {
				telemetry.AuditQueueDepth.WithLabelValues(redisDriver).Set(float64(depth))
			}
		}
	}
}
