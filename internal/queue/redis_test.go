package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/apex-audit/apex-audit/internal/audit"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

// ---------------------------------------------------------------------------
// RedisQueue
// ---------------------------------------------------------------------------

func TestRedisQueue_DispatchImmediate(t *testing.T) {
	_, rdb := newTestRedis(t)
	q := NewRedisQueue(rdb, "test:", 4)
	ctx := context.Background()

	job := jobFor("post", "9", 0)
	if err := q.Dispatch(ctx, job, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	shard := shardFor(job.ShardKey(), 4)
	n, err := rdb.LLen(ctx, q.readyKey(shard)).Result()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("ready list length = %d, want 1", n)
	}
}

func TestRedisQueue_DelayedPromotion(t *testing.T) {
	_, rdb := newTestRedis(t)
	q := NewRedisQueue(rdb, "test:", 2)
	ctx := context.Background()

	if err := q.Dispatch(ctx, jobFor("post", "1", 1), 4*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Errorf("Depth() = %d, want 1", depth)
	}

	n, err := q.PromoteDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("PromoteDue before due time moved %d jobs, want 0", n)
	}

	n, err = q.PromoteDue(ctx, time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("PromoteDue after due time moved %d jobs, want 1", n)
	}
	if card, _ := rdb.ZCard(ctx, "test:audit:queue:delayed").Result(); card != 0 {
		t.Errorf("delayed set size = %d after promotion, want 0", card)
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Errorf("Depth() after promotion = %d, want 1", depth)
	}
}

func TestRedisQueue_ConsumesJobs(t *testing.T) {
	_, rdb := newTestRedis(t)
	q := NewRedisQueue(rdb, "test:", 2)
	c := newCollector()
	q.Start(context.Background(), c.handle)
	defer q.Stop(context.Background())

	want := jobFor("post", "5", 0)
	want.Record.Metadata = map[string]any{"ip": "10.0.0.1"}
	if err := q.Dispatch(context.Background(), want, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := c.wait(t, 1)[0]
	if got.Record == nil || got.Record.UUID != want.Record.UUID {
		t.Fatalf("consumed job = %+v, want uuid %s", got.Record, want.Record.UUID)
	}
	if got.Record.Metadata["ip"] != "10.0.0.1" {
		t.Errorf("metadata = %v, want ip preserved", got.Record.Metadata)
	}
}

func TestRedisQueue_ConsumesPromotedRetry(t *testing.T) {
	_, rdb := newTestRedis(t)
	q := NewRedisQueue(rdb, "test:", 1)
	c := newCollector()
	q.Start(context.Background(), c.handle)
	defer q.Stop(context.Background())

	if err := q.Dispatch(context.Background(), jobFor("post", "5", 3), 10*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.wait(t, 1)[0]; got.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", got.Attempt)
	}
}

func TestRedisQueue_StopWithoutStart(t *testing.T) {
	_, rdb := newTestRedis(t)
	q := NewRedisQueue(rdb, "", 1)
	if err := q.Stop(context.Background()); err != nil {
		t.Errorf("Stop() = %v, want nil", err)
	}
}

var _ Queue = (*RedisQueue)(nil)
var _ Queue = (*MemoryQueue)(nil)
var _ audit.Dispatcher = (*MemoryQueue)(nil)
