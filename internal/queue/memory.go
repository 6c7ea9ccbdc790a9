package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex-audit/apex-audit/internal/audit"
	"github.com/apex-audit/apex-audit/internal/safego"
	"github.com/apex-audit/apex-audit/internal/telemetry"
)

const memoryDriver = "memory"

// idlePollInterval is how often Stop checks whether the queue has drained.
const idlePollInterval = 10 * time.Millisecond

// MemoryQueue is an in-process queue: one bounded channel and one worker per shard.
// Delayed jobs wait on timers. Jobs are lost if the process dies.
type MemoryQueue struct {
	shards  []chan audit.Job
	quit    chan struct{}
	handler audit.JobHandler
	ctx     context.Context

	mu       sync.Mutex
	draining bool // Stop has begun; only retries of running jobs are accepted
	stopped  bool
	timers   map[*time.Timer]audit.Job
	wg       sync.WaitGroup
	pending  atomic.Int64
}

// NewMemoryQueue creates a queue with workers shards, each buffering bufferSize jobs.
func NewMemoryQueue(workers, bufferSize int) *MemoryQueue {
	if workers < 1 {
		workers = 1
	}
	if bufferSize < 1 {
		bufferSize = 1
	}
	q := &MemoryQueue{
		shards: make([]chan audit.Job, workers),
		quit:   make(chan struct{}),
		timers: make(map[*time.Timer]audit.Job),
		ctx:    context.Background(),
	}
	for i := range q.shards {
		q.shards[i] = make(chan audit.Job, bufferSize)
	}
	return q
}

// Start launches one worker per shard.
func (q *MemoryQueue) Start(ctx context.Context, handler audit.JobHandler) {
	q.mu.Lock()
	q.handler = handler
	q.ctx = ctx
	q.mu.Unlock()

	for _, ch := range q.shards {
		q.wg.Add(1)
		safego.Go("audit-queue-worker", func() { q.worker(ch) })
	}
}

// Dispatch enqueues job, after delay when delay > 0. It never blocks: when the shard
// is full it returns audit.ErrQueueFull. Once Stop has begun only delayed retries
// (Attempt > 0) are accepted, so a failing insert keeps its backoff during the drain.
func (q *MemoryQueue) Dispatch(_ context.Context, job audit.Job, delay time.Duration) error {
	q.mu.Lock()
	retry := delay > 0 && job.Attempt > 0
	if q.stopped || (q.draining && !retry) {
		q.mu.Unlock()
		return audit.ErrQueueClosed
	}
	if delay > 0 {
		var t *time.Timer
		t = time.AfterFunc(delay, func() { q.fire(t) })
		q.timers[t] = job
		q.track(1)
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	ch := q.shards[shardFor(job.ShardKey(), len(q.shards))]
	q.track(1)
	select {
	case ch <- job:
		return nil
	default:
		q.track(-1)
		telemetry.AuditQueueOverflowTotal.WithLabelValues(memoryDriver).Inc()
		return audit.ErrQueueFull
	}
}

// Pending reports queued, running and delayed jobs.
func (q *MemoryQueue) Pending() int {
	return int(q.pending.Load())
}

// Stop refuses new jobs and waits until queued jobs, running jobs and their delayed
// retries have finished; each retry still waits out its own delay. If ctx ends first,
// retries that are still waiting run at once and ctx.Err() is returned.
func (q *MemoryQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	started := q.handler != nil
	q.mu.Unlock()

	var err error
	if started {
		err = q.waitIdle(ctx)
	}
	if err != nil || !started {
		q.releaseDelayed()
	}

	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	close(q.quit)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// jobs that raced the shutdown signal into a buffer
	for _, ch := range q.shards {
		q.drain(ch)
	}
	return err
}

func (q *MemoryQueue) waitIdle(ctx context.Context) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for q.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// releaseDelayed hands every waiting retry to its worker now. Timers that already
// fired stay in the map for fire to pick up.
func (q *MemoryQueue) releaseDelayed() {
	q.mu.Lock()
	var released []audit.Job
	for t, job := range q.timers {
		if t.Stop() {
			released = append(released, job)
			delete(q.timers, t)
		}
	}
	q.mu.Unlock()

	for _, job := range released {
		slog.Warn("shutdown deadline reached, running delayed audit retry early",
			"shard_key", job.ShardKey(), "attempt", job.Attempt)
		ch := q.shards[shardFor(job.ShardKey(), len(q.shards))]
		select {
		case ch <- job:
		default:
			q.run(job)
		}
	}
}

func (q *MemoryQueue) fire(t *time.Timer) {
	q.mu.Lock()
	job, ok := q.timers[t]
	delete(q.timers, t)
	stopped := q.stopped
	q.mu.Unlock()
	if !ok {
		return
	}
	if stopped {
		q.run(job)
		return
	}
	ch := q.shards[shardFor(job.ShardKey(), len(q.shards))]
	select {
	case ch <- job:
	case <-q.quit:
		q.run(job)
	}
}

func (q *MemoryQueue) worker(ch chan audit.Job) {
	defer q.wg.Done()
	for {
		select {
		case job := <-ch:
			q.run(job)
		case <-q.quit:
			q.drain(ch)
			return
		}
	}
}

func (q *MemoryQueue) drain(ch chan audit.Job) {
	for {
		select {
		case job := <-ch:
			q.run(job)
		default:
			return
		}
	}
}

func (q *MemoryQueue) run(job audit.Job) {
	defer q.track(-1)
	q.mu.Lock()
	handler, ctx := q.handler, q.ctx
	q.mu.Unlock()
	if handler == nil {
		return
	}
	safego.Run("audit-writeback", func() { handler(ctx, job) })
}

func (q *MemoryQueue) track(delta int64) {
	q.pending.Add(delta)
	telemetry.AuditQueueDepth.WithLabelValues(memoryDriver).Add(float64(delta))
}
