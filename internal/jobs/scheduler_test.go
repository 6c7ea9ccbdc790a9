package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex-audit/apex-audit/internal/config"
)

func TestNewScheduler_Intervals(t *testing.T) {
	s := NewScheduler(nil, nil, config.JobsConfig{VerifyIntervalHours: 24, CleanupIntervalHours: 6, VerifyBatchSize: 100})
	if s.verifyInterval != 24*time.Hour || s.cleanupInterval != 6*time.Hour || s.verifyBatchSize != 100 {
		t.Errorf("unexpected scheduler settings: %+v", s)
	}
}

func TestScheduler_StartStopWithoutJobs(t *testing.T) {
	s := NewScheduler(nil, nil, config.JobsConfig{VerifyIntervalHours: 1})
	s.Start(context.Background())
	s.Stop()
	s.Stop() // idempotent
}

func TestScheduler_EveryRunsUntilStopped(t *testing.T) {
	s := NewScheduler(nil, nil, config.JobsConfig{})
	var runs atomic.Int32
	s.every(context.Background(), "test", 5*time.Millisecond, func(context.Context) { runs.Add(1) })

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	if runs.Load() < 2 {
		t.Fatalf("job ran %d times, want at least 2", runs.Load())
	}

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != after {
		t.Error("job kept running after Stop")
	}
}

func TestScheduler_PanickingJobKeepsTicking(t *testing.T) {
	s := NewScheduler(nil, nil, config.JobsConfig{})
	var runs atomic.Int32
	s.every(context.Background(), "panicky", 5*time.Millisecond, func(context.Context) {
		runs.Add(1)
		panic("boom")
	})

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	if runs.Load() < 2 {
		t.Fatalf("job ran %d times after panicking, want at least 2", runs.Load())
	}
}

func TestScheduler_ContextCancelStopsJobs(t *testing.T) {
	s := NewScheduler(nil, nil, config.JobsConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	s.every(ctx, "test", time.Hour, func(context.Context) {})
	cancel()

	done := make(chan struct{})
	go func() { s.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after context cancel")
	}
}
