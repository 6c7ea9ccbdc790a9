// scheduler.go implements the Scheduler that runs signature verification and history
// retention cleanup periodically inside the worker process.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/apex-audit/apex-audit/internal/config"
	"github.com/apex-audit/apex-audit/internal/safego"
)

// Scheduler runs periodic jobs until stopped
type Scheduler struct {
	verifier        *SignatureVerifier
	cleaner         *RetentionCleaner
	verifyInterval  time.Duration
	verifyBatchSize int
	cleanupInterval time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

// NewScheduler creates a scheduler. A nil job or a non-positive interval disables that job.
func NewScheduler(verifier *SignatureVerifier, cleaner *RetentionCleaner, cfg config.JobsConfig) *Scheduler {
	return &Scheduler{
		verifier:        verifier,
		cleaner:         cleaner,
		verifyInterval:  time.Duration(cfg.VerifyIntervalHours) * time.Hour,
		verifyBatchSize: cfg.VerifyBatchSize,
		cleanupInterval: time.Duration(cfg.CleanupIntervalHours) * time.Hour,
		stopChan:        make(chan struct{}),
	}
}

// Start launches one goroutine per enabled job and returns immediately
func (s *Scheduler) Start(ctx context.Context) {
	if s.verifier != nil && s.verifyInterval > 0 {
		s.every(ctx, "signature_verifier", s.verifyInterval, func(ctx context.Context) {
			if _, err := s.verifier.Run(ctx, s.verifyBatchSize); err != nil {
				slog.Error("scheduled signature verification failed", "error", err)
			}
		})
	}
	if s.cleaner != nil && s.cleanupInterval > 0 {
		// audit records are never purged unattended; that needs the confirmation phrase
		s.every(ctx, "retention_cleaner", s.cleanupInterval, func(ctx context.Context) {
			_, err := s.cleaner.Run(ctx, CleanupOptions{HistoryOnly: true})
			if err != nil {
				slog.Error("scheduled history cleanup failed", "error", err)
			}
		})
	}
}

// Stop signals every job to exit and waits for running jobs to return
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *Scheduler) every(ctx context.Context, name string, interval time.Duration, run func(context.Context)) {
	s.wg.Add(1)
	safego.Go(name, func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		slog.Info("periodic job started", "job", name, "interval", interval)
		for {
			select {
			case <-ticker.C:
				safego.Run(name, func() { run(ctx) })
			case <-s.stopChan:
				slog.Info("periodic job stopped", "job", name)
				return
			case <-ctx.Done():
				slog.Info("periodic job context cancelled", "job", name)
				return
			}
		}
	})
}
