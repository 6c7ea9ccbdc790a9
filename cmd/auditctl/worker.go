package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/apex-audit/apex-audit/internal/audit"
	"github.com/apex-audit/apex-audit/internal/config"
	"github.com/apex-audit/apex-audit/internal/jobs"
	"github.com/apex-audit/apex-audit/internal/safego"
	"github.com/apex-audit/apex-audit/internal/telemetry"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Persist queued audit records and run the periodic jobs",
	Long: `Runs until interrupted. The worker consumes the write-back queue, ships
persisted records to the configured shippers, verifies signatures and purges
expired history entries on the jobs.* intervals, and serves Prometheus metrics
on telemetry.metrics.prometheus_port.

Edits to the config file reload the audit policy without a restart. Audit
records are never purged by the worker; use "auditctl cleanup" for that.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	reloads := make(chan *config.Config, 1)
	cfg, err := config.LoadAndWatch(cfgFile, func(next *config.Config) {
		select {
		case reloads <- next:
		default:
			slog.Warn("config reload skipped: previous reload still pending")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.startPipeline(ctx); err != nil {
		return err
	}
	telemetry.StartDBStatsCollector(ctx, a.db.DB)

	var metricsSrv *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		metricsSrv = startMetricsServer(cfg.Telemetry.Metrics.PrometheusPort)
	}

	scheduler, release, err := newScheduler(a)
	if err != nil {
		return err
	}
	defer release()
	scheduler.Start(ctx)

	slog.Info("worker started")
	for {
		select {
		case next := <-reloads:
			p, err := audit.PolicyFromConfig(next, a.predicates)
			if err != nil {
				slog.Warn("audit policy reload rejected", "error", err)
				continue
			}
			a.policy.Swap(p)
			slog.Info("audit policy reloaded", "models", len(p.Models), "enabled", p.Enabled)
		case <-ctx.Done():
			slog.Info("shutting down worker")
			scheduler.Stop()
			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
					slog.Warn("metrics server shutdown failed", "error", err)
				}
				cancel()
			}
			return nil
		}
	}
}

// newScheduler builds the periodic jobs. History cleanup only runs when a history window
// is configured.
func newScheduler(a *app) (*jobs.Scheduler, func(), error) {
	verifier := jobs.NewSignatureVerifier(a.audits, a.signer)

	var cleaner *jobs.RetentionCleaner
	release := func() {}
	if a.cfg.Retention.HistoryDays > 0 {
		opts := []jobs.CleanerOption{jobs.WithAuditTrail(a.recorder)}
		archiver, rel, err := a.newArchiver()
		if err != nil {
			return nil, nil, err
		}
		release = rel
		if archiver != nil {
			opts = append(opts, jobs.WithArchiver(archiver))
		}
		cleaner = jobs.NewRetentionCleaner(a.audits, a.histories, a.cfg.Retention, opts...)
	}
	return jobs.NewScheduler(verifier, cleaner, a.cfg.Jobs), release, nil
}

// startMetricsServer serves /metrics on a dedicated port.
func startMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	safego.Go("metrics-server", func() {
		slog.Info("starting Prometheus metrics server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	})
	return srv
}
