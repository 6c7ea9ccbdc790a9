// Package telemetry provides application-level observability for the audit service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// exposed by the side-channel HTTP server started by `auditctl worker`:
//
//	GET http://<host>:<APEX_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint returns data in the Prometheus text exposition
// format and is intended to be scraped every 15–60 seconds.
//
// # Metric Groups
//
//   - Audit write-back outcomes (persisted, retried, fallback, fallback failure, invalid payload)
//   - Write-back queue depth, overflow and attempt latency
//   - Shipper delivery errors
//   - Signature verification results
//   - Rollback outcomes, labelled by precondition reason
//   - Retention cleanup deletions, labelled by table
//   - Background job duration and recovered goroutine panics
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// Labels only ever carry enumerated values (event type, reason, table, job name).
// Model ids, uuids and actor ids are never used as labels.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Write-back metrics.
//
// AuditRecordsPersistedTotal counts records inserted by the write-back worker, labelled by
// event_type. Duplicate-uuid redeliveries are counted as persisted.
//
// AuditWriteRetriesTotal counts transient failures that were re-dispatched with backoff.
// AuditFallbackRecordsTotal counts fallback (audit_failure) records written after the retry
// budget was exhausted or a payload failed validation.
// AuditFallbackFailuresTotal counts cases where the fallback record could not be written
// either; every increment corresponds to an EMERGENCY log line and an audit gap.
//
// Example PromQL queries:
//   - Persist rate:               sum by (event_type) (rate(audit_records_persisted_total[5m]))
//   - Alert on audit gaps:        increase(audit_fallback_failures_total[5m]) > 0
//   - Retry ratio:                rate(audit_write_retries_total[5m]) / rate(audit_records_persisted_total[5m])
var (
	AuditRecordsPersistedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_persisted_total",
			Help: "Total number of audit records persisted by the write-back worker, by event type.",
		},
		[]string{"event_type"},
	)

	AuditWriteRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_write_retries_total",
			Help: "Total number of audit writes re-dispatched after a transient storage failure.",
		},
	)

	AuditValidationFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_validation_failures_total",
			Help: "Total number of audit payloads rejected by validation before insert.",
		},
	)

	AuditFallbackRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_fallback_records_total",
			Help: "Total number of audit_failure fallback records written.",
		},
	)

	AuditFallbackFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_fallback_failures_total",
			Help: "Total number of audit records lost because the fallback record also failed.",
		},
	)

	AuditWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_write_duration_seconds",
			Help:    "Latency of a single audit insert attempt.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
		},
	)
)

// AuditQueueDepth is a GaugeVec with label {driver} holding the number of write-back jobs
// waiting to run, including delayed retries.
//
// Example PromQL queries:
//   - Backlog alert:  audit_queue_depth > 1000
var AuditQueueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "audit_queue_depth",
		Help: "Number of audit write-back jobs waiting in the queue, by driver.",
	},
	[]string{"driver"},
)

// AuditQueueOverflowTotal counts jobs a queue refused because it was full. Each refused
// record is written directly by the write-back overflow path instead.
//
// Example PromQL queries:
//   - Alert on sustained overflow:  rate(audit_queue_overflow_total[5m]) > 0
var AuditQueueOverflowTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_queue_overflow_total",
		Help: "Total number of audit write-back jobs refused by a full queue, by driver.",
	},
	[]string{"driver"},
)

// AuditShipErrorsTotal counts failed deliveries to external shippers, by shipper type.
// Shipping is best-effort and never affects the persisted state.
var AuditShipErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_ship_errors_total",
		Help: "Total number of failed deliveries of persisted audit records to shippers.",
	},
	[]string{"shipper"},
)

// Verification metrics.
//
// SignatureVerifiedTotal counts records checked by the signature verifier, by result
// (valid or invalid). Any increase of the invalid series means stored records were altered.
//
// Example PromQL queries:
//   - Alert on tampering:  increase(audit_signature_verified_total{result="invalid"}[1d]) > 0
var SignatureVerifiedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_signature_verified_total",
		Help: "Total number of audit records checked by signature verification, by result.",
	},
	[]string{"result"},
)

// RollbackOutcomesTotal counts rollback attempts by outcome: "success" or the name of the
// failed precondition (not_found, already_rolled_back, permission_denied, ...).
var RollbackOutcomesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_rollback_outcomes_total",
		Help: "Total number of rollback attempts, by outcome.",
	},
	[]string{"outcome"},
)

// CleanupDeletedRowsTotal counts rows purged by retention cleanup, by table.
var CleanupDeletedRowsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_cleanup_deleted_rows_total",
		Help: "Total number of rows deleted by retention cleanup, by table.",
	},
	[]string{"table"},
)

// JobRunDuration is a HistogramVec with label {job} measuring one run of a periodic job.
var JobRunDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "audit_job_run_duration_seconds",
		Help:    "Duration of a single periodic job run, by job name.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	},
	[]string{"job"},
)

// GoroutinePanicsTotal counts panics recovered by safego.Go, by goroutine name.
var GoroutinePanicsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "goroutine_panics_recovered_total",
		Help: "Total number of panics recovered in background goroutines, by goroutine name.",
	},
	[]string{"name"},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-query to avoid the overhead of sql.DB.Stats().
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <APEX_DATABASE_MAX_CONNECTIONS> * 100
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits when ctx is cancelled or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := db.PingContext(ctx); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
