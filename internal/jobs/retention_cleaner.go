// retention_cleaner.go implements the RetentionCleaner job, which purges audit records and
// history entries older than their retention windows, optionally archiving them first.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/apex-audit/apex-audit/internal/archive"
	"github.com/apex-audit/apex-audit/internal/audit"
	"github.com/apex-audit/apex-audit/internal/config"
	"github.com/apex-audit/apex-audit/internal/db/models"
	"github.com/apex-audit/apex-audit/internal/telemetry"
)

// ConfirmationPhrase must be supplied verbatim before audit records are deleted.
const ConfirmationPhrase = "DELETE AUDIT RECORDS"

const archivePageSize = 1000

// ErrConfirmationRequired is returned when audit records would be deleted without the
// confirmation phrase.
var ErrConfirmationRequired = errors.New(`audit record deletion requires the confirmation phrase "` + ConfirmationPhrase + `"`)

// RetentionConfigurationError is returned when cleanup is requested without a usable
// retention window.
type RetentionConfigurationError struct {
	Reason string
}

func (e *RetentionConfigurationError) Error() string {
	return "retention configuration error: " + e.Reason
}

// RetentionStore is the retention view of one table.
type RetentionStore[T any] interface {
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	ListOlderThan(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]T, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, maxID int64) (int64, error)
}

// CustomAuditor records the cleanup itself as a system event.
type CustomAuditor interface {
	LogCustomAction(ctx context.Context, ev audit.CustomEvent) string
}

// CleanupOptions selects what one cleanup run does. Day counts override the configured
// windows when positive.
type CleanupOptions struct {
	AuditDays   int
	HistoryDays int
	// HistoryOnly skips audit records even when an audit window is configured.
	HistoryOnly bool
	DryRun      bool
	Confirm     string
}

// TableReport is the outcome of cleanup for one table.
type TableReport struct {
	Table   string            `json:"table"`
	Days    int               `json:"days"`
	Cutoff  time.Time         `json:"cutoff"`
	Matched int64             `json:"matched"`
	Deleted int64             `json:"deleted"`
	Archive *archive.Manifest `json:"archive,omitempty"`
}

// CleanupReport summarises one cleanup run. A nil table report means that window was
// not part of the run.
type CleanupReport struct {
	DryRun  bool         `json:"dry_run"`
	Audit   *TableReport `json:"audit,omitempty"`
	History *TableReport `json:"history,omitempty"`
}

// RetentionCleaner deletes expired audit records and history entries
type RetentionCleaner struct {
	audits    RetentionStore[*models.AuditRecord]
	histories RetentionStore[*models.HistoryEntry]
	retention config.RetentionConfig
	archiver  *archive.Archiver
	auditor   CustomAuditor
	now       func() time.Time
}

// CleanerOption configures a RetentionCleaner
type CleanerOption func(*RetentionCleaner)

// WithArchiver exports rows before they are deleted
func WithArchiver(a *archive.Archiver) CleanerOption {
	return func(c *RetentionCleaner) { c.archiver = a }
}

// WithAuditTrail records each non-dry-run cleanup as a system_event audit record
func WithAuditTrail(a CustomAuditor) CleanerOption {
	return func(c *RetentionCleaner) { c.auditor = a }
}

// WithCleanerClock sets the clock used to compute cutoffs
func WithCleanerClock(now func() time.Time) CleanerOption {
	return func(c *RetentionCleaner) { c.now = now }
}

// NewRetentionCleaner creates a cleaner for the configured retention windows
func NewRetentionCleaner(audits RetentionStore[*models.AuditRecord], histories RetentionStore[*models.HistoryEntry],
	retention config.RetentionConfig, opts ...CleanerOption) *RetentionCleaner {
	c := &RetentionCleaner{
		audits:    audits,
		histories: histories,
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run performs one cleanup. Every precondition is checked before anything is deleted: a
// missing confirmation phrase for an audit purge fails the whole run.
func (c *RetentionCleaner) Run(ctx context.Context, opts CleanupOptions) (*CleanupReport, error) {
	if opts.AuditDays < 0 || opts.HistoryDays < 0 {
		return nil, &RetentionConfigurationError{Reason: "retention days must not be negative"}
	}
	auditDays := pickDays(opts.AuditDays, c.retention.AuditDays)
	historyDays := pickDays(opts.HistoryDays, c.retention.HistoryDays)
	if opts.HistoryOnly {
		auditDays = 0
	}
	if auditDays == 0 && historyDays == 0 {
		return nil, &RetentionConfigurationError{Reason: "no retention window configured for audit records or history entries"}
	}
	if auditDays > 0 && !opts.DryRun && opts.Confirm != ConfirmationPhrase {
		return nil, ErrConfirmationRequired
	}

	start := time.Now()
	defer func() {
		telemetry.JobRunDuration.WithLabelValues("retention_cleaner").Observe(time.Since(start).Seconds())
	}()

	now := c.now().UTC()
	report := &CleanupReport{DryRun: opts.DryRun}

	if historyDays > 0 {
		tr, err := purge(ctx, c, "audit_histories", historyDays, now, opts.DryRun, c.histories,
			func(h *models.HistoryEntry) int64 { return h.ID })
		report.History = tr
		if err != nil {
			return report, err
		}
	}
	if auditDays > 0 {
		tr, err := purge(ctx, c, "audit_records", auditDays, now, opts.DryRun, c.audits,
			func(r *models.AuditRecord) int64 { return r.ID })
		report.Audit = tr
		if err != nil {
			return report, err
		}
	}

	if !opts.DryRun && c.auditor != nil {
		c.recordRun(ctx, report)
	}
	return report, nil
}

func pickDays(override, configured int) int {
	if override > 0 {
		return override
	}
	return configured
}

// purge counts, archives and deletes the expired rows of one table.
func purge[T any](ctx context.Context, c *RetentionCleaner, table string, days int, now time.Time, dryRun bool,
	store RetentionStore[T], idOf func(T) int64) (*TableReport, error) {
	cutoff := now.AddDate(0, 0, -days)
	tr := &TableReport{Table: table, Days: days, Cutoff: cutoff}

	matched, err := store.CountOlderThan(ctx, cutoff)
	if err != nil {
		return tr, err
	}
	tr.Matched = matched
	if dryRun || matched == 0 {
		slog.Info("retention cleanup", "table", table, "days", days, "cutoff", cutoff,
			"matched", matched, "dry_run", dryRun)
		return tr, nil
	}

	var maxID int64
	if c.archiver != nil {
		manifest, err := archiveRows(ctx, c.archiver, table, cutoff, store, idOf)
		if err != nil {
			return tr, fmt.Errorf("archive of %s failed, nothing deleted: %w", table, err)
		}
		if manifest == nil {
			return tr, nil
		}
		tr.Archive = manifest
		maxID = manifest.MaxID
	}

	deleted, err := store.DeleteOlderThan(ctx, cutoff, maxID)
	if err != nil {
		return tr, err
	}
	tr.Deleted = deleted
	telemetry.CleanupDeletedRowsTotal.WithLabelValues(table).Add(float64(deleted))
	slog.Info("retention cleanup", "table", table, "days", days, "cutoff", cutoff,
		"matched", matched, "deleted", deleted)
	return tr, nil
}

func archiveRows[T any](ctx context.Context, a *archive.Archiver, table string, cutoff time.Time,
	store RetentionStore[T], idOf func(T) int64) (*archive.Manifest, error) {
	batch, err := a.Begin(table)
	if err != nil {
		return nil, err
	}
	var afterID int64
	for {
		rows, err := store.ListOlderThan(ctx, cutoff, afterID, archivePageSize)
		if err != nil {
			batch.Discard()
			return nil, err
		}
		for _, row := range rows {
			id := idOf(row)
			if err := batch.Add(id, row); err != nil {
				batch.Discard()
				return nil, err
			}
			afterID = id
		}
		if len(rows) < archivePageSize {
			break
		}
	}
	return a.Commit(ctx, batch)
}

func (c *RetentionCleaner) recordRun(ctx context.Context, report *CleanupReport) {
	meta := map[string]any{"job": "retention_cleanup"}
	for _, tr := range []*TableReport{report.Audit, report.History} {
		if tr == nil {
			continue
		}
		entry := map[string]any{"days": tr.Days, "deleted": tr.Deleted}
		if tr.Archive != nil {
			entry["archive"] = tr.Archive.Path
		}
		meta[tr.Table] = entry
	}
	c.auditor.LogCustomAction(ctx, audit.CustomEvent{
		EventType: audit.EventSystem,
		Action:    audit.ActionCustom,
		Metadata:  meta,
	})
}
