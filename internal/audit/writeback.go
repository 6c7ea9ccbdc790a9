package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apex-audit/apex-audit/internal/db/models"
	"github.com/apex-audit/apex-audit/internal/db/repositories"
	"github.com/apex-audit/apex-audit/internal/safego"
	"github.com/apex-audit/apex-audit/internal/telemetry"
)

// DefaultRetryDelays is the backoff between insert attempts: three retries after the first.
var DefaultRetryDelays = []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}

// DefaultJobTimeout bounds a single insert attempt.
const DefaultJobTimeout = 30 * time.Second

// DefaultOverflowWorkers bounds the concurrent direct writes of records a queue refused.
const DefaultOverflowWorkers = 16

// fallbackNamespace derives the fallback record uuid from the original uuid, so a
// redelivered failure produces the same fallback row instead of a second one.
var fallbackNamespace = uuid.MustParse("5b0c8d1e-2f7a-4c39-9a8e-3f1d6b2c7e40")

// RecordInserter persists one audit record in a single statement. It returns
// repositories.ErrDuplicateUUID when the uuid is already stored.
type RecordInserter interface {
	Insert(ctx context.Context, rec *models.AuditRecord) error
}

// Dispatcher hands a job to a queue, optionally after delay.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job, delay time.Duration) error
}

// JobHandler executes one job on a queue worker.
type JobHandler func(ctx context.Context, job Job)

// Outcome is the terminal (or retrying) state a job reached in one Handle call.
type Outcome int

const (
	OutcomePersisted Outcome = iota
	OutcomeRetrying
	OutcomeFallbackRecorded
	OutcomeFallbackFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePersisted:
		return "persisted"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeFallbackRecorded:
		return "fallback_recorded"
	case OutcomeFallbackFailed:
		return "fallback_failed"
	}
	return "unknown"
}

// WriteBack runs the persistence state machine for queued audit records:
// validate, insert, retry transient failures on the backoff schedule, and finally
// write a signed audit_failure record when the original cannot be stored.
type WriteBack struct {
	store      RecordInserter
	signer     *Signer
	dispatcher Dispatcher
	shipper    Shipper
	delays     []time.Duration
	timeout    time.Duration
	now        func() time.Time

	overflowSlots chan struct{}
	overflowWG    sync.WaitGroup
}

// WriteBackOption configures a WriteBack
type WriteBackOption func(*WriteBack)

// WithRetryDelays replaces DefaultRetryDelays.
func WithRetryDelays(delays []time.Duration) WriteBackOption {
	return func(w *WriteBack) {
		if len(delays) > 0 {
			w.delays = delays
		}
	}
}

// WithJobTimeout replaces DefaultJobTimeout.
func WithJobTimeout(d time.Duration) WriteBackOption {
	return func(w *WriteBack) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithShipper forwards persisted records to s.
func WithShipper(s Shipper) WriteBackOption {
	return func(w *WriteBack) { w.shipper = s }
}

// WithOverflowWorkers replaces DefaultOverflowWorkers.
func WithOverflowWorkers(n int) WriteBackOption {
	return func(w *WriteBack) {
		if n > 0 {
			w.overflowSlots = make(chan struct{}, n)
		}
	}
}

// WithWriteBackClock sets the clock used for fallback record timestamps.
func WithWriteBackClock(now func() time.Time) WriteBackOption {
	return func(w *WriteBack) { w.now = now }
}

// NewWriteBack creates the write-back handler. Retries are re-dispatched through dispatcher.
func NewWriteBack(store RecordInserter, signer *Signer, dispatcher Dispatcher, opts ...WriteBackOption) *WriteBack {
	w := &WriteBack{
		store:      store,
		signer:     signer,
		dispatcher: dispatcher,
		delays:     DefaultRetryDelays,
		timeout:    DefaultJobTimeout,
		now:        time.Now,

		overflowSlots: make(chan struct{}, DefaultOverflowWorkers),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// HandleJob adapts Handle to JobHandler.
func (w *WriteBack) HandleJob(ctx context.Context, job Job) {
	w.Handle(ctx, job)
}

// Handle executes one attempt of job and reports the state it reached.
func (w *WriteBack) Handle(ctx context.Context, job Job) Outcome {
	rec := job.Record
	if err := ValidateRecord(rec, w.signer.MaxLength()); err != nil {
		telemetry.AuditValidationFailuresTotal.Inc()
		slog.Error("audit payload rejected", "uuid", recordUUID(rec), "error", err)
		return w.fallback(ctx, rec, err, job.Attempt+1)
	}

	err := w.insert(ctx, rec)
	if err == nil {
		return OutcomePersisted
	}

	transient := &TransientStorageError{Attempt: job.Attempt + 1, Err: err}
	var cause error = transient
	if job.Attempt < len(w.delays) {
		delay := w.delays[job.Attempt]
		next := Job{Record: rec, Attempt: job.Attempt + 1}
		derr := w.dispatcher.Dispatch(ctx, next, delay)
		if derr == nil {
			telemetry.AuditWriteRetriesTotal.Inc()
			slog.Warn("audit insert failed, retry scheduled",
				"uuid", rec.UUID, "attempt", job.Attempt+1, "retry_in", delay, "error", err)
			return OutcomeRetrying
		}
		slog.Error("failed to schedule audit retry", "uuid", rec.UUID, "error", derr)
		cause = errors.Join(transient, derr)
	}

	failure := &TerminalPersistenceFailure{UUID: rec.UUID, Attempts: job.Attempt + 1, Err: cause}
	slog.Error("audit record could not be persisted", "uuid", rec.UUID, "attempts", failure.Attempts, "error", err)
	return w.fallback(ctx, rec, failure, failure.Attempts)
}

// Overflow takes a record the queue refused and writes it on a background goroutine:
// one direct insert, then the fallback record if that fails. It never blocks. When every
// overflow slot is busy the record is lost and logged at EMERGENCY.
func (w *WriteBack) Overflow(ctx context.Context, rec *models.AuditRecord, cause error) {
	select {
	case w.overflowSlots <- struct{}{}:
	default:
		telemetry.AuditFallbackFailuresTotal.Inc()
		telemetry.Emergency(ctx, "audit record lost: queue refused it and every overflow slot is busy",
			"uuid", recordUUID(rec), "error", cause)
		return
	}

	w.overflowWG.Add(1)
	detached := context.WithoutCancel(ctx)
	safego.Go("audit-overflow", func() {
		defer w.overflowWG.Done()
		defer func() { <-w.overflowSlots }()
		w.writeDirect(detached, rec, cause)
	})
}

// Wait blocks until every overflow write has finished or ctx is done.
func (w *WriteBack) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.overflowWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WriteBack) writeDirect(ctx context.Context, rec *models.AuditRecord, cause error) Outcome {
	if err := ValidateRecord(rec, w.signer.MaxLength()); err != nil {
		telemetry.AuditValidationFailuresTotal.Inc()
		slog.Error("audit payload rejected", "uuid", recordUUID(rec), "error", err)
		return w.fallback(ctx, rec, err, 1)
	}
	err := w.insert(ctx, rec)
	if err == nil {
		return OutcomePersisted
	}
	failure := &TerminalPersistenceFailure{UUID: rec.UUID, Attempts: 1, Err: errors.Join(cause, err)}
	slog.Error("audit record could not be persisted", "uuid", rec.UUID, "attempts", 1, "error", err)
	return w.fallback(ctx, rec, failure, 1)
}

// insert runs one bounded insert attempt. A stored record is counted and shipped.
func (w *WriteBack) insert(ctx context.Context, rec *models.AuditRecord) error {
	attemptCtx, cancel := context.WithTimeout(ctx, w.timeout)
	start := time.Now()
	err := w.store.Insert(attemptCtx, rec)
	cancel()
	telemetry.AuditWriteDuration.Observe(time.Since(start).Seconds())

	if err != nil && !errors.Is(err, repositories.ErrDuplicateUUID) {
		return err
	}
	if err != nil {
		slog.Debug("audit record already stored, treating redelivery as success", "uuid", rec.UUID)
	}
	telemetry.AuditRecordsPersistedTotal.WithLabelValues(rec.EventType).Inc()
	w.ship(ctx, rec)
	return nil
}

// fallback writes the audit_failure record for orig. It is attempted once.
func (w *WriteBack) fallback(ctx context.Context, orig *models.AuditRecord, cause error, attempts int) Outcome {
	origUUID := recordUUID(orig)

	fb, err := w.fallbackRecord(orig, cause, attempts)
	if err == nil {
		insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
		err = w.store.Insert(insertCtx, fb)
		cancel()
		if errors.Is(err, repositories.ErrDuplicateUUID) {
			err = nil
		}
	}
	if err != nil {
		ff := &FallbackFailure{UUID: origUUID, Cause: cause, Err: err}
		telemetry.AuditFallbackFailuresTotal.Inc()
		telemetry.Emergency(ctx, "audit record lost: fallback record could not be written",
			"uuid", origUUID, "error", ff.Error())
		return OutcomeFallbackFailed
	}

	telemetry.AuditFallbackRecordsTotal.Inc()
	telemetry.AuditRecordsPersistedTotal.WithLabelValues(fb.EventType).Inc()
	slog.Warn("audit failure recorded", "uuid", origUUID, "fallback_uuid", fb.UUID)
	w.ship(ctx, fb)
	return OutcomeFallbackRecorded
}

func (w *WriteBack) fallbackRecord(orig *models.AuditRecord, cause error, attempts int) (*models.AuditRecord, error) {
	origUUID := recordUUID(orig)
	id := uuid.NewString()
	if parsed, err := uuid.Parse(origUUID); err == nil {
		id = uuid.NewSHA1(fallbackNamespace, parsed[:]).String()
	}

	meta := models.JSONMap{
		"original_uuid": origUUID,
		"reason":        cause.Error(),
		"attempts":      attempts,
	}
	fb := &models.AuditRecord{
		UUID:       id,
		EventType:  string(EventSystem),
		ActionType: string(ActionAuditFailure),
		Metadata:   meta,
		CreatedAt:  w.now().UTC().Truncate(time.Microsecond),
	}
	if orig != nil {
		meta["original_event_type"] = orig.EventType
		meta["original_action_type"] = orig.ActionType
		fb.ModelType = orig.ModelType
		fb.ModelID = orig.ModelID
		fb.UserID = orig.UserID
	}
	if err := w.signer.SignRecord(fb); err != nil {
		return nil, err
	}
	return fb, nil
}

func (w *WriteBack) ship(ctx context.Context, rec *models.AuditRecord) {
	if w.shipper == nil {
		return
	}
	if err := w.shipper.Ship(ctx, rec); err != nil {
		slog.Warn("failed to ship audit record", "uuid", rec.UUID, "error", err)
	}
}

func recordUUID(rec *models.AuditRecord) string {
	if rec == nil {
		return ""
	}
	return rec.UUID
}
