package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/apex-audit/apex-audit/internal/db/models"
)

// Recorder builds signed audit records for host application events and hands them to the
// write-back queue. Recording never fails the caller: problems are logged and, once the
// record is queued, surfaced as fallback records by the write-back worker.
type Recorder struct {
	policy     PolicySource
	signer     *Signer
	dispatcher Dispatcher
	predicates *PredicateRegistry
	overflow   OverflowHandler
	now        func() time.Time
	newUUID    func() string
}

// OverflowHandler receives a signed record the dispatcher refused, together with the
// dispatch error. It must not block.
type OverflowHandler func(ctx context.Context, rec *models.AuditRecord, err error)

// RecorderOption configures a Recorder
type RecorderOption func(*Recorder)

// WithPredicates sets the registry used to resolve per-field validators.
func WithPredicates(reg *PredicateRegistry) RecorderOption {
	return func(r *Recorder) { r.predicates = reg }
}

// WithOverflow sets the handler for records the dispatcher refused. Without one they are
// only logged.
func WithOverflow(h OverflowHandler) RecorderOption {
	return func(r *Recorder) { r.overflow = h }
}

// WithRecorderClock sets the clock used for created_at.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithUUIDGenerator sets the generator used for record uuids.
func WithUUIDGenerator(gen func() string) RecorderOption {
	return func(r *Recorder) { r.newUUID = gen }
}

// NewRecorder creates a recorder. policy is consulted on every call, so a PolicyHolder
// makes reloads visible without restarting.
func NewRecorder(policy PolicySource, signer *Signer, dispatcher Dispatcher, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		policy:     policy,
		signer:     signer,
		dispatcher: dispatcher,
		predicates: NewPredicateRegistry(),
		now:        time.Now,
		newUUID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the policy currently in effect.
func (r *Recorder) Policy() *AuditPolicy { return r.policy.Policy() }

// Predicates returns the validator registry.
func (r *Recorder) Predicates() *PredicateRegistry { return r.predicates }

// LogModelAction records a model lifecycle event. It returns the record uuid, or "" when
// the policy produced no record (auditing disabled, action not tracked, or an update with
// no recordable change).
func (r *Recorder) LogModelAction(ctx context.Context, ev MutationEvent) string {
	p := r.policy.Policy()
	if !p.Enabled {
		return ""
	}
	mp := p.Model(ev.ModelType)
	if !mp.Tracks(ev.Action) {
		return ""
	}

	fields := p.AuditableFields(mp, ev.Old, ev.New)
	var oldValues, newValues map[string]any
	switch ev.Action {
	case ActionUpdate:
		changes := ComputeChanges(mp, fields, ev.Old, ev.New, r.predicates)
		if len(changes) == 0 {
			slog.Debug("update produced no recordable change", "model_type", ev.ModelType, "model_id", ev.ModelID)
			return ""
		}
		oldValues, newValues = ChangeMaps(changes)
	case ActionCreate, ActionRestore:
		newValues = Snapshot(fields, ev.New)
	case ActionDelete, ActionForceDelete:
		oldValues = Snapshot(fields, ev.Old)
	case ActionRetrieve:
	default:
		oldValues, newValues = DropUnchanged(mp, Snapshot(fields, ev.Old), Snapshot(fields, ev.New))
	}

	rec := r.newRecord(ctx, p, EventModelCRUD, ev.Action, ev.ModelType, ev.ModelID, oldValues, newValues, nil)
	return r.dispatch(ctx, rec)
}

// LogCustomAction records an event outside the model lifecycle. Event and action default
// to custom. When a model type is given its field exclusions still apply.
func (r *Recorder) LogCustomAction(ctx context.Context, ev CustomEvent) string {
	p := r.policy.Policy()
	if !p.Enabled {
		return ""
	}
	eventType := ev.EventType
	if eventType == "" {
		eventType = EventCustom
	}
	action := ev.Action
	if action == "" {
		action = ActionCustom
	}
	if !eventType.Valid() || !action.Valid() {
		slog.Warn("custom audit event has unknown type", "event_type", eventType, "action_type", action)
	}

	oldValues, newValues := ev.Old, ev.New
	if ev.ModelType != "" {
		mp := p.Model(ev.ModelType)
		fields := p.AuditableFields(mp, ev.Old, ev.New)
		oldValues, newValues = DropUnchanged(mp, pick(ev.Old, fields), pick(ev.New, fields))
	}

	rec := r.newRecord(ctx, p, eventType, action, ev.ModelType, ev.ModelID, oldValues, newValues, Sanitize(ev.Metadata, p.SensitiveKeys))
	return r.dispatch(ctx, rec)
}

// LogRollback records a completed rollback as a rollback_action. It is not subject to the
// model's audit_events list.
func (r *Recorder) LogRollback(ctx context.Context, ev RollbackEvent) string {
	p := r.policy.Policy()
	if !p.Enabled {
		return ""
	}
	mp := p.Model(ev.ModelType)
	fields := p.AuditableFields(mp, ev.Before, ev.After)
	extra := map[string]any{
		"history_id":      ev.HistoryID,
		"reverted_action": string(ev.Reverted),
	}
	before, after := DropUnchanged(mp, pick(ev.Before, fields), pick(ev.After, fields))
	rec := r.newRecord(ctx, p, EventRollback, ActionRollback, ev.ModelType, ev.ModelID, before, after, extra)
	return r.dispatch(ctx, rec)
}

func (r *Recorder) newRecord(ctx context.Context, p *AuditPolicy, et EventType, at ActionType,
	modelType, modelID string, oldValues, newValues, extra map[string]any) *models.AuditRecord {
	meta := requestMetadata(ctx, p.SensitiveKeys)
	if len(extra) > 0 {
		if meta == nil {
			meta = make(map[string]any, len(extra))
		}
		for k, v := range extra {
			meta[k] = v
		}
	}
	return &models.AuditRecord{
		UUID:       r.newUUID(),
		EventType:  string(et),
		ActionType: string(at),
		ModelType:  optional(modelType),
		ModelID:    optional(modelID),
		OldValues:  toJSONMap(oldValues),
		NewValues:  toJSONMap(newValues),
		UserID:     actorIDPtr(ctx),
		Metadata:   toJSONMap(meta),
		CreatedAt:  r.now().UTC().Truncate(time.Microsecond),
	}
}

// dispatch signs rec and queues it. A signing failure still queues the record so the
// write-back validation turns it into a fallback record instead of a silent gap.
func (r *Recorder) dispatch(ctx context.Context, rec *models.AuditRecord) string {
	if err := r.signer.SignRecord(rec); err != nil {
		slog.Error("failed to sign audit record", "uuid", rec.UUID, "error", err)
	}
	if err := r.dispatcher.Dispatch(ctx, Job{Record: rec}, 0); err != nil {
		slog.Error("failed to queue audit record", "uuid", rec.UUID,
			"event_type", rec.EventType, "action_type", rec.ActionType, "error", err)
		if r.overflow != nil {
			r.overflow(ctx, rec, err)
		}
	}
	return rec.UUID
}

func pick(attrs map[string]any, fields []string) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := attrs[f]; ok {
			out[f] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func toJSONMap(m map[string]any) models.JSONMap {
	if len(m) == 0 {
		return nil
	}
	return models.JSONMap(m)
}
