// Package history maintains the user-facing change log: one entry per create, update,
// delete or restore, with the snapshot needed to reverse it when policy allows.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/apex-audit/apex-audit/internal/audit"
	"github.com/apex-audit/apex-audit/internal/db/models"
)

// EntryStore persists history entries.
type EntryStore interface {
	Create(ctx context.Context, h *models.HistoryEntry) error
}

// Tracker derives history entries from model lifecycle events.
type Tracker struct {
	policy     audit.PolicySource
	store      EntryStore
	predicates *audit.PredicateRegistry
	describers *DescriberRegistry
	now        func() time.Time
}

// Option configures a Tracker
type Option func(*Tracker)

// WithPredicates sets the validator registry. Share it with the recorder so both apply
// the same field rules.
func WithPredicates(reg *audit.PredicateRegistry) Option {
	return func(t *Tracker) { t.predicates = reg }
}

// WithDescribers sets the per-model describers.
func WithDescribers(reg *DescriberRegistry) Option {
	return func(t *Tracker) { t.describers = reg }
}

// WithClock sets the clock used for created_at.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a history tracker
func NewTracker(policy audit.PolicySource, store EntryStore, opts ...Option) *Tracker {
	t := &Tracker{
		policy:     policy,
		store:      store,
		predicates: audit.NewPredicateRegistry(),
		describers: NewDescriberRegistry(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordHistory builds and stores the entry for ev. It returns nil, nil when the event
// produces no entry.
func (t *Tracker) RecordHistory(ctx context.Context, ev audit.MutationEvent, auditUUID string) (*models.HistoryEntry, error) {
	entry := t.Build(ctx, ev, auditUUID)
	if entry == nil {
		return nil, nil
	}
	if err := t.store.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record history for %s #%s: %w", ev.ModelType, ev.ModelID, err)
	}
	slog.Debug("history entry recorded", "id", entry.ID, "model_type", entry.ModelType,
		"model_id", entry.ModelID, "action", entry.ActionType, "can_rollback", entry.CanRollback)
	return entry, nil
}

// Build derives the entry for ev without storing it. It returns nil when auditing is off,
// the action is not tracked or has no history, or an update changed no history field.
func (t *Tracker) Build(ctx context.Context, ev audit.MutationEvent, auditUUID string) *models.HistoryEntry {
	p := t.policy.Policy()
	if !p.Enabled || !ev.Action.HasHistory() {
		return nil
	}
	mp := p.Model(ev.ModelType)
	if !mp.Tracks(ev.Action) {
		return nil
	}

	auditable := p.AuditableFields(mp, ev.Old, ev.New)
	fields := p.HistoryFields(mp, auditable)

	var changes models.FieldChanges
	var rollbackData map[string]any
	switch ev.Action {
	case audit.ActionUpdate:
		diff := audit.ComputeChanges(mp, fields, ev.Old, ev.New, t.predicates)
		if len(diff) == 0 {
			return nil
		}
		rollbackData = make(map[string]any, len(diff))
		for _, c := range diff {
			changes = append(changes, models.FieldChange{Field: c.Field, OldValue: c.Old, NewValue: c.New})
			rollbackData[c.Field] = c.Old
		}
	case audit.ActionCreate, audit.ActionRestore:
		changes = snapshotChanges(audit.Snapshot(fields, ev.New), fields, false)
		if pk := primaryKeyValue(mp, ev); pk != nil {
			rollbackData = map[string]any{mp.Key(): pk}
		}
	case audit.ActionDelete:
		changes = snapshotChanges(audit.Snapshot(fields, ev.Old), fields, true)
		rollbackData = deleteSnapshot(mp, auditable, ev)
	}

	entry := &models.HistoryEntry{
		ModelType:    ev.ModelType,
		ModelID:      ev.ModelID,
		ActionType:   string(ev.Action),
		FieldChanges: changes,
		CanRollback:  mp.Rollbackable(ev.Action) && len(rollbackData) > 0,
		CreatedAt:    t.now().UTC().Truncate(time.Microsecond),
	}
	if entry.CanRollback {
		entry.RollbackData = models.JSONMap(rollbackData)
	}
	if auditUUID != "" {
		entry.AuditUUID = &auditUUID
	}
	if actor, ok := audit.ActorFrom(ctx); ok {
		id := actor.ID
		entry.UserID = &id
	}

	if d, ok := t.describers.Lookup(ev.ModelType); ok {
		entry.Description = d.Describe(entry, ev)
	} else {
		entry.Description = DefaultDescription(mp.DisplayLabel(), entry)
	}
	return entry
}

// snapshotChanges lists snapshot values as changes from (or to, when removed) null, in
// the order of fields.
func snapshotChanges(snapshot map[string]any, fields []string, removed bool) models.FieldChanges {
	if len(snapshot) == 0 {
		return nil
	}
	out := make(models.FieldChanges, 0, len(snapshot))
	for _, f := range fields {
		v, ok := snapshot[f]
		if !ok {
			continue
		}
		if removed {
			out = append(out, models.FieldChange{Field: f, OldValue: v})
		} else {
			out = append(out, models.FieldChange{Field: f, NewValue: v})
		}
	}
	return out
}

// deleteSnapshot is every auditable pre-delete attribute plus the primary key, which is
// what re-inserting the row needs.
func deleteSnapshot(mp *audit.ModelPolicy, auditable []string, ev audit.MutationEvent) map[string]any {
	if len(ev.Old) == 0 {
		return nil
	}
	out := make(map[string]any, len(auditable)+1)
	for _, f := range auditable {
		if v, ok := ev.Old[f]; ok {
			out[f] = v
		}
	}
	if pk := primaryKeyValue(mp, ev); pk != nil {
		out[mp.Key()] = pk
	}
	return out
}

func primaryKeyValue(mp *audit.ModelPolicy, ev audit.MutationEvent) any {
	for _, attrs := range []map[string]any{ev.New, ev.Old} {
		if v, ok := attrs[mp.Key()]; ok && v != nil {
			return v
		}
	}
	if ev.ModelID == "" {
		return nil
	}
	return ev.ModelID
}
