// Package rollback reverses a recorded change. A rollback is refused with a named reason
// unless every precondition holds, and succeeds only as a single transaction that applies
// the reversal to the live row and marks the history entry as rolled back.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/apex-audit/apex-audit/internal/audit"
	"github.com/apex-audit/apex-audit/internal/auth"
	"github.com/apex-audit/apex-audit/internal/db"
	"github.com/apex-audit/apex-audit/internal/db/models"
	"github.com/apex-audit/apex-audit/internal/db/repositories"
	"github.com/apex-audit/apex-audit/internal/telemetry"
)

// EntryStore loads history entries and performs their terminal transition.
type EntryStore interface {
	GetByID(ctx context.Context, id int64) (*models.HistoryEntry, error)
	MarkRolledBack(ctx context.Context, ext sqlx.ExtContext, id int64, by string, at time.Time) (bool, error)
}

// ModelStore reads and writes the live rows that history entries describe.
type ModelStore interface {
	Find(ctx context.Context, ext sqlx.ExtContext, modelType, id string) (map[string]any, error)
	Update(ctx context.Context, ext sqlx.ExtContext, modelType, id string, values map[string]any) error
	Insert(ctx context.Context, ext sqlx.ExtContext, modelType string, values map[string]any) error
	Delete(ctx context.Context, ext sqlx.ExtContext, modelType, id string) error
}

// Authorizer decides whether actor may roll back entries of modelType.
type Authorizer interface {
	CanRollback(actor audit.Actor, modelType string) bool
}

// Auditor records completed rollbacks and supplies the current audit policy.
type Auditor interface {
	Policy() *audit.AuditPolicy
	LogRollback(ctx context.Context, ev audit.RollbackEvent) string
}

// Result describes a completed rollback.
type Result struct {
	HistoryID    int64            `json:"history_id"`
	ModelType    string           `json:"model_type"`
	ModelID      string           `json:"model_id"`
	Reverted     audit.ActionType `json:"reverted_action"`
	Before       map[string]any   `json:"before,omitempty"`
	After        map[string]any   `json:"after,omitempty"`
	RolledBackAt time.Time        `json:"rolled_back_at"`
	RolledBackBy string           `json:"rolled_back_by"`
	AuditUUID    string           `json:"audit_uuid,omitempty"`
}

// Engine performs rollbacks of history entries.
type Engine struct {
	db      *sqlx.DB
	entries EntryStore
	store   ModelStore
	auditor Auditor
	authz   Authorizer
	now     func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithAuthorizer replaces the scope-based authorizer.
func WithAuthorizer(a Authorizer) Option {
	return func(e *Engine) { e.authz = a }
}

// WithClock sets the clock used for rolled_back_at.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a rollback engine. Rollbacks are authorised by actor scopes unless
// WithAuthorizer says otherwise.
func NewEngine(sqlDB *sqlx.DB, entries EntryStore, store ModelStore, auditor Auditor, opts ...Option) *Engine {
	e := &Engine{
		db:      sqlDB,
		entries: entries,
		store:   store,
		auditor: auditor,
		authz:   auth.ScopeAuthorizer{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rollback reverses history entry historyID on behalf of actor. Refusals are returned as
// *PreconditionError; storage failures are returned wrapped. Nothing is written unless
// the whole rollback succeeds.
func (e *Engine) Rollback(ctx context.Context, historyID int64, actor audit.Actor) (res *Result, err error) {
	defer func() {
		telemetry.RollbackOutcomesTotal.WithLabelValues(outcome(err)).Inc()
		if err != nil {
			slog.Warn("rollback failed", "history_id", historyID, "actor", actor.ID, "error", err)
		}
	}()

	p := e.auditor.Policy()
	if !p.RollbackEnabled {
		return nil, refuse(ErrFunctionalityDisabled, historyID, "")
	}

	entry, err := e.entries.GetByID(ctx, historyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history entry %d: %w", historyID, err)
	}
	if entry == nil {
		return nil, refuse(ErrNotFound, historyID, "")
	}
	if !entry.IsRollbackEligible() {
		return nil, refuse(ErrNotAllowed, historyID, entry.ActionType)
	}
	if entry.IsRolledBack() {
		return nil, refuse(ErrAlreadyRolledBack, historyID, "")
	}
	if actor.ID == "" || !e.authz.CanRollback(actor, entry.ModelType) {
		return nil, refuse(ErrPermissionDenied, historyID, entry.ModelType)
	}

	mp := p.Model(entry.ModelType)
	pk := mp.Key()
	action := audit.ActionType(entry.ActionType)
	modelID := entry.ModelID
	if v, ok := entry.RollbackData[pk]; ok && modelID == "" {
		modelID = fmt.Sprint(v)
	}

	res = &Result{
		HistoryID:    historyID,
		ModelType:    entry.ModelType,
		ModelID:      modelID,
		Reverted:     action,
		RolledBackAt: e.now().UTC().Truncate(time.Microsecond),
		RolledBackBy: actor.ID,
	}

	err = db.WithTx(ctx, e.db, func(tx *sqlx.Tx) error {
		current, err := e.store.Find(ctx, tx, entry.ModelType, modelID)
		if errors.Is(err, repositories.ErrUnknownModel) {
			return &PreconditionError{Reason: ErrModelNotFound, HistoryID: historyID, Err: err}
		}
		if err != nil {
			return err
		}

		switch action {
		case audit.ActionUpdate, audit.ActionCreate, audit.ActionRestore:
			if current == nil {
				return refuse(ErrModelNotFound, historyID, entry.ModelType+" #"+modelID)
			}
		case audit.ActionDelete:
			if current != nil {
				return refuse(ErrRecordExists, historyID, entry.ModelType+" #"+modelID)
			}
		default:
			return refuse(ErrNotAllowed, historyID, entry.ActionType)
		}

		values := restorableValues(entry.RollbackData, pk)
		for _, field := range sortedKeys(values) {
			if !p.IsAuditable(mp, field) {
				return refuse(ErrFieldPermissionDenied, historyID, field)
			}
		}

		if err := e.apply(ctx, tx, entry, action, modelID, current, values, res); err != nil {
			if errors.Is(err, repositories.ErrModelNotFound) {
				return &PreconditionError{Reason: ErrModelNotFound, HistoryID: historyID, Err: err}
			}
			return err
		}

		marked, err := e.entries.MarkRolledBack(ctx, tx, historyID, actor.ID, res.RolledBackAt)
		if err != nil {
			return err
		}
		if !marked {
			return refuse(ErrAlreadyRolledBack, historyID, "concurrent rollback")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.AuditUUID = e.auditor.LogRollback(audit.WithActor(ctx, actor), audit.RollbackEvent{
		HistoryID: historyID,
		ModelType: entry.ModelType,
		ModelID:   modelID,
		Reverted:  action,
		Before:    res.Before,
		After:     res.After,
	})
	slog.Info("rollback applied", "history_id", historyID, "model_type", entry.ModelType,
		"model_id", modelID, "reverted_action", action, "actor", actor.ID, "audit_uuid", res.AuditUUID)
	return res, nil
}

// apply writes the reversal of action and fills res.Before and res.After.
func (e *Engine) apply(ctx context.Context, tx sqlx.ExtContext, entry *models.HistoryEntry, action audit.ActionType,
	modelID string, current, values map[string]any, res *Result) error {
	switch action {
	case audit.ActionUpdate:
		res.Before = make(map[string]any, len(values))
		for k := range values {
			res.Before[k] = current[k]
		}
		res.After = values
		return e.store.Update(ctx, tx, entry.ModelType, modelID, values)
	case audit.ActionDelete:
		res.After = map[string]any(entry.RollbackData)
		return e.store.Insert(ctx, tx, entry.ModelType, res.After)
	default:
		// create and restore are reversed by deleting the row again
		res.Before = current
		return e.store.Delete(ctx, tx, entry.ModelType, modelID)
	}
}

// restorableValues is the rollback snapshot without the primary key.
func restorableValues(data models.JSONMap, pk string) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if k != pk {
			out[k] = v
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
