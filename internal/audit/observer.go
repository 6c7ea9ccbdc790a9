package audit

import (
	"context"
	"log/slog"

	"github.com/apex-audit/apex-audit/internal/db/models"
	"github.com/apex-audit/apex-audit/internal/safego"
)

// HistoryRecorder writes the user-facing history entry for a model mutation.
// auditUUID links the entry to its audit record and is "" when none was produced.
type HistoryRecorder interface {
	RecordHistory(ctx context.Context, ev MutationEvent, auditUUID string) (*models.HistoryEntry, error)
}

// Observer is the single entry point host applications call from their model lifecycle
// hooks. It records the audit entry and, for create/update/delete/restore, the history entry.
// Observe never returns an error and never panics into the caller.
type Observer struct {
	recorder *Recorder
	history  HistoryRecorder
}

// NewObserver wires a recorder and an optional history recorder.
func NewObserver(recorder *Recorder, history HistoryRecorder) *Observer {
	return &Observer{recorder: recorder, history: history}
}

// Observe handles one lifecycle event and returns the audit record uuid ("" if none).
func (o *Observer) Observe(ctx context.Context, ev MutationEvent) string {
	var auditUUID string
	safego.Run("audit-record", func() {
		auditUUID = o.recorder.LogModelAction(ctx, ev)
	})

	if o.history == nil || !ev.Action.HasHistory() {
		return auditUUID
	}
	safego.Run("history-record", func() {
		if _, err := o.history.RecordHistory(ctx, ev, auditUUID); err != nil {
			slog.Error("failed to record history",
				"model_type", ev.ModelType, "model_id", ev.ModelID, "action", ev.Action, "error", err)
		}
	})
	return auditUUID
}
