// Package models - history_entry.go defines HistoryEntry, the user-facing change log row.
// An entry is written once and mutated at most once more, when a rollback marks it terminal.
package models

import "time"

// HistoryEntry is one row of audit_histories.
type HistoryEntry struct {
	ID           int64        `db:"id" json:"id"`
	AuditUUID    *string      `db:"audit_uuid" json:"audit_uuid,omitempty"`
	ModelType    string       `db:"model_type" json:"model_type"`
	ModelID      string       `db:"model_id" json:"model_id"`
	ActionType   string       `db:"action_type" json:"action_type"`
	FieldChanges FieldChanges `db:"field_changes" json:"field_changes"`
	Description  string       `db:"description" json:"description"`
	RollbackData JSONMap      `db:"rollback_data" json:"rollback_data,omitempty"`
	CanRollback  bool         `db:"can_rollback" json:"can_rollback"`
	UserID       *string      `db:"user_id" json:"user_id,omitempty"`
	RolledBackAt *time.Time   `db:"rolled_back_at" json:"rolled_back_at,omitempty"`
	RolledBackBy *string      `db:"rolled_back_by" json:"rolled_back_by,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
}

// IsRolledBack reports whether the entry has already been reversed.
func (h *HistoryEntry) IsRolledBack() bool {
	return h.RolledBackAt != nil
}

// IsRollbackEligible reports whether the entry carries a usable reversal snapshot.
func (h *HistoryEntry) IsRollbackEligible() bool {
	return h.CanRollback && len(h.RollbackData) > 0
}
