// Package models - audit_record.go defines AuditRecord, the immutable signed entry written for
// every tracked action. Records are insert-only; retention cleanup is the only deletion path.
package models

import "time"

// AuditRecord is one row of audit_records.
type AuditRecord struct {
	ID         int64     `db:"id" json:"id"`
	UUID       string    `db:"uuid" json:"uuid"`
	EventType  string    `db:"event_type" json:"event_type"`
	ActionType string    `db:"action_type" json:"action_type"`
	ModelType  *string   `db:"model_type" json:"model_type,omitempty"`
	ModelID    *string   `db:"model_id" json:"model_id,omitempty"`
	OldValues  JSONMap   `db:"old_values" json:"old_values,omitempty"`
	NewValues  JSONMap   `db:"new_values" json:"new_values,omitempty"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"` // nil for system events
	Metadata   JSONMap   `db:"metadata" json:"metadata,omitempty"`
	Signature  string    `db:"signature" json:"signature"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// SignableFields returns every field covered by the record signature: all columns except
// the server-assigned id and the signature itself. Timestamps are rendered in UTC so a value
// read back from a different session time zone produces the same canonical form.
func (r *AuditRecord) SignableFields() map[string]any {
	return map[string]any{
		"uuid":        r.UUID,
		"event_type":  r.EventType,
		"action_type": r.ActionType,
		"model_type":  derefOrNil(r.ModelType),
		"model_id":    derefOrNil(r.ModelID),
		"old_values":  mapOrNil(r.OldValues),
		"new_values":  mapOrNil(r.NewValues),
		"user_id":     derefOrNil(r.UserID),
		"metadata":    mapOrNil(r.Metadata),
		"created_at":  r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func derefOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func mapOrNil(m JSONMap) any {
	if m == nil {
		return nil
	}
	return map[string]any(m)
}
