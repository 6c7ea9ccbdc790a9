package audit

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/apex-audit/apex-audit/internal/db/models"
)

// Job is one unit of write-back work. It is JSON encoded when carried by the redis queue.
type Job struct {
	Record *models.AuditRecord `json:"record"`
	// Attempt counts previous failed inserts; 0 is the first attempt.
	Attempt int `json:"attempt"`
}

// ShardKey routes all jobs of one model instance to the same worker so their records are
// appended in the order the mutations were observed.
func (j Job) ShardKey() string {
	if j.Record == nil {
		return ""
	}
	if j.Record.ModelType != nil && j.Record.ModelID != nil {
		return *j.Record.ModelType + "#" + *j.Record.ModelID
	}
	return j.Record.UUID
}

// ValidateRecord checks a payload before any insert is attempted.
func ValidateRecord(rec *models.AuditRecord, maxSignatureLength int) error {
	if rec == nil {
		return &ValidationError{Field: "record", Reason: "missing"}
	}
	if _, err := uuid.Parse(rec.UUID); err != nil {
		return &ValidationError{Field: "uuid", Reason: fmt.Sprintf("malformed uuid %q", rec.UUID)}
	}
	if !EventType(rec.EventType).Valid() {
		return &ValidationError{Field: "event_type", Reason: fmt.Sprintf("unknown event type %q", rec.EventType)}
	}
	if !ActionType(rec.ActionType).Valid() {
		return &ValidationError{Field: "action_type", Reason: fmt.Sprintf("unknown action type %q", rec.ActionType)}
	}
	for name, m := range map[string]models.JSONMap{
		"old_values": rec.OldValues,
		"new_values": rec.NewValues,
		"metadata":   rec.Metadata,
	} {
		if _, err := json.Marshal(m); err != nil {
			return &ValidationError{Field: name, Reason: "not representable as JSON: " + err.Error()}
		}
	}
	if rec.Signature == "" {
		return &ValidationError{Field: "signature", Reason: "missing"}
	}
	if len(rec.Signature) > maxSignatureLength {
		return &ValidationError{Field: "signature", Reason: fmt.Sprintf("%d chars exceeds cap of %d", len(rec.Signature), maxSignatureLength)}
	}
	if rec.CreatedAt.IsZero() {
		return &ValidationError{Field: "created_at", Reason: "missing"}
	}
	return nil
}
