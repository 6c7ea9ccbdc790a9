package audit

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/apex-audit/apex-audit/internal/db/models"
)

func TestValidateRecord(t *testing.T) {
	s := testSigner(t)
	assert.NoError(t, ValidateRecord(validRecord(t, s), 128))

	tests := []struct {
		field  string
		mutate func(r *models.AuditRecord)
	}{
		{"uuid", func(r *models.AuditRecord) { r.UUID = "not-a-uuid" }},
		{"event_type", func(r *models.AuditRecord) { r.EventType = "" }},
		{"action_type", func(r *models.AuditRecord) { r.ActionType = "explode" }},
		{"new_values", func(r *models.AuditRecord) { r.NewValues = models.JSONMap{"x": math.Inf(1)} }},
		{"metadata", func(r *models.AuditRecord) { r.Metadata = models.JSONMap{"ch": make(chan int)} }},
		{"signature", func(r *models.AuditRecord) { r.Signature = "" }},
		{"signature", func(r *models.AuditRecord) { r.Signature = strings.Repeat("a", 129) }},
		{"created_at", func(r *models.AuditRecord) { r.CreatedAt = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			rec := validRecord(t, s)
			tt.mutate(rec)
			err := ValidateRecord(rec, 128)
			var verr *ValidationError
			if assert.True(t, errors.As(err, &verr), "got %v", err) {
				assert.Equal(t, tt.field, verr.Field)
			}
		})
	}

	var verr *ValidationError
	assert.True(t, errors.As(ValidateRecord(nil, 128), &verr))
}

func TestJob_ShardKey(t *testing.T) {
	assert.Equal(t, "", Job{}.ShardKey())
	assert.Equal(t, "post#42", Job{Record: &models.AuditRecord{ModelType: ptr("post"), ModelID: ptr("42")}}.ShardKey())
	assert.Equal(t, "u-1", Job{Record: &models.AuditRecord{UUID: "u-1", ModelType: ptr("post")}}.ShardKey())
}

func TestEventAndActionTypes(t *testing.T) {
	assert.True(t, EventUIAction.Valid())
	assert.False(t, EventType("nope").Valid())
	assert.True(t, ActionForceDelete.Valid())
	assert.True(t, ActionRestore.HasHistory())
	assert.False(t, ActionForceDelete.HasHistory())
	assert.False(t, ActionRetrieve.HasHistory())
}
