package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-audit/apex-audit/internal/audit"
	"github.com/apex-audit/apex-audit/internal/db/models"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type fakeScanner struct {
	records []*models.AuditRecord
	calls   []int64
	failAt  int64
}

func (f *fakeScanner) ListAfter(_ context.Context, afterID int64, limit int) ([]*models.AuditRecord, error) {
	f.calls = append(f.calls, afterID)
	if f.failAt > 0 && afterID >= f.failAt {
		return nil, errors.New("connection reset")
	}
	out := make([]*models.AuditRecord, 0, limit)
	for _, r := range f.records {
		if r.ID > afterID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func newTestSigner(t *testing.T) *audit.Signer {
	t.Helper()
	s, err := audit.NewSigner([]byte("verifier-test-key-0123456789abcdef"), 255)
	require.NoError(t, err)
	return s
}

func signedRecords(t *testing.T, s *audit.Signer, n int) []*models.AuditRecord {
	t.Helper()
	out := make([]*models.AuditRecord, n)
	for i := range out {
		modelType := "post"
		modelID := fmt.Sprint(i + 1)
		rec := &models.AuditRecord{
			ID:         int64(i + 1),
			UUID:       fmt.Sprintf("00000000-0000-4000-8000-%012d", i+1),
			EventType:  "model_crud",
			ActionType: "update",
			ModelType:  &modelType,
			ModelID:    &modelID,
			OldValues:  models.JSONMap{"title": "a"},
			NewValues:  models.JSONMap{"title": "b"},
			CreatedAt:  time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
		}
		require.NoError(t, s.SignRecord(rec))
		out[i] = rec
	}
	return out
}

// ---------------------------------------------------------------------------
// SignatureVerifier.Run
// ---------------------------------------------------------------------------

func TestSignatureVerifier_AllValid(t *testing.T) {
	signer := newTestSigner(t)
	scanner := &fakeScanner{records: signedRecords(t, signer, 7)}
	v := NewSignatureVerifier(scanner, signer)
	var progress []int
	v.OnProgress = func(n int) { progress = append(progress, n) }

	report, err := v.Run(context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, 7, report.Checked)
	assert.Equal(t, 7, report.Valid)
	assert.Zero(t, report.Invalid)
	assert.Equal(t, int64(7), report.LastID)
	assert.Equal(t, []int64{0, 3, 6}, scanner.calls, "keyset pages")
	assert.Equal(t, []int{3, 6, 7}, progress)
}

func TestSignatureVerifier_DetectsTampering(t *testing.T) {
	signer := newTestSigner(t)
	records := signedRecords(t, signer, 5)
	records[1].NewValues["title"] = "forged"
	records[3].CreatedAt = records[3].CreatedAt.Add(time.Second)

	report, err := NewSignatureVerifier(&fakeScanner{records: records}, signer).Run(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 5, report.Checked)
	assert.Equal(t, 3, report.Valid)
	assert.Equal(t, 2, report.Invalid)
	assert.Equal(t, []InvalidRecord{{ID: 2, UUID: records[1].UUID}, {ID: 4, UUID: records[3].UUID}}, report.Tampered)
	assert.Equal(t, "forged", records[1].NewValues["title"], "verification never repairs")
}

func TestSignatureVerifier_WrongKeyFlagsEverything(t *testing.T) {
	records := signedRecords(t, newTestSigner(t), 2)
	other, err := audit.NewSigner([]byte("another-key"), 255)
	require.NoError(t, err)

	report, err := NewSignatureVerifier(&fakeScanner{records: records}, other).Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Invalid)
}

func TestSignatureVerifier_EmptyTable(t *testing.T) {
	signer := newTestSigner(t)
	report, err := NewSignatureVerifier(&fakeScanner{}, signer).Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
}

func TestSignatureVerifier_StoreErrorReturnsPartialReport(t *testing.T) {
	signer := newTestSigner(t)
	scanner := &fakeScanner{records: signedRecords(t, signer, 6), failAt: 2}

	report, err := NewSignatureVerifier(scanner, signer).Run(context.Background(), 2)
	require.Error(t, err)
	assert.Equal(t, 2, report.Checked)
}

func TestSignatureVerifier_Cancelled(t *testing.T) {
	signer := newTestSigner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSignatureVerifier(&fakeScanner{records: signedRecords(t, signer, 1)}, signer).Run(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
}
