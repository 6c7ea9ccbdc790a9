package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apex-audit/apex-audit/internal/db/models"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.FixedZone("CET", 3600))

func fixedClock() time.Time { return fixedNow }

func testSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner([]byte("test-signing-key-0123456789abcdef"), 128)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s
}

func ptr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

// fakeStore records inserted records. failFor decides per record whether Insert fails.
type fakeStore struct {
	mu       sync.Mutex
	inserted []*models.AuditRecord
	attempts int
	failFor  func(rec *models.AuditRecord) error
}

func (s *fakeStore) Insert(ctx context.Context, rec *models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failFor != nil {
		if err := s.failFor(rec); err != nil {
			return err
		}
	}
	s.inserted = append(s.inserted, rec)
	return nil
}

func (s *fakeStore) records() []*models.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.AuditRecord(nil), s.inserted...)
}

type dispatched struct {
	job   Job
	delay time.Duration
}

// fakeDispatcher captures jobs instead of running them.
type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []dispatched
	err  error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, job Job, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, dispatched{job: job, delay: delay})
	return nil
}

func (d *fakeDispatcher) last(t *testing.T) dispatched {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.jobs) == 0 {
		t.Fatal("no job dispatched")
	}
	return d.jobs[len(d.jobs)-1]
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

var errStorageDown = errors.New("connection refused")

// validRecord returns a signed record that passes ValidateRecord.
func validRecord(t *testing.T, s *Signer) *models.AuditRecord {
	t.Helper()
	rec := &models.AuditRecord{
		UUID:       "6f1c3e2a-8b7d-4c5e-9f0a-1b2c3d4e5f60",
		EventType:  string(EventModelCRUD),
		ActionType: string(ActionUpdate),
		ModelType:  ptr("post"),
		ModelID:    ptr("42"),
		OldValues:  models.JSONMap{"title": "old"},
		NewValues:  models.JSONMap{"title": "new"},
		UserID:     ptr("7"),
		CreatedAt:  fixedNow.UTC().Truncate(time.Microsecond),
	}
	if err := s.SignRecord(rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}
