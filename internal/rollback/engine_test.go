package rollback

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-audit/apex-audit/internal/audit"
	"github.com/apex-audit/apex-audit/internal/db/models"
	"github.com/apex-audit/apex-audit/internal/db/repositories"
	"github.com/apex-audit/apex-audit/internal/telemetry"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeEntries struct {
	entries  map[int64]*models.HistoryEntry
	getErr   error
	lostRace bool
	marked   []int64
}

func (f *fakeEntries) GetByID(_ context.Context, id int64) (*models.HistoryEntry, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.entries[id], nil
}

func (f *fakeEntries) MarkRolledBack(_ context.Context, _ sqlx.ExtContext, id int64, by string, at time.Time) (bool, error) {
	if f.lostRace {
		return false, nil
	}
	h := f.entries[id]
	h.RolledBackAt = &at
	h.RolledBackBy = &by
	f.marked = append(f.marked, id)
	return true, nil
}

type fakeModels struct {
	rows   map[string]map[string]map[string]any
	writes int
}

func newFakeModels() *fakeModels {
	return &fakeModels{rows: map[string]map[string]map[string]any{"post": {}}}
}

func (f *fakeModels) put(modelType, id string, row map[string]any) {
	f.rows[modelType][id] = row
}

func (f *fakeModels) Find(_ context.Context, _ sqlx.ExtContext, modelType, id string) (map[string]any, error) {
	rows, ok := f.rows[modelType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repositories.ErrUnknownModel, modelType)
	}
	row, ok := rows[id]
	if !ok {
		return nil, nil
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out, nil
}

func (f *fakeModels) Update(_ context.Context, _ sqlx.ExtContext, modelType, id string, values map[string]any) error {
	row, ok := f.rows[modelType][id]
	if !ok {
		return repositories.ErrModelNotFound
	}
	for k, v := range values {
		row[k] = v
	}
	f.writes++
	return nil
}

func (f *fakeModels) Insert(_ context.Context, _ sqlx.ExtContext, modelType string, values map[string]any) error {
	f.rows[modelType][fmt.Sprint(values["id"])] = values
	f.writes++
	return nil
}

func (f *fakeModels) Delete(_ context.Context, _ sqlx.ExtContext, modelType, id string) error {
	delete(f.rows[modelType], id)
	f.writes++
	return nil
}

type fakeAuditor struct {
	policy *audit.AuditPolicy
	events []audit.RollbackEvent
	actors []audit.Actor
}

func (f *fakeAuditor) Policy() *audit.AuditPolicy { return f.policy }

func (f *fakeAuditor) LogRollback(ctx context.Context, ev audit.RollbackEvent) string {
	f.events = append(f.events, ev)
	actor, _ := audit.ActorFrom(ctx)
	f.actors = append(f.actors, actor)
	return "9f1c1d6e-0000-4000-8000-000000000001"
}

func testPolicy() *audit.AuditPolicy {
	all := []audit.ActionType{audit.ActionCreate, audit.ActionUpdate, audit.ActionDelete, audit.ActionRestore}
	return &audit.AuditPolicy{
		Enabled:         true,
		RollbackEnabled: true,
		GlobalExclude:   []string{"password"},
		Models: map[string]*audit.ModelPolicy{
			"post": {
				ModelType:           "post",
				Table:               "posts",
				AuditEvents:         all,
				AuditExclude:        []string{"view_count"},
				RollbackableActions: all,
			},
		},
	}
}

type fixture struct {
	engine  *Engine
	mock    sqlmock.Sqlmock
	entries *fakeEntries
	models  *fakeModels
	auditor *fakeAuditor
}

func newFixture(t *testing.T, entries ...*models.HistoryEntry) *fixture {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	f := &fixture{
		mock:    mock,
		entries: &fakeEntries{entries: map[int64]*models.HistoryEntry{}},
		models:  newFakeModels(),
		auditor: &fakeAuditor{policy: testPolicy()},
	}
	for _, e := range entries {
		f.entries.entries[e.ID] = e
	}
	f.engine = NewEngine(sqlx.NewDb(sqlDB, "sqlmock"), f.entries, f.models, f.auditor,
		WithClock(func() time.Time { return fixedNow }))
	return f
}

func updateEntry(id int64, data models.JSONMap) *models.HistoryEntry {
	return &models.HistoryEntry{
		ID:           id,
		ModelType:    "post",
		ModelID:      "7",
		ActionType:   "update",
		RollbackData: data,
		CanRollback:  true,
		CreatedAt:    fixedNow.Add(-time.Hour),
	}
}

var editor = audit.Actor{ID: "42", Scopes: []string{"audit:rollback"}}

func outcomeCount(label string) float64 {
	return telemetry.CounterValue(telemetry.RollbackOutcomesTotal, prometheus.Labels{"outcome": label})
}

// ---------------------------------------------------------------------------
// Successful rollbacks
// ---------------------------------------------------------------------------

func TestRollback_Update_RestoresOldValues(t *testing.T) {
	f := newFixture(t, updateEntry(1, models.JSONMap{"title": "Old title"}))
	f.models.put("post", "7", map[string]any{"id": 7, "title": "New title", "body": "text"})
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	before := outcomeCount("success")

	res, err := f.engine.Rollback(context.Background(), 1, editor)
	require.NoError(t, err)

	assert.Equal(t, "Old title", f.models.rows["post"]["7"]["title"])
	assert.Equal(t, "text", f.models.rows["post"]["7"]["body"])
	assert.Equal(t, map[string]any{"title": "New title"}, res.Before)
	assert.Equal(t, map[string]any{"title": "Old title"}, res.After)
	assert.Equal(t, audit.ActionUpdate, res.Reverted)
	assert.Equal(t, "42", res.RolledBackBy)
	assert.Equal(t, fixedNow, res.RolledBackAt)
	assert.Equal(t, []int64{1}, f.entries.marked)
	assert.True(t, f.entries.entries[1].IsRolledBack())

	require.Len(t, f.auditor.events, 1)
	ev := f.auditor.events[0]
	assert.Equal(t, int64(1), ev.HistoryID)
	assert.Equal(t, audit.ActionUpdate, ev.Reverted)
	assert.Equal(t, "New title", ev.Before["title"])
	assert.Equal(t, "42", f.auditor.actors[0].ID)
	assert.Equal(t, "9f1c1d6e-0000-4000-8000-000000000001", res.AuditUUID)

	assert.Equal(t, before+1, outcomeCount("success"))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRollback_Delete_ReinsertsRow(t *testing.T) {
	entry := updateEntry(2, models.JSONMap{"id": float64(7), "title": "Gone"})
	entry.ActionType = "delete"
	f := newFixture(t, entry)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	res, err := f.engine.Rollback(context.Background(), 2, editor)
	require.NoError(t, err)

	require.Contains(t, f.models.rows["post"], "7")
	assert.Equal(t, "Gone", f.models.rows["post"]["7"]["title"])
	assert.Nil(t, res.Before)
	assert.Equal(t, "Gone", res.After["title"])
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRollback_Create_DeletesRow(t *testing.T) {
	entry := updateEntry(3, models.JSONMap{"id": float64(7)})
	entry.ActionType = "create"
	f := newFixture(t, entry)
	f.models.put("post", "7", map[string]any{"id": 7, "title": "Fresh"})
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	res, err := f.engine.Rollback(context.Background(), 3, editor)
	require.NoError(t, err)

	assert.NotContains(t, f.models.rows["post"], "7")
	assert.Equal(t, "Fresh", res.Before["title"])
	assert.Nil(t, res.After)
}

func TestRollback_ModelScopeIsEnough(t *testing.T) {
	f := newFixture(t, updateEntry(4, models.JSONMap{"title": "Old"}))
	f.models.put("post", "7", map[string]any{"id": 7, "title": "New"})
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	_, err := f.engine.Rollback(context.Background(), 4, audit.Actor{ID: "5", Scopes: []string{"post:rollback"}})
	require.NoError(t, err)
}

func TestRollback_ModelIDFromSnapshot(t *testing.T) {
	entry := updateEntry(5, models.JSONMap{"id": float64(7), "title": "Gone"})
	entry.ActionType = "delete"
	entry.ModelID = ""
	f := newFixture(t, entry)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	res, err := f.engine.Rollback(context.Background(), 5, editor)
	require.NoError(t, err)
	assert.Equal(t, "7", res.ModelID)
}

// ---------------------------------------------------------------------------
// Preconditions checked before the transaction
// ---------------------------------------------------------------------------

func TestRollback_FunctionalityDisabled(t *testing.T) {
	f := newFixture(t, updateEntry(1, models.JSONMap{"title": "Old"}))
	f.auditor.policy.RollbackEnabled = false

	_, err := f.engine.Rollback(context.Background(), 1, editor)
	assert.ErrorIs(t, err, ErrFunctionalityDisabled)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRollback_NotFound(t *testing.T) {
	f := newFixture(t)
	before := outcomeCount("not_found")

	_, err := f.engine.Rollback(context.Background(), 99, editor)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, before+1, outcomeCount("not_found"))
}

func TestRollback_NotAllowed(t *testing.T) {
	entry := updateEntry(1, nil)
	entry.CanRollback = false
	f := newFixture(t, entry)

	_, err := f.engine.Rollback(context.Background(), 1, editor)
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestRollback_AlreadyRolledBack_LeavesStorageUnchanged(t *testing.T) {
	entry := updateEntry(1, models.JSONMap{"title": "Old"})
	at := fixedNow.Add(-time.Minute)
	by := "11"
	entry.RolledBackAt = &at
	entry.RolledBackBy = &by
	f := newFixture(t, entry)
	f.models.put("post", "7", map[string]any{"id": 7, "title": "New"})

	_, err := f.engine.Rollback(context.Background(), 1, editor)

	assert.ErrorIs(t, err, ErrAlreadyRolledBack)
	assert.Equal(t, "New", f.models.rows["post"]["7"]["title"])
	assert.Equal(t, 0, f.models.writes)
	assert.Equal(t, at, *f.entries.entries[1].RolledBackAt)
	assert.Empty(t, f.auditor.events)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRollback_PermissionDenied_LeavesStorageUnchanged(t *testing.T) {
	f := newFixture(t, updateEntry(1, models.JSONMap{"title": "Old"}))
	f.models.put("post", "7", map[string]any{"id": 7, "title": "New"})

	for _, actor := range []audit.Actor{
		{ID: "8", Scopes: []string{"audit:read"}},
		{ID: "8", Scopes: []string{"comment:rollback"}},
		{Scopes: []string{"admin"}},
	} {
		_, err := f.engine.Rollback(context.Background(), 1, actor)
		assert.ErrorIs(t, err, ErrPermissionDenied, "actor %+v", actor)
	}

	assert.Equal(t, 0, f.models.writes)
	assert.False(t, f.entries.entries[1].IsRolledBack())
	assert.Empty(t, f.auditor.events)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRollback_LoadError(t *testing.T) {
	f := newFixture(t)
	f.entries.getErr = errors.New("connection reset")

	_, err := f.engine.Rollback(context.Background(), 1, editor)
	require.Error(t, err)
	var pe *PreconditionError
	assert.False(t, errors.As(err, &pe))
}

// ---------------------------------------------------------------------------
// Preconditions checked inside the transaction
// ---------------------------------------------------------------------------

func TestRollback_ModelNotFound(t *testing.T) {
	f := newFixture(t, updateEntry(1, models.JSONMap{"title": "Old"}))
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.engine.Rollback(context.Background(), 1, editor)
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.Empty(t, f.entries.marked)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRollback_UnknownModelType(t *testing.T) {
	entry := updateEntry(1, models.JSONMap{"title": "Old"})
	entry.ModelType = "invoice"
	f := newFixture(t, entry)
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.engine.Rollback(context.Background(), 1, audit.Actor{ID: "1", Scopes: []string{"admin"}})
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.ErrorIs(t, err, repositories.ErrUnknownModel)
}

func TestRollback_RecordExists(t *testing.T) {
	entry := updateEntry(1, models.JSONMap{"id": float64(7), "title": "Gone"})
	entry.ActionType = "delete"
	f := newFixture(t, entry)
	f.models.put("post", "7", map[string]any{"id": 7, "title": "Recreated"})
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.engine.Rollback(context.Background(), 1, editor)
	assert.ErrorIs(t, err, ErrRecordExists)
	assert.Equal(t, "Recreated", f.models.rows["post"]["7"]["title"])
}

func TestRollback_FieldPermissionDenied(t *testing.T) {
	f := newFixture(t, updateEntry(1, models.JSONMap{"title": "Old", "view_count": float64(3)}))
	f.models.put("post", "7", map[string]any{"id": 7, "title": "New", "view_count": 10})
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.engine.Rollback(context.Background(), 1, editor)

	require.ErrorIs(t, err, ErrFieldPermissionDenied)
	var pe *PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "view_count", pe.Detail)
	assert.Equal(t, "New", f.models.rows["post"]["7"]["title"])
	assert.Equal(t, 0, f.models.writes)
}

func TestRollback_LostRaceRollsBackTransaction(t *testing.T) {
	f := newFixture(t, updateEntry(1, models.JSONMap{"title": "Old"}))
	f.models.put("post", "7", map[string]any{"id": 7, "title": "New"})
	f.entries.lostRace = true
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.engine.Rollback(context.Background(), 1, editor)
	assert.ErrorIs(t, err, ErrAlreadyRolledBack)
	assert.Empty(t, f.auditor.events)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Against the SQL repositories
// ---------------------------------------------------------------------------

type sqlEntries struct {
	*repositories.HistoryRepository
	entry *models.HistoryEntry
}

func (s *sqlEntries) GetByID(context.Context, int64) (*models.HistoryEntry, error) {
	return s.entry, nil
}

func newSQLEngine(t *testing.T, entry *models.HistoryEntry) (*Engine, sqlmock.Sqlmock, *fakeAuditor) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	db := sqlx.NewDb(sqlDB, "sqlmock")

	store, err := repositories.NewModelStore(map[string]repositories.ModelTable{"post": {Table: "posts"}})
	require.NoError(t, err)
	auditor := &fakeAuditor{policy: testPolicy()}
	entries := &sqlEntries{HistoryRepository: repositories.NewHistoryRepository(db), entry: entry}
	return NewEngine(db, entries, store, auditor, WithClock(func() time.Time { return fixedNow })), mock, auditor
}

func TestRollback_SQL_UpdateAndMarkInOneTransaction(t *testing.T) {
	engine, mock, auditor := newSQLEngine(t, updateEntry(1, models.JSONMap{"title": "Old"}))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "posts" WHERE "id" = \?`).
		WithArgs("7").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow(7, "New"))
	mock.ExpectExec(`UPDATE "posts" SET "title" = \? WHERE "id" = \?`).
		WithArgs("Old", "7").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE audit_histories SET rolled_back_at = \?, rolled_back_by = \?`).
		WithArgs(fixedNow, "42", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := engine.Rollback(context.Background(), 1, editor)
	require.NoError(t, err)
	assert.Len(t, auditor.events, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollback_SQL_ConcurrentMarkRollsBackUpdate(t *testing.T) {
	engine, mock, auditor := newSQLEngine(t, updateEntry(1, models.JSONMap{"title": "Old"}))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "posts"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow(7, "New"))
	mock.ExpectExec(`UPDATE "posts"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE audit_histories`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := engine.Rollback(context.Background(), 1, editor)
	assert.ErrorIs(t, err, ErrAlreadyRolledBack)
	assert.Empty(t, auditor.events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollback_SQL_RowVanishedDuringUpdate(t *testing.T) {
	engine, mock, _ := newSQLEngine(t, updateEntry(1, models.JSONMap{"title": "Old"}))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "posts"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow(7, "New"))
	mock.ExpectExec(`UPDATE "posts"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := engine.Rollback(context.Background(), 1, editor)
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// PreconditionError
// ---------------------------------------------------------------------------

func TestPreconditionError(t *testing.T) {
	cause := errors.New("boom")
	err := &PreconditionError{Reason: ErrModelNotFound, HistoryID: 3, Detail: "post #7", Err: cause}

	assert.Equal(t, "rollback of history entry 3 refused: target model record no longer exists (post #7): boom", err.Error())
	assert.Equal(t, "model_not_found", err.Code())
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNotFound)

	wrapped := fmt.Errorf("cli: %w", refuse(ErrPermissionDenied, 1, ""))
	assert.Equal(t, "permission_denied", outcome(wrapped))
	assert.Equal(t, "success", outcome(nil))
	assert.Equal(t, "error", outcome(errors.New("db down")))
}
