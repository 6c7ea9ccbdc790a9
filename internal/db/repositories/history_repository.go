// history_repository.go implements HistoryRepository, the store for user-facing change
// history entries and their single rollback transition.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/apex-audit/apex-audit/internal/db/models"
)

const historyColumns = `id, audit_uuid, model_type, model_id, action_type, field_changes,
	description, rollback_data, can_rollback, user_id, rolled_back_at, rolled_back_by, created_at`

// HistoryRepository handles history entry database operations
type HistoryRepository struct {
	db *sqlx.DB
}

// NewHistoryRepository creates a new HistoryRepository
func NewHistoryRepository(db *sqlx.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Create inserts a history entry and sets h.ID
func (r *HistoryRepository) Create(ctx context.Context, h *models.HistoryEntry) error {
	if !h.CanRollback && h.RollbackData != nil {
		return fmt.Errorf("history entry without rollback eligibility must not carry rollback data")
	}

	query := r.db.Rebind(`
		INSERT INTO audit_histories (audit_uuid, model_type, model_id, action_type, field_changes,
			description, rollback_data, can_rollback, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	err := r.db.QueryRowxContext(ctx, query,
		h.AuditUUID,
		h.ModelType,
		h.ModelID,
		h.ActionType,
		h.FieldChanges,
		h.Description,
		h.RollbackData,
		h.CanRollback,
		h.UserID,
		h.CreatedAt,
	).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

// GetByID retrieves a history entry. It returns nil, nil when the entry does not exist.
func (r *HistoryRepository) GetByID(ctx context.Context, id int64) (*models.HistoryEntry, error) {
	var h models.HistoryEntry
	query := r.db.Rebind(`SELECT ` + historyColumns + ` FROM audit_histories WHERE id = ?`)
	err := r.db.GetContext(ctx, &h, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// ListForModel returns the most recent history entries of one model instance, newest first
func (r *HistoryRepository) ListForModel(ctx context.Context, modelType, modelID string, limit int) ([]*models.HistoryEntry, error) {
	entries := make([]*models.HistoryEntry, 0)
	query := r.db.Rebind(`SELECT ` + historyColumns + ` FROM audit_histories
		WHERE model_type = ? AND model_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`)
	if err := r.db.SelectContext(ctx, &entries, query, modelType, modelID, limit); err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return entries, nil
}

// MarkRolledBack sets the rollback fields of entry id if they are still unset. It reports
// false when the entry had already been rolled back (or does not exist), so concurrent
// rollbacks of the same entry cannot both succeed. ext is normally the rollback transaction.
func (r *HistoryRepository) MarkRolledBack(ctx context.Context, ext sqlx.ExtContext, id int64, by string, at time.Time) (bool, error) {
	query := ext.Rebind(`UPDATE audit_histories SET rolled_back_at = ?, rolled_back_by = ?
		WHERE id = ? AND rolled_back_at IS NULL`)
	res, err := ext.ExecContext(ctx, query, at, by, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark history entry rolled back: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountOlderThan counts entries created before cutoff
func (r *HistoryRepository) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return countOlderThan(ctx, r.db, "audit_histories", cutoff)
}

// ListOlderThan pages through entries created before cutoff, in id order
func (r *HistoryRepository) ListOlderThan(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]*models.HistoryEntry, error) {
	entries := make([]*models.HistoryEntry, 0, limit)
	query := r.db.Rebind(`SELECT ` + historyColumns +
		` FROM audit_histories WHERE created_at < ? AND id > ? ORDER BY id LIMIT ?`)
	if err := r.db.SelectContext(ctx, &entries, query, cutoff, afterID, limit); err != nil {
		return nil, fmt.Errorf("failed to list expired history entries: %w", err)
	}
	return entries, nil
}

// DeleteOlderThan deletes entries created before cutoff, bounded by maxID when positive
func (r *HistoryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, maxID int64) (int64, error) {
	return deleteOlderThan(ctx, r.db, "audit_histories", cutoff, maxID)
}
