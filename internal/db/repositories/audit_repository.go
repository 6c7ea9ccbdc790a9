// audit_repository.go implements AuditRepository, the insert-only store for signed audit
// records: single-statement idempotent inserts, keyset scans for signature verification,
// filtered listing and retention queries.
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

// ErrDuplicateUUID is returned by Insert when a record with the same uuid already exists.
// Write-back treats it as success so that redelivered jobs stay idempotent.
var ErrDuplicateUUID = errors.New("audit record uuid already exists")

const auditRecordColumns = `id, uuid, event_type, action_type, model_type, model_id,
	old_values, new_values, user_id, metadata, signature, created_at`

// AuditRepository handles audit record database operations
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters contains filters for querying audit records
type AuditFilters struct {
	ModelType *string
	ModelID   *string
	UserID    *string
	EventType *string
	StartDate *time.Time
	EndDate   *time.Time
}

// Insert writes rec in a single statement and sets rec.ID. A uuid conflict inserts nothing
// and returns ErrDuplicateUUID.
func (r *AuditRepository) Insert(ctx context.Context, rec *models.AuditRecord) error {
	query := r.db.Rebind(`
		INSERT INTO audit_records (uuid, event_type, action_type, model_type, model_id,
			old_values, new_values, user_id, metadata, signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uuid) DO NOTHING
		RETURNING id`)

	err := r.db.QueryRowxContext(ctx, query,
		rec.UUID,
		rec.EventType,
		rec.ActionType,
		rec.ModelType,
		rec.ModelID,
		rec.OldValues,
		rec.NewValues,
		rec.UserID,
		rec.Metadata,
		rec.Signature,
		rec.CreatedAt,
	).Scan(&rec.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDuplicateUUID
	}
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// GetByUUID retrieves a single audit record. It returns nil, nil when no record matches.
func (r *AuditRepository) GetByUUID(ctx context.Context, uuid string) (*models.AuditRecord, error) {
	var rec models.AuditRecord
	query := r.db.Rebind(`SELECT ` + auditRecordColumns + ` FROM audit_records WHERE uuid = ?`)
	err := r.db.GetContext(ctx, &rec, query, uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListAfter returns up to limit records with id > afterID in id order (keyset pagination).
func (r *AuditRepository) ListAfter(ctx context.Context, afterID int64, limit int) ([]*models.AuditRecord, error) {
	records := make([]*models.AuditRecord, 0, limit)
	query := r.db.Rebind(`SELECT ` + auditRecordColumns + ` FROM audit_records WHERE id > ? ORDER BY id LIMIT ?`)
	if err := r.db.SelectContext(ctx, &records, query, afterID, limit); err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	return records, nil
}

// Count returns the total number of stored audit records
func (r *AuditRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM audit_records`); err != nil {
		return 0, err
	}
	return n, nil
}

// List retrieves audit records with optional filters and pagination, newest first
func (r *AuditRepository) List(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditRecord, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0)

	if filters.ModelType != nil {
		where += ` AND model_type = ?`
		args = append(args, *filters.ModelType)
	}
	if filters.ModelID != nil {
		where += ` AND model_id = ?`
		args = append(args, *filters.ModelID)
	}
	if filters.UserID != nil {
		where += ` AND user_id = ?`
		args = append(args, *filters.UserID)
	}
	if filters.EventType != nil {
		where += ` AND event_type = ?`
		args = append(args, *filters.EventType)
	}
	if filters.StartDate != nil {
		where += ` AND created_at >= ?`
		args = append(args, *filters.StartDate)
	}
	if filters.EndDate != nil {
		where += ` AND created_at <= ?`
		args = append(args, *filters.EndDate)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, r.db.Rebind(`SELECT COUNT(*) FROM audit_records`+where), args...); err != nil {
		return nil, 0, err
	}

	query := r.db.Rebind(`SELECT ` + auditRecordColumns + ` FROM audit_records` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	records := make([]*models.AuditRecord, 0)
	if err := r.db.SelectContext(ctx, &records, query, append(args, limit, offset)...); err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// CountOlderThan counts records created before cutoff
func (r *AuditRepository) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return countOlderThan(ctx, r.db, "audit_records", cutoff)
}

// ListOlderThan pages through records created before cutoff, in id order
func (r *AuditRepository) ListOlderThan(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]*models.AuditRecord, error) {
	records := make([]*models.AuditRecord, 0, limit)
	query := r.db.Rebind(`SELECT ` + auditRecordColumns +
		` FROM audit_records WHERE created_at < ? AND id > ? ORDER BY id LIMIT ?`)
	if err := r.db.SelectContext(ctx, &records, query, cutoff, afterID, limit); err != nil {
		return nil, fmt.Errorf("failed to list expired audit records: %w", err)
	}
	return records, nil
}

// DeleteOlderThan deletes records created before cutoff. When maxID > 0 only rows with
// id <= maxID are deleted, so rows that were not archived are never purged.
func (r *AuditRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, maxID int64) (int64, error) {
	return deleteOlderThan(ctx, r.db, "audit_records", cutoff, maxID)
}

// countOlderThan and deleteOlderThan are shared by the audit and history retention paths.
// table is always a package constant.
func countOlderThan(ctx context.Context, db *sqlx.DB, table string, cutoff time.Time) (int64, error) {
	var n int64
	query := db.Rebind(`SELECT COUNT(*) FROM ` + table + ` WHERE created_at < ?`)
	if err := db.GetContext(ctx, &n, query, cutoff); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

func deleteOlderThan(ctx context.Context, db *sqlx.DB, table string, cutoff time.Time, maxID int64) (int64, error) {
	query := `DELETE FROM ` + table + ` WHERE created_at < ?`
	args := []interface{}{cutoff}
	if maxID > 0 {
		query += ` AND id <= ?`
		args = append(args, maxID)
	}
	res, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return res.RowsAffected()
}
