// model_store.go implements ModelStore, a table-driven store for the live application rows
// that rollback reverses. Tables and primary keys come from the per-model audit policy;
// every identifier is validated before it is spliced into SQL.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
)

var (
	// ErrUnknownModel is returned for a model type with no configured table
	ErrUnknownModel = errors.New("no table configured for model type")
	// ErrModelNotFound is returned when an update or delete matched no row
	ErrModelNotFound = errors.New("model record not found")
	// ErrInvalidIdentifier is returned for table or column names outside [A-Za-z0-9_]
	ErrInvalidIdentifier = errors.New("invalid sql identifier")
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ModelTable locates the rows of one model type
type ModelTable struct {
	Table      string
	PrimaryKey string
}

// ModelStore reads and writes live model rows by model type
type ModelStore struct {
	tables map[string]ModelTable
}

// NewModelStore validates the table mapping and returns a store for it
func NewModelStore(tables map[string]ModelTable) (*ModelStore, error) {
	checked := make(map[string]ModelTable, len(tables))
	for modelType, t := range tables {
		if t.PrimaryKey == "" {
			t.PrimaryKey = "id"
		}
		if !identRe.MatchString(t.Table) || !identRe.MatchString(t.PrimaryKey) {
			return nil, fmt.Errorf("%w: model %q table %q key %q", ErrInvalidIdentifier, modelType, t.Table, t.PrimaryKey)
		}
		checked[modelType] = t
	}
	return &ModelStore{tables: checked}, nil
}

// PrimaryKey returns the primary key column of modelType
func (s *ModelStore) PrimaryKey(modelType string) (string, error) {
	t, err := s.table(modelType)
	if err != nil {
		return "", err
	}
	return t.PrimaryKey, nil
}

func (s *ModelStore) table(modelType string) (ModelTable, error) {
	t, ok := s.tables[modelType]
	if !ok {
		return ModelTable{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelType)
	}
	return t, nil
}

// Find returns the row of modelType with primary key id as a column map, or nil when it
// does not exist.
func (s *ModelStore) Find(ctx context.Context, ext sqlx.ExtContext, modelType, id string) (map[string]any, error) {
	t, err := s.table(modelType)
	if err != nil {
		return nil, err
	}

	query := ext.Rebind(fmt.Sprintf(`SELECT * FROM %s WHERE %s = ?`, quote(t.Table), quote(t.PrimaryKey)))
	rows, err := ext.QueryxContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", modelType, id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	row := make(map[string]any)
	if err := rows.MapScan(row); err != nil {
		return nil, fmt.Errorf("failed to scan %s %s: %w", modelType, id, err)
	}
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			row[k] = string(b)
		}
	}
	return row, rows.Err()
}

// Update sets values on the row of modelType with primary key id
func (s *ModelStore) Update(ctx context.Context, ext sqlx.ExtContext, modelType, id string, values map[string]any) error {
	t, err := s.table(modelType)
	if err != nil {
		return err
	}
	cols, args, err := columnsAndArgs(values)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = quote(c) + " = ?"
	}
	query := ext.Rebind(fmt.Sprintf(`UPDATE %s SET %s WHERE %s = ?`,
		quote(t.Table), strings.Join(sets, ", "), quote(t.PrimaryKey)))

	res, err := ext.ExecContext(ctx, query, append(args, id)...)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", modelType, id, err)
	}
	return requireRow(res, modelType, id)
}

// Insert creates a row of modelType from values
func (s *ModelStore) Insert(ctx context.Context, ext sqlx.ExtContext, modelType string, values map[string]any) error {
	t, err := s.table(modelType)
	if err != nil {
		return err
	}
	cols, args, err := columnsAndArgs(values)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("refusing to insert empty %s row", modelType)
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := ext.Rebind(fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		quote(t.Table), strings.Join(quoted, ", "), placeholders))

	if _, err := ext.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert %s: %w", modelType, err)
	}
	return nil
}

// Delete removes the row of modelType with primary key id
func (s *ModelStore) Delete(ctx context.Context, ext sqlx.ExtContext, modelType, id string) error {
	t, err := s.table(modelType)
	if err != nil {
		return err
	}
	query := ext.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, quote(t.Table), quote(t.PrimaryKey)))
	res, err := ext.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", modelType, id, err)
	}
	return requireRow(res, modelType, id)
}

// columnsAndArgs returns the keys of values in lexical order with their values.
func columnsAndArgs(values map[string]any) ([]string, []interface{}, error) {
	cols := make([]string, 0, len(values))
	for k := range values {
		if !identRe.MatchString(k) {
			return nil, nil, fmt.Errorf("%w: column %q", ErrInvalidIdentifier, k)
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		switch v := values[c].(type) {
		case map[string]any, []any:
			// structured attributes are stored in JSON columns
			b, err := json.Marshal(v)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to encode column %q: %w", c, err)
			}
			args[i] = string(b)
		default:
			args[i] = v
		}
	}
	return cols, args, nil
}

func requireRow(res sql.Result, modelType, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrModelNotFound, modelType, id)
	}
	return nil
}

func quote(ident string) string {
	return `"` + ident + `"`
}
