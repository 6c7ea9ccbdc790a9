// Package models - json.go defines the JSON column types shared by the audit tables.
// Postgres stores them as JSONB, SQLite as TEXT; both round-trip through these types.
package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a nullable JSON object column. A nil map is stored as SQL NULL.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil {
		return err
	}
	if b == nil {
		*m = nil
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	*m = out
	return nil
}

// FieldChange is one history-visible field transition.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue any    `json:"old_value"`
	NewValue any    `json:"new_value"`
}

// FieldChanges is an ordered list of field transitions stored as a JSON array.
type FieldChanges []FieldChange

// Value implements driver.Valuer. A nil slice is stored as an empty array.
func (c FieldChanges) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]FieldChange(c))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal field changes: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (c *FieldChanges) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil {
		return err
	}
	if b == nil {
		*c = nil
		return nil
	}
	var out []FieldChange
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("failed to unmarshal field changes: %w", err)
	}
	*c = out
	return nil
}

// Fields returns the changed field names in order.
func (c FieldChanges) Fields() []string {
	out := make([]string, len(c))
	for i, fc := range c {
		out[i] = fc.Field
	}
	return out
}

func jsonBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		if len(v) == 0 || bytes.Equal(v, []byte("null")) {
			return nil, nil
		}
		return v, nil
	case string:
		if v == "" || v == "null" {
			return nil, nil
		}
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported json column type %T", src)
	}
}
