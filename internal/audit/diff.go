package audit

import (
	"encoding/json"
	"log/slog"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Change is one field transition that passed the model's field rules.
type Change struct {
	Field string
	Old   any
	New   any
}

// ComputeChanges diffs oldAttrs against newAttrs over fields (already filtered to the
// auditable set) and applies the field rules of mp. Unchanged fields are never reported.
// The result follows the order of fields.
func ComputeChanges(mp *ModelPolicy, fields []string, oldAttrs, newAttrs map[string]any, predicates *PredicateRegistry) []Change {
	changes := make([]Change, 0, len(fields))
	for _, f := range fields {
		o, hasOld := oldAttrs[f]
		n, hasNew := newAttrs[f]
		if !hasOld && !hasNew {
			continue
		}
		if valuesEqual(o, n) {
			continue
		}
		if !passesRule(mp, f, o, n, predicates) {
			continue
		}
		changes = append(changes, Change{Field: f, Old: o, New: n})
	}
	return changes
}

func passesRule(mp *ModelPolicy, field string, o, n any, predicates *PredicateRegistry) bool {
	rule, ok := mp.Rules[field]
	if !ok {
		return true
	}

	if rule.MinimumChange != nil {
		of, okOld := toFloat(o)
		nf, okNew := toFloat(n)
		switch {
		case okOld && okNew:
			if math.Abs(nf-of) < *rule.MinimumChange {
				return false
			}
		case o != nil && n != nil:
			slog.Warn("minimum_change configured for non-numeric value, recording change",
				"model_type", mp.ModelType, "field", field)
		}
	}

	if rule.Validator != "" {
		pred, ok := predicates.Lookup(rule.Validator)
		if !ok {
			slog.Warn("unknown field validator, recording change",
				"model_type", mp.ModelType, "field", field, "validator", rule.Validator)
			return true
		}
		if !pred.ShouldRecord(field, o, n) {
			return false
		}
	}
	return true
}

// Snapshot returns the values of fields present in attrs. It returns nil when nothing remains.
func Snapshot(fields []string, attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := attrs[f]; ok {
			out[f] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// DropUnchanged removes fields marked track_changes_only from a pair of snapshots when
// the old and new values are equal. Update diffs never carry unchanged values, so this
// only matters for records holding both a before and an after snapshot. The inputs are
// not modified.
func DropUnchanged(mp *ModelPolicy, oldValues, newValues map[string]any) (map[string]any, map[string]any) {
	if oldValues == nil || newValues == nil {
		return oldValues, newValues
	}
	var drop []string
	for f, rule := range mp.Rules {
		if !rule.TrackChangesOnly {
			continue
		}
		o, hasOld := oldValues[f]
		n, hasNew := newValues[f]
		if hasOld && hasNew && valuesEqual(o, n) {
			drop = append(drop, f)
		}
	}
	if len(drop) == 0 {
		return oldValues, newValues
	}
	return without(oldValues, drop), without(newValues, drop)
}

func without(m map[string]any, drop []string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if !containsString(drop, k) {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ChangeMaps splits changes into old and new value maps.
func ChangeMaps(changes []Change) (oldValues, newValues map[string]any) {
	if len(changes) == 0 {
		return nil, nil
	}
	oldValues = make(map[string]any, len(changes))
	newValues = make(map[string]any, len(changes))
	for _, c := range changes {
		oldValues[c.Field] = c.Old
		newValues[c.Field] = c.New
	}
	return oldValues, newValues
}

// valuesEqual compares attribute values the way they will be stored: numbers by value
// regardless of Go type, structured values by their JSON encoding.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := numeric(a); ok {
		if bf, ok := numeric(b); ok {
			return af == bf
		}
		return false
	}
	switch a.(type) {
	case map[string]any, []any:
		ja, errA := json.Marshal(a)
		jb, errB := json.Marshal(b)
		return errA == nil && errB == nil && string(ja) == string(jb)
	}
	return reflect.DeepEqual(a, b)
}

// numeric converts Go number types (not numeric strings) to float64.
func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

// toFloat also accepts numeric strings, as thresholds apply to "100.50" stored as text.
func toFloat(v any) (float64, bool) {
	if f, ok := numeric(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}
