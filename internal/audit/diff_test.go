package audit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeChanges_NumbersComparedByValue(t *testing.T) {
	mp := &ModelPolicy{ModelType: "order"}
	changes := ComputeChanges(mp, []string{"qty", "total"},
		map[string]any{"qty": 3, "total": json.Number("9.5")},
		map[string]any{"qty": 3.0, "total": 9.5},
		nil)
	assert.Empty(t, changes)
}

func TestComputeChanges_AddedAndRemovedFields(t *testing.T) {
	mp := &ModelPolicy{ModelType: "order"}
	changes := ComputeChanges(mp, []string{"coupon", "note"},
		map[string]any{"note": "x"},
		map[string]any{"coupon": "SAVE"},
		nil)
	assert.Equal(t, []Change{
		{Field: "coupon", Old: nil, New: "SAVE"},
		{Field: "note", Old: "x", New: nil},
	}, changes)
}

func TestComputeChanges_StructuredValues(t *testing.T) {
	mp := &ModelPolicy{ModelType: "order"}
	same := ComputeChanges(mp, []string{"meta"},
		map[string]any{"meta": map[string]any{"a": 1.0}},
		map[string]any{"meta": map[string]any{"a": 1.0}}, nil)
	assert.Empty(t, same)

	changed := ComputeChanges(mp, []string{"meta"},
		map[string]any{"meta": []any{"a"}},
		map[string]any{"meta": []any{"a", "b"}}, nil)
	assert.Len(t, changed, 1)
}

func TestComputeChanges_MinimumChange(t *testing.T) {
	mp := &ModelPolicy{ModelType: "product", Rules: map[string]FieldRule{
		"price": {MinimumChange: floatPtr(0.5)},
	}}
	tests := []struct {
		name     string
		old, new any
		recorded bool
	}{
		{"below threshold", 10.0, 10.4, false},
		{"at threshold", 10.0, 10.5, true},
		{"numeric strings below", "10.00", "10.10", false},
		{"numeric strings above", "10.00", "11", true},
		{"from null", nil, 10.0, true},
		{"non-numeric kept", "cheap", "expensive", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changes := ComputeChanges(mp, []string{"price"},
				map[string]any{"price": tt.old}, map[string]any{"price": tt.new}, nil)
			assert.Equal(t, tt.recorded, len(changes) == 1)
		})
	}
}

func TestComputeChanges_Validators(t *testing.T) {
	reg := NewPredicateRegistry()
	reg.Register("never", PredicateFunc(func(string, any, any) bool { return false }))
	mp := &ModelPolicy{ModelType: "user", Rules: map[string]FieldRule{
		"email":    {Validator: "case_insensitive"},
		"name":     {Validator: "trimmed"},
		"bio":      {Validator: "non_empty"},
		"internal": {Validator: "never"},
		"nick":     {Validator: "not_registered"},
	}}
	fields := []string{"bio", "email", "internal", "name", "nick"}
	changes := ComputeChanges(mp, fields,
		map[string]any{"email": "A@x.io", "name": "Ann", "bio": "hi", "internal": 1, "nick": "a"},
		map[string]any{"email": "a@x.io", "name": " Ann ", "bio": "  ", "internal": 2, "nick": "b"},
		reg)
	assert.Equal(t, []Change{{Field: "nick", Old: "a", New: "b"}}, changes)
}

func TestSnapshot(t *testing.T) {
	assert.Equal(t,
		map[string]any{"name": "Lamp", "stock": 4},
		Snapshot([]string{"name", "stock", "missing"}, map[string]any{"name": "Lamp", "stock": 4, "other": 1}))
	assert.Nil(t, Snapshot([]string{"missing"}, map[string]any{"stock": 4}))
	assert.Nil(t, Snapshot([]string{"name"}, nil))
}

func TestDropUnchanged(t *testing.T) {
	mp := &ModelPolicy{Rules: map[string]FieldRule{"stock": {TrackChangesOnly: true}, "price": {}}}
	oldValues := map[string]any{"name": "Lamp", "stock": 4, "price": 10}
	newValues := map[string]any{"name": "Lamp", "stock": int64(4), "price": 10}

	o, n := DropUnchanged(mp, oldValues, newValues)
	assert.Equal(t, map[string]any{"name": "Lamp", "price": 10}, o, "only flagged fields are dropped")
	assert.Equal(t, map[string]any{"name": "Lamp", "price": 10}, n)
	assert.Contains(t, oldValues, "stock", "input maps are left untouched")

	o, n = DropUnchanged(mp, map[string]any{"stock": 4}, map[string]any{"stock": 5})
	assert.Equal(t, map[string]any{"stock": 4}, o)
	assert.Equal(t, map[string]any{"stock": 5}, n)

	o, n = DropUnchanged(mp, nil, map[string]any{"stock": 5})
	assert.Nil(t, o)
	assert.Equal(t, map[string]any{"stock": 5}, n)
}

func TestChangeMaps(t *testing.T) {
	o, n := ChangeMaps([]Change{{Field: "a", Old: 1, New: 2}})
	assert.Equal(t, map[string]any{"a": 1}, o)
	assert.Equal(t, map[string]any{"a": 2}, n)

	o, n = ChangeMaps(nil)
	assert.Nil(t, o)
	assert.Nil(t, n)
}
