package audit

import (
	"fmt"
	"strings"
	"sync"
)

// FieldChangePredicate decides whether a single field change is worth recording. It is
// the named replacement for arbitrary per-field validator callbacks: policies refer to a
// predicate by registry key.
type FieldChangePredicate interface {
	ShouldRecord(field string, oldValue, newValue any) bool
}

// PredicateFunc adapts a function to FieldChangePredicate.
type PredicateFunc func(field string, oldValue, newValue any) bool

// ShouldRecord calls f.
func (f PredicateFunc) ShouldRecord(field string, oldValue, newValue any) bool {
	return f(field, oldValue, newValue)
}

// PredicateRegistry resolves predicates by name.
type PredicateRegistry struct {
	mu         sync.RWMutex
	predicates map[string]FieldChangePredicate
}

// NewPredicateRegistry returns a registry holding the built-in predicates:
//
//	non_empty         record only when the new value is not null or blank
//	case_insensitive  ignore changes that only differ in letter case
//	trimmed           ignore changes that only differ in surrounding whitespace
func NewPredicateRegistry() *PredicateRegistry {
	r := &PredicateRegistry{predicates: make(map[string]FieldChangePredicate)}
	r.Register("non_empty", PredicateFunc(func(_ string, _, newValue any) bool {
		if newValue == nil {
			return false
		}
		if s, ok := newValue.(string); ok {
			return strings.TrimSpace(s) != ""
		}
		return true
	}))
	r.Register("case_insensitive", PredicateFunc(func(_ string, oldValue, newValue any) bool {
		return !strings.EqualFold(fmt.Sprint(oldValue), fmt.Sprint(newValue))
	}))
	r.Register("trimmed", PredicateFunc(func(_ string, oldValue, newValue any) bool {
		return strings.TrimSpace(fmt.Sprint(oldValue)) != strings.TrimSpace(fmt.Sprint(newValue))
	}))
	return r
}

// Register adds or replaces the predicate stored under name.
func (r *PredicateRegistry) Register(name string, p FieldChangePredicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[name] = p
}

// Lookup returns the predicate stored under name.
func (r *PredicateRegistry) Lookup(name string) (FieldChangePredicate, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.predicates[name]
	return p, ok
}
