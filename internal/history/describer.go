package history

import (
	"fmt"
	"strings"
	"sync"

	"github.com/apex-audit/apex-audit/internal/audit"
	"github.com/apex-audit/apex-audit/internal/db/models"
)

// Describer produces the human-readable description of a history entry for one model type.
type Describer interface {
	Describe(entry *models.HistoryEntry, ev audit.MutationEvent) string
}

// DescriberFunc adapts a function to Describer.
type DescriberFunc func(entry *models.HistoryEntry, ev audit.MutationEvent) string

// Describe implements Describer.
func (f DescriberFunc) Describe(entry *models.HistoryEntry, ev audit.MutationEvent) string {
	return f(entry, ev)
}

// DescriberRegistry maps model types to their describers.
type DescriberRegistry struct {
	mu         sync.RWMutex
	describers map[string]Describer
}

// NewDescriberRegistry returns an empty registry.
func NewDescriberRegistry() *DescriberRegistry {
	return &DescriberRegistry{describers: make(map[string]Describer)}
}

// Register sets the describer for modelType.
func (r *DescriberRegistry) Register(modelType string, d Describer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.describers[modelType] = d
}

// Lookup returns the describer for modelType.
func (r *DescriberRegistry) Lookup(modelType string) (Describer, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.describers[modelType]
	return d, ok
}

var verbs = map[audit.ActionType]string{
	audit.ActionCreate:  "Created",
	audit.ActionUpdate:  "Updated",
	audit.ActionDelete:  "Deleted",
	audit.ActionRestore: "Restored",
}

// DefaultDescription renders "Updated Blog Post #42 - Changed: body, title".
func DefaultDescription(label string, entry *models.HistoryEntry) string {
	action := audit.ActionType(entry.ActionType)
	verb, ok := verbs[action]
	switch {
	case ok:
	case action == "":
		verb = "Changed"
	default:
		verb = audit.Capitalize(entry.ActionType)
	}
	desc := fmt.Sprintf("%s %s #%s", verb, label, entry.ModelID)
	if action == audit.ActionUpdate && len(entry.FieldChanges) > 0 {
		desc += " - Changed: " + strings.Join(entry.FieldChanges.Fields(), ", ")
	}
	return desc
}
