package audit

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/apex-audit/apex-audit/internal/config"
)

// FieldRule narrows which changes of one field are recorded.
type FieldRule struct {
	// MinimumChange skips numeric updates whose absolute delta is below the threshold.
	MinimumChange *float64
	// TrackChangesOnly leaves the field out of a record whenever its value did not change.
	// Snapshots of created or deleted models still carry it.
	TrackChangesOnly bool
	// Validator names a FieldChangePredicate in the registry.
	Validator string
}

// ModelPolicy is the audit policy of one model type.
type ModelPolicy struct {
	ModelType           string
	Table               string
	PrimaryKey          string
	Label               string
	AuditEvents         []ActionType
	AuditInclude        []string
	AuditExclude        []string
	HistoryExclude      []string
	RollbackableActions []ActionType
	Rules               map[string]FieldRule
}

// defaultAuditEvents apply to model types without an explicit policy.
var defaultAuditEvents = []ActionType{ActionCreate, ActionUpdate, ActionDelete, ActionRestore}

// Tracks reports whether action is recorded for this model.
func (m *ModelPolicy) Tracks(action ActionType) bool {
	return containsAction(m.AuditEvents, action)
}

// Rollbackable reports whether entries of action may be rolled back.
func (m *ModelPolicy) Rollbackable(action ActionType) bool {
	return containsAction(m.RollbackableActions, action)
}

// Key returns the primary key column, "id" unless configured.
func (m *ModelPolicy) Key() string {
	if m.PrimaryKey == "" {
		return "id"
	}
	return m.PrimaryKey
}

// DisplayLabel is the human name used in history descriptions.
func (m *ModelPolicy) DisplayLabel() string {
	if m.Label != "" {
		return m.Label
	}
	return humanize(m.ModelType)
}

// AuditPolicy is the immutable policy value injected into the recorder, tracker and
// rollback engine. Reloads build a new value and swap it through a PolicyHolder.
type AuditPolicy struct {
	Enabled         bool
	RollbackEnabled bool
	GlobalExclude   []string
	SensitiveKeys   []string
	Models          map[string]*ModelPolicy
}

// PolicySource yields the policy in effect for one operation.
type PolicySource interface {
	Policy() *AuditPolicy
}

// Policy makes a fixed *AuditPolicy usable as a PolicySource.
func (p *AuditPolicy) Policy() *AuditPolicy { return p }

// Model returns the policy of modelType, or a default policy that records create, update,
// delete and restore of every field and allows no rollback.
func (p *AuditPolicy) Model(modelType string) *ModelPolicy {
	if mp, ok := p.Models[modelType]; ok {
		return mp
	}
	return &ModelPolicy{ModelType: modelType, AuditEvents: defaultAuditEvents}
}

// IsAuditable reports whether field is recorded for mp under the include, exclude and
// global exclude lists.
func (p *AuditPolicy) IsAuditable(mp *ModelPolicy, field string) bool {
	if len(mp.AuditInclude) > 0 && !containsString(mp.AuditInclude, field) {
		return false
	}
	return !containsString(mp.AuditExclude, field) && !containsString(p.GlobalExclude, field)
}

// AuditableFields returns the sorted auditable subset of the fields present in attrs.
func (p *AuditPolicy) AuditableFields(mp *ModelPolicy, attrs ...map[string]any) []string {
	seen := make(map[string]struct{})
	for _, a := range attrs {
		for k := range a {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		if p.IsAuditable(mp, k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// HistoryFields returns fields minus the model's history exclusions.
func (p *AuditPolicy) HistoryFields(mp *ModelPolicy, fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !containsString(mp.HistoryExclude, f) {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks the policy for configuration errors: unknown action names, negative or
// non-finite thresholds and validators missing from predicates.
func (p *AuditPolicy) Validate(predicates *PredicateRegistry) error {
	for name, mp := range p.Models {
		for _, a := range mp.AuditEvents {
			if !a.Valid() || a == ActionAuditFailure {
				return fmt.Errorf("model %s: unknown audit event %q", name, a)
			}
		}
		for _, a := range mp.RollbackableActions {
			if !a.HasHistory() {
				return fmt.Errorf("model %s: action %q cannot be rolled back", name, a)
			}
		}
		for field, rule := range mp.Rules {
			if rule.MinimumChange != nil {
				v := *rule.MinimumChange
				if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
					return fmt.Errorf("model %s: field %s: minimum_change must be a finite non-negative number", name, field)
				}
			}
			if rule.Validator != "" && predicates != nil {
				if _, ok := predicates.Lookup(rule.Validator); !ok {
					return fmt.Errorf("model %s: field %s: unknown validator %q", name, field, rule.Validator)
				}
			}
		}
	}
	return nil
}

// PolicyFromConfig builds the audit policy from configuration and validates it.
func PolicyFromConfig(cfg *config.Config, predicates *PredicateRegistry) (*AuditPolicy, error) {
	p := &AuditPolicy{
		Enabled:         cfg.Audit.Enabled,
		RollbackEnabled: cfg.Rollback.Enabled,
		GlobalExclude:   cfg.Audit.GlobalExclude,
		SensitiveKeys:   cfg.Audit.SensitiveKeys,
		Models:          make(map[string]*ModelPolicy, len(cfg.Audit.Models)),
	}
	for name, mc := range cfg.Audit.Models {
		mp := &ModelPolicy{
			ModelType:           name,
			Table:               mc.Table,
			PrimaryKey:          mc.PrimaryKey,
			Label:               mc.Label,
			AuditEvents:         toActions(mc.AuditEvents),
			AuditInclude:        mc.AuditInclude,
			AuditExclude:        mc.AuditExclude,
			HistoryExclude:      mc.HistoryExclude,
			RollbackableActions: toActions(mc.RollbackableActions),
			Rules:               make(map[string]FieldRule, len(mc.AuditRules)),
		}
		if len(mp.AuditEvents) == 0 {
			mp.AuditEvents = defaultAuditEvents
		}
		for field, rc := range mc.AuditRules {
			mp.Rules[field] = FieldRule{
				MinimumChange:    rc.MinimumChange,
				TrackChangesOnly: rc.TrackChangesOnly,
				Validator:        rc.Validator,
			}
		}
		p.Models[name] = mp
	}
	if err := p.Validate(predicates); err != nil {
		return nil, fmt.Errorf("invalid audit policy: %w", err)
	}
	return p, nil
}

// PolicyHolder publishes the current policy to concurrent readers and lets a config
// reload replace it atomically.
type PolicyHolder struct {
	current atomic.Pointer[AuditPolicy]
}

// NewPolicyHolder returns a holder initialised with p.
func NewPolicyHolder(p *AuditPolicy) *PolicyHolder {
	h := &PolicyHolder{}
	h.current.Store(p)
	return h
}

// Policy returns the policy currently in effect.
func (h *PolicyHolder) Policy() *AuditPolicy { return h.current.Load() }

// Swap installs p for all subsequent operations.
func (h *PolicyHolder) Swap(p *AuditPolicy) { h.current.Store(p) }

func toActions(names []string) []ActionType {
	out := make([]ActionType, 0, len(names))
	for _, n := range names {
		out = append(out, ActionType(strings.ToLower(strings.TrimSpace(n))))
	}
	return out
}

func containsAction(list []ActionType, a ActionType) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// humanize turns "order_item" into "Order Item".
func humanize(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == '-' || r == '.' })
	for i, p := range parts {
		parts[i] = Capitalize(p)
	}
	return strings.Join(parts, " ")
}

// Capitalize upper-cases the first rune of s.
func Capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
