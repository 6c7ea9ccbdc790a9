// Package auth - scopes.go defines the permission scopes that guard audit operations and
// provides HasScope, HasAnyScope and ScopeAuthorizer for checking them.
package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/apex-audit/apex-audit/internal/audit"
)

// Scope represents a permission/scope type
type Scope string

const (
	// Audit log scopes
	ScopeAuditRead    Scope = "audit:read"    // List audit records and history
	ScopeAuditVerify  Scope = "audit:verify"  // Run signature verification
	ScopeAuditCleanup Scope = "audit:cleanup" // Run retention cleanup

	// ScopeAuditRollback allows rolling back history entries of any model type.
	// Per-model rollback uses "<model_type>:rollback", see ModelRollbackScope.
	ScopeAuditRollback Scope = "audit:rollback"

	// Admin scope (wildcard - all permissions)
	ScopeAdmin Scope = "admin"
)

var modelScopePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*:rollback$`)

// AllScopes returns the fixed scopes. Model rollback scopes are open-ended and not listed.
func AllScopes() []Scope {
	return []Scope{
		ScopeAuditRead,
		ScopeAuditVerify,
		ScopeAuditCleanup,
		ScopeAuditRollback,
		ScopeAdmin,
	}
}

// ModelRollbackScope returns the scope that allows rolling back entries of modelType.
func ModelRollbackScope(modelType string) Scope {
	return Scope(strings.ToLower(modelType) + ":rollback")
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	for _, scope := range scopes {
		if err := ValidateScopeString(scope); err != nil {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}
	return nil
}

// ValidateScopeString validates a single scope string
func ValidateScopeString(scope string) error {
	for _, s := range AllScopes() {
		if scope == string(s) {
			return nil
		}
	}
	if modelScopePattern.MatchString(scope) {
		return nil
	}
	return errors.New("invalid scope")
}

// HasScope checks if a user has a required scope. admin grants everything and every
// other audit scope implies audit:read.
func HasScope(userScopes []string, required Scope) bool {
	for _, scope := range userScopes {
		if scope == string(required) || scope == string(ScopeAdmin) {
			return true
		}
		if required == ScopeAuditRead && strings.HasPrefix(scope, "audit:") {
			return true
		}
	}
	return false
}

// HasAnyScope checks if a user has at least one of the required scopes
func HasAnyScope(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if HasScope(userScopes, required) {
			return true
		}
	}
	return false
}

// CanRollback reports whether scopes allow rolling back an entry of modelType.
func CanRollback(userScopes []string, modelType string) bool {
	return HasAnyScope(userScopes, []Scope{ScopeAuditRollback, ModelRollbackScope(modelType)})
}

// ScopeAuthorizer authorises rollbacks from the scopes carried by the actor.
type ScopeAuthorizer struct{}

// CanRollback implements the rollback engine's authorizer.
func (ScopeAuthorizer) CanRollback(actor audit.Actor, modelType string) bool {
	return actor.ID != "" && CanRollback(actor.Scopes, modelType)
}
