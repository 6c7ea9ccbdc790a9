package auth

import (
	"testing"

	"github.com/apex-audit/apex-audit/internal/audit"
)

func TestValidateScopes(t *testing.T) {
	tests := []struct {
		name    string
		scopes  []string
		wantErr bool
	}{
		{"empty list", []string{}, false},
		{"single valid scope", []string{"audit:read"}, false},
		{"multiple valid scopes", []string{"audit:read", "audit:rollback", "admin"}, false},
		{"model rollback scope", []string{"blog_post:rollback"}, false},
		{"all defined scopes", func() []string {
			s := make([]string, 0, len(AllScopes()))
			for _, sc := range AllScopes() {
				s = append(s, string(sc))
			}
			return s
		}(), false},
		{"invalid scope", []string{"not:a:scope"}, true},
		{"model scope with bad identifier", []string{"Blog-Post:rollback"}, true},
		{"mixed valid and invalid", []string{"audit:read", "invalid"}, true},
		{"empty string scope", []string{""}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScopes(tt.scopes)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateScopes(%v) error = %v, wantErr %v", tt.scopes, err, tt.wantErr)
			}
		})
	}
}

func TestHasScope(t *testing.T) {
	tests := []struct {
		name       string
		userScopes []string
		required   Scope
		want       bool
	}{
		{"exact match", []string{"audit:verify"}, ScopeAuditVerify, true},
		{"admin grants cleanup", []string{"admin"}, ScopeAuditCleanup, true},
		{"rollback implies read", []string{"audit:rollback"}, ScopeAuditRead, true},
		{"read does not imply rollback", []string{"audit:read"}, ScopeAuditRollback, false},
		{"model scope does not imply read", []string{"post:rollback"}, ScopeAuditRead, false},
		{"no scopes", nil, ScopeAuditRead, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasScope(tt.userScopes, tt.required); got != tt.want {
				t.Errorf("HasScope(%v, %q) = %v, want %v", tt.userScopes, tt.required, got, tt.want)
			}
		})
	}
}

func TestCanRollback(t *testing.T) {
	tests := []struct {
		name      string
		scopes    []string
		modelType string
		want      bool
	}{
		{"admin", []string{"admin"}, "post", true},
		{"global rollback", []string{"audit:rollback"}, "post", true},
		{"matching model scope", []string{"post:rollback"}, "post", true},
		{"model scope case-insensitive model", []string{"post:rollback"}, "Post", true},
		{"other model scope", []string{"comment:rollback"}, "post", false},
		{"read only", []string{"audit:read"}, "post", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanRollback(tt.scopes, tt.modelType); got != tt.want {
				t.Errorf("CanRollback(%v, %q) = %v, want %v", tt.scopes, tt.modelType, got, tt.want)
			}
		})
	}
}

func TestScopeAuthorizer(t *testing.T) {
	var a ScopeAuthorizer
	if !a.CanRollback(audit.Actor{ID: "1", Scopes: []string{"admin"}}, "post") {
		t.Error("admin actor denied")
	}
	if a.CanRollback(audit.Actor{Scopes: []string{"admin"}}, "post") {
		t.Error("anonymous actor allowed")
	}
}

func TestHasAnyScope(t *testing.T) {
	if !HasAnyScope([]string{"audit:cleanup"}, []Scope{ScopeAuditVerify, ScopeAuditCleanup}) {
		t.Error("HasAnyScope() = false, want true")
	}
	if HasAnyScope([]string{"audit:cleanup"}, []Scope{ScopeAuditVerify}) {
		t.Error("HasAnyScope() = true, want false")
	}
}
