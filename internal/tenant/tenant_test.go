package tenant

import (
	"testing"
)

func TestValidateTenant(t *testing.T) {
	tests := []struct {
		name     string
		resource string
		actor    string
		wantErr  bool
	}{
		{"match", "acme", "acme", false},
		{"mismatch", "acme", "globex", true},
		{"empty resource", "", "acme", true},
		{"empty actor", "acme", "", true},
		{"both empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTenant(tt.resource, tt.actor)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTenant(%q, %q) error = %v, wantErr %v", tt.resource, tt.actor, err, tt.wantErr)
			}
		})
	}
}

func TestEnsureIsolationError(t *testing.T) {
	err := EnsureIsolation("acme", "globex")
	if err != ErrCrossTenant {
		t.Errorf("expected ErrCrossTenant, got %v", err)
	}
	if err := EnsureIsolation("acme", "acme"); err != nil {
		t.Errorf("same tenant should pass, got %v", err)
	}
}

func TestFilterByTenant(t *testing.T) {
	type rec struct{ tenant, id string }
	items := []rec{
		{"acme", "1"}, {"globex", "2"}, {"acme", "3"},
	}
	got := FilterByTenant(items, func(r rec) string { return r.tenant }, "acme")
	if len(got) != 2 || got[0].id != "1" || got[1].id != "3" {
		t.Errorf("FilterByTenant = %v, want acme records only", got)
	}

	if got := FilterByTenant(items, func(r rec) string { return r.tenant }, ""); got != nil {
		t.Errorf("empty actor tenant must see nothing, got %v", got)
	}
}

func TestRolePermissions(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleLabeler, PermRequestAssignment, true},
		{RoleLabeler, PermSubmitLabel, true},
		{RoleLabeler, PermExportData, false},
		{RoleAuditor, PermExportData, true},
		{RoleAuditor, PermOverrideLabel, false},
		{RoleAdjudicator, PermOverrideLabel, true},
		{RoleAdjudicator, PermManageQueue, false},
		{RoleAdmin, PermManageQueue, true},
		{RoleAdmin, PermComputeAgreement, true},
		{Role("intern"), PermSubmitLabel, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.perm), func(t *testing.T) {
			if got := tt.role.Has(tt.perm); got != tt.want {
				t.Errorf("%s.Has(%s) = %v, want %v", tt.role, tt.perm, got, tt.want)
			}
		})
	}
}

func TestUnknownRoleHasNoPermissions(t *testing.T) {
	if perms := Role("intern").Permissions(); len(perms) != 0 {
		t.Errorf("unknown role should have no permissions, got %v", perms)
	}
	if Role("intern").Level() != 0 {
		t.Error("unknown role level should be 0")
	}
}

func TestCanOverride(t *testing.T) {
	tests := []struct {
		a, b Role
		want bool
	}{
		{RoleAdmin, RoleLabeler, true},
		{RoleAdmin, RoleAdmin, true},
		{RoleAdjudicator, RoleAuditor, true},
		{RoleLabeler, RoleAuditor, false},
		{RoleLabeler, RoleLabeler, true},
		{Role("intern"), RoleLabeler, false},
	}

	for _, tt := range tests {
		if got := CanOverride(tt.a, tt.b); got != tt.want {
			t.Errorf("CanOverride(%s, %s) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
