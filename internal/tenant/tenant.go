// Package tenant enforces tenant isolation and maps roles to permissions.
//
// Isolation is checked at the request edge (EnsureIsolation) and again by
// the store, which treats foreign-tenant records as absent. The role
// lattice is fixed; unknown roles carry no permissions.
package tenant

import "errors"

// ErrTenantMismatch is returned when resource and actor tenants differ or
// either is empty.
var ErrTenantMismatch = errors.New("tenant mismatch")

// ErrCrossTenant is the guard error surfaced by request handlers.
var ErrCrossTenant = errors.New("forbidden cross-tenant access")

// ValidateTenant returns nil iff both tenant ids are non-empty and equal.
func ValidateTenant(resourceTenant, actorTenant string) error {
	if resourceTenant == "" || actorTenant == "" || resourceTenant != actorTenant {
		return ErrTenantMismatch
	}
	return nil
}

// EnsureIsolation is the primary guard used by request handlers. It wraps
// ValidateTenant with the handler-facing error.
func EnsureIsolation(resourceTenant, actorTenant string) error {
	if err := ValidateTenant(resourceTenant, actorTenant); err != nil {
		return ErrCrossTenant
	}
	return nil
}

// FilterByTenant retains only the entries whose tenant matches the actor's.
func FilterByTenant[T any](items []T, tenantOf func(T) string, actorTenant string) []T {
	if actorTenant == "" {
		return nil
	}
	var out []T
	for _, item := range items {
		if tenantOf(item) == actorTenant {
			out = append(out, item)
		}
	}
	return out
}
