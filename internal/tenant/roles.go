package tenant

// Role is an access level granted to an actor within a tenant.
type Role string

// Role constants, ordered by level.
const (
	RoleLabeler     Role = "labeler"
	RoleAuditor     Role = "auditor"
	RoleAdjudicator Role = "adjudicator"
	RoleAdmin       Role = "admin"
)

// Permission names an operation an actor may perform.
type Permission string

// Permission constants
const (
	PermRequestAssignment Permission = "request_assignment"
	PermSubmitLabel       Permission = "submit_label"
	PermViewOwnLabels     Permission = "view_own_labels"
	PermViewAllLabels     Permission = "view_all_labels"
	PermExportData        Permission = "export_data"
	PermComputeAgreement  Permission = "compute_agreement"
	PermOverrideLabel     Permission = "override_label"
	PermResolveConflicts  Permission = "resolve_conflicts"
	PermManageQueue       Permission = "manage_queue"
	PermManageLabelers    Permission = "manage_labelers"
	PermGrantAccess       Permission = "grant_access"
	PermRevokeAccess      Permission = "revoke_access"
)

// rolePermissions is the fixed role -> permission lattice.
var rolePermissions = map[Role][]Permission{
	RoleLabeler: {
		PermRequestAssignment, PermSubmitLabel, PermViewOwnLabels,
	},
	RoleAuditor: {
		PermViewAllLabels, PermExportData, PermComputeAgreement,
	},
	RoleAdjudicator: {
		PermOverrideLabel, PermResolveConflicts, PermViewAllLabels, PermExportData,
	},
	RoleAdmin: {
		PermManageQueue, PermManageLabelers, PermGrantAccess, PermRevokeAccess,
		PermOverrideLabel, PermExportData, PermViewAllLabels, PermComputeAgreement,
	},
}

var roleLevels = map[Role]int{
	RoleLabeler:     1,
	RoleAuditor:     2,
	RoleAdjudicator: 3,
	RoleAdmin:       4,
}

// Level returns the role's position in the lattice; unknown roles are 0.
func (r Role) Level() int { return roleLevels[r] }

// Permissions returns the permissions granted to the role. Unknown roles
// yield an empty set.
func (r Role) Permissions() []Permission {
	perms := rolePermissions[r]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// Has reports whether the role carries the permission. Admin is treated
// as a super-permission by request handlers (see server middleware), not
// here; this is the raw lattice check.
func (r Role) Has(p Permission) bool {
	for _, perm := range rolePermissions[r] {
		if perm == p {
			return true
		}
	}
	return false
}

// CanOverride reports whether role a may override decisions made by role b.
func CanOverride(a, b Role) bool {
	return a.Level() >= b.Level() && a.Level() > 0
}
