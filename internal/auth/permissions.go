package auth

// Permission represents a named capability of the API.
type Permission string

// Permission constants.
const (
	PermScenarioRead  Permission = "scenario:read"
	PermScenarioStart Permission = "scenario:start"
	PermRunCancel     Permission = "run:cancel"
	PermEmergencyStop Permission = "siren:emergency_stop"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermScenarioRead,
	},
	RoleOperator: {
		PermScenarioRead,
		PermScenarioStart,
		PermRunCancel,
		PermEmergencyStop,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// PermissionsForRole returns a copy of the permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}
