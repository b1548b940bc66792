package domain

// Role is the access level carried by an admin API token.
type Role string

// Roles, from least to most privileged.
const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleLevels = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// IsValid checks if the role is known.
func (r Role) IsValid() bool {
	_, ok := roleLevels[r]
	return ok
}

// HasPermission reports whether r is at least as privileged as required.
func (r Role) HasPermission(required Role) bool {
	return roleLevels[r] >= roleLevels[required] && r.IsValid()
}
