package auth

// Role represents a principal role for access control
type Role string

const (
	// RoleAgent may perform lease operations against its own budget
	RoleAgent Role = "agent"

	// RoleAdmin has full access to the budget change workflow
	RoleAdmin Role = "admin"

	// RoleViewer has read-only access to budget change requests
	RoleViewer Role = "viewer"
)

// String returns the string representation of the role
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is a valid role
func (r Role) IsValid() bool {
	switch r {
	case RoleAgent, RoleAdmin, RoleViewer:
		return true
	default:
		return false
	}
}

// HasPermission checks if a role has permission for a required role.
// Admin has all workflow permissions, viewer only has viewer permissions.
func (r Role) HasPermission(required Role) bool {
	if r == RoleAdmin {
		return true
	}
	return r == required
}
