package domain

// Role is the principal's role within its organization.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleMember  Role = "member"
	RoleViewer  Role = "viewer"
)

// Elevated reports whether the role may access role-gated rooms and
// restricted event types.
func (r Role) Elevated() bool {
	return r == RoleAdmin || r == RoleManager
}

// Principal is the authenticated identity attached to a connection before
// any subscribe or publish request is accepted. It is produced by the
// external auth collaborator.
type Principal struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organizationId"`
	Role           Role     `json:"role"`
	Permissions    []string `json:"permissions,omitempty"`
}
