package models

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RolePartner    UserRole = "PARTNER"
	RoleManager    UserRole = "MANAGER"
	RoleCompliance UserRole = "COMPLIANCE"
	RoleExecutive  UserRole = "EXECUTIVE"
	RoleAdmin      UserRole = "ADMIN"
)

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	switch r {
	case RolePartner, RoleManager, RoleCompliance, RoleExecutive, RoleAdmin:
		return true
	}
	return false
}

// Actor identifies who performs an operation. PartnerID is set for partner users
// and scopes them to their own organisation's deals.
type Actor struct {
	ID        string   `json:"id"`
	Role      UserRole `json:"role"`
	PartnerID string   `json:"partnerId,omitempty"`
}

// SystemActor is recorded when the engine itself acts, e.g. automatic conflict resolution.
var SystemActor = Actor{ID: "system", Role: RoleAdmin}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
