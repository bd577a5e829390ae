package models

// MembershipRole distinguishes ordinary members from group administrators.
type MembershipRole string

const (
	RoleMember MembershipRole = "member"
	RoleAdmin  MembershipRole = "admin"
)

// Membership joins a user to a group. Exactly one row per (user, group).
type Membership struct {
	BaseModel

	UserID  string         `gorm:"type:uuid;not null;uniqueIndex:idx_memberships_user_group;index" json:"user_id"`
	GroupID string         `gorm:"type:uuid;not null;uniqueIndex:idx_memberships_user_group;index" json:"group_id"`
	Role    MembershipRole `gorm:"not null;default:'member'" json:"role"`
}

// IsAdmin reports whether the membership grants group administration rights.
func (m *Membership) IsAdmin() bool {
	return m.Role == RoleAdmin
}
