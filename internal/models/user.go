package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User describes a platform account. The badge id sets and the per-group
// pending request map mirror the Badge-side caches from the user's
// perspective; they are eventually consistent and written only by the cache
// propagator.
type User struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	Username string `gorm:"uniqueIndex;not null" json:"username"`
	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Password string `gorm:"not null" json:"-"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Avatar    string `json:"avatar"`

	IsActive bool `gorm:"default:true" json:"is_active"`
	IsAdmin  bool `gorm:"default:false" json:"is_admin"`

	AllBadgeIDs       datatypes.JSON `json:"all_badge_ids,omitempty"`
	LearnerBadgeIDs   datatypes.JSON `json:"learner_badge_ids,omitempty"`
	ExpertBadgeIDs    datatypes.JSON `json:"expert_badge_ids,omitempty"`
	RequestedBadgeIDs datatypes.JSON `json:"requested_badge_ids,omitempty"`

	// PendingByGroup maps group id to the count of this user's portfolios
	// currently in requested state within that group.
	PendingByGroup datatypes.JSONMap `json:"pending_by_group,omitempty"`

	LastLoginAt *time.Time `json:"last_login_at"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// FullName joins the user's name parts for display.
func (u *User) FullName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return u.Username
	}
}
