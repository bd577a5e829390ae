package models

import "gorm.io/datatypes"

// DefaultValidationThreshold is the number of net approvals required to
// validate a portfolio when a badge does not configure its own.
const DefaultValidationThreshold = 1

// Badge describes a credential owned by a group. The user id sets and the
// pending request count are denormalized caches over this badge's portfolios;
// they are written only by the cache propagator.
type Badge struct {
	BaseModel

	GroupID     string `gorm:"type:uuid;not null;index;uniqueIndex:idx_badges_group_slug" json:"group_id"`
	Name        string `gorm:"not null" json:"name"`
	Slug        string `gorm:"not null;uniqueIndex:idx_badges_group_slug" json:"slug"`
	Description string `gorm:"type:text" json:"description"`
	Icon        string `json:"icon"`

	// Threshold is the minimum net approvals required for validation.
	Threshold int `gorm:"default:1" json:"threshold"`

	LearnerUserIDs datatypes.JSON `json:"learner_user_ids,omitempty"`
	ExpertUserIDs  datatypes.JSON `json:"expert_user_ids,omitempty"`
	AllUserIDs     datatypes.JSON `json:"all_user_ids,omitempty"`

	PendingRequestCount int `gorm:"default:0" json:"pending_request_count"`
}

// EffectiveThreshold returns the configured threshold, never less than one.
func (b *Badge) EffectiveThreshold() int {
	if b.Threshold < DefaultValidationThreshold {
		return DefaultValidationThreshold
	}
	return b.Threshold
}
