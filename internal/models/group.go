package models

// Group owns a set of badges and the memberships of the users earning them.
type Group struct {
	BaseModel

	Name        string `gorm:"not null" json:"name"`
	Slug        string `gorm:"uniqueIndex;not null" json:"slug"`
	Description string `gorm:"type:text" json:"description"`
	Website     string `json:"website"`

	OwnerID string `gorm:"type:uuid;not null;index" json:"owner_id"`

	Badges      []Badge      `gorm:"foreignKey:GroupID" json:"badges,omitempty"`
	Memberships []Membership `gorm:"foreignKey:GroupID" json:"-"`
}
