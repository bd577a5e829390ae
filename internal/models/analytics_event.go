package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AnalyticsEvent is a flat, best-effort record of a notable platform action,
// written on badge award, retraction and bulk validation.
type AnalyticsEvent struct {
	ID         string    `gorm:"primaryKey;type:uuid" json:"id"`
	EventName  string    `gorm:"not null;index" json:"event_name"`
	ActorEmail string    `gorm:"index" json:"actor_email"`
	Metadata   string    `gorm:"type:json" json:"metadata"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

func (e *AnalyticsEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}
