package database

import (
	"gorm.io/gorm"

	"github.com/couentine/badgekit/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Group{},
		&models.Membership{},
		&models.Badge{},
		&models.Portfolio{},
		&models.ValidationEntry{},
		&models.Notification{},
		&models.AnalyticsEvent{},
		&models.Job{},
	)
}

// SeedData repairs reference data after a migration. Badge thresholds written
// by older schema versions may be zero; the state machine treats those as one,
// and the stored value is normalised to match.
func SeedData(db *gorm.DB) error {
	return db.Model(&models.Badge{}).
		Where("threshold < ?", 1).
		Update("threshold", 1).Error
}
