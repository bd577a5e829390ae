package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/couentine/badgekit/internal/models"
	"github.com/couentine/badgekit/pkg/logger"
)

// AnalyticsService persists flat analytics events. Recording is best effort:
// a failed write is logged and dropped, never surfaced to the caller.
type AnalyticsService struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewAnalyticsService constructs an AnalyticsService.
func NewAnalyticsService(db *gorm.DB) (*AnalyticsService, error) {
	if db == nil {
		return nil, errors.New("analytics service: db is required")
	}
	return &AnalyticsService{db: db, log: logger.WithModule("analytics")}, nil
}

// Record stores one event.
func (s *AnalyticsService) Record(ctx context.Context, eventName, actorEmail string, metadata map[string]any) {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(eventName) == "" {
		return
	}

	payload := ""
	if metadata != nil {
		if data, err := json.Marshal(metadata); err == nil {
			payload = string(data)
		}
	}

	event := models.AnalyticsEvent{
		EventName:  eventName,
		ActorEmail: actorEmail,
		Metadata:   payload,
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		s.log.Warn("analytics event dropped",
			zap.String("event", eventName),
			zap.Error(err))
	}
}

// CountSince returns how many events with the given name occurred after the
// cutoff. Used by admin reporting.
func (s *AnalyticsService) CountSince(ctx context.Context, eventName string, since time.Time) (int64, error) {
	ctx = ensureContext(ctx)

	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.AnalyticsEvent{}).
		Where("event_name = ? AND created_at >= ?", eventName, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("analytics service: count: %w", err)
	}
	return count, nil
}
