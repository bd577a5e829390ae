package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/couentine/badgekit/internal/models"
	"github.com/couentine/badgekit/internal/realtime"
	apperrors "github.com/couentine/badgekit/pkg/errors"
	"github.com/couentine/badgekit/pkg/logger"
	"github.com/couentine/badgekit/pkg/mail"
)

// NotificationDTO represents the API-friendly notification payload.
type NotificationDTO struct {
	ID        string               `json:"id"`
	UserID    string               `json:"user_id"`
	Type      string               `json:"type"`
	Title     string               `json:"title"`
	Message   string               `json:"message"`
	Severity  string               `json:"severity"`
	ActionURL string               `json:"action_url,omitempty"`
	Metadata  map[string]any       `json:"metadata,omitempty"`
	IsRead    bool                 `json:"is_read"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	ReadAt    *time.Time           `json:"read_at,omitempty"`
	Raw       *models.Notification `json:"-"`
}

// CreateNotificationInput defines attributes required to persist a notification.
type CreateNotificationInput struct {
	UserID    string
	Type      string
	Title     string
	Message   string
	Severity  string
	ActionURL string
	Metadata  map[string]any
}

// ListNotificationsInput defines filters for querying user notifications.
type ListNotificationsInput struct {
	UserID string
	Limit  int
	Offset int
}

// NotificationService manages in-app notifications and fans portfolio
// lifecycle events out to affected users, over websocket and optionally mail.
type NotificationService struct {
	db     *gorm.DB
	hub    *realtime.Hub
	mailer mail.Mailer
	log    *zap.Logger
}

// NewNotificationService constructs a NotificationService. Hub and mailer are
// optional sinks.
func NewNotificationService(db *gorm.DB, hub *realtime.Hub, mailer mail.Mailer) (*NotificationService, error) {
	if db == nil {
		return nil, errors.New("notification service: db is required")
	}
	return &NotificationService{
		db:     db,
		hub:    hub,
		mailer: mailer,
		log:    logger.WithModule("notifications"),
	}, nil
}

// NotifyPortfolioEvent translates a portfolio lifecycle event into in-app
// notifications. A request notifies the badge's current experts and the
// group's admins; an award or retraction notifies the badge holder. Failures
// are logged, never surfaced: notification delivery must not fail the
// triggering action.
func (s *NotificationService) NotifyPortfolioEvent(ctx context.Context, eventType, userID, badgeID, portfolioID string) {
	ctx = ensureContext(ctx)

	var badge models.Badge
	if err := s.db.WithContext(ctx).First(&badge, "id = ?", badgeID).Error; err != nil {
		s.log.Warn("notification skipped, badge not found",
			zap.String("badge_id", badgeID), zap.Error(err))
		return
	}

	metadata := map[string]any{
		"badge_id":     badgeID,
		"portfolio_id": portfolioID,
		"user_id":      userID,
	}

	switch eventType {
	case EventPortfolioRequested:
		for _, reviewerID := range s.reviewerIDs(ctx, &badge, userID) {
			s.create(ctx, CreateNotificationInput{
				UserID:    reviewerID,
				Type:      eventType,
				Title:     "Validation requested",
				Message:   fmt.Sprintf("A portfolio for %q is awaiting review.", badge.Name),
				ActionURL: fmt.Sprintf("/badges/%s/portfolios/%s", badgeID, portfolioID),
				Metadata:  metadata,
			})
		}
	case EventPortfolioIssued:
		s.create(ctx, CreateNotificationInput{
			UserID:    userID,
			Type:      eventType,
			Title:     "Badge awarded",
			Message:   fmt.Sprintf("You have been awarded %q.", badge.Name),
			Severity:  "success",
			ActionURL: fmt.Sprintf("/badges/%s", badgeID),
			Metadata:  metadata,
		})
		s.sendMail(ctx, userID, "Badge awarded",
			fmt.Sprintf("Congratulations, you have been awarded the badge %q.", badge.Name))
	case EventPortfolioRetracted:
		s.create(ctx, CreateNotificationInput{
			UserID:    userID,
			Type:      eventType,
			Title:     "Badge retracted",
			Message:   fmt.Sprintf("Your badge %q has been retracted.", badge.Name),
			Severity:  "warning",
			ActionURL: fmt.Sprintf("/badges/%s", badgeID),
			Metadata:  metadata,
		})
	default:
		s.log.Warn("unknown portfolio event type", zap.String("event", eventType))
	}
}

// reviewerIDs returns the badge's experts plus the group's admins, excluding
// the requesting user.
func (s *NotificationService) reviewerIDs(ctx context.Context, badge *models.Badge, exclude string) []string {
	ids := models.DecodeIDSet(badge.ExpertUserIDs)

	var adminIDs []string
	err := s.db.WithContext(ctx).
		Model(&models.Membership{}).
		Where("group_id = ? AND role = ?", badge.GroupID, models.RoleAdmin).
		Pluck("user_id", &adminIDs).Error
	if err != nil {
		s.log.Warn("admin lookup failed", zap.String("group_id", badge.GroupID), zap.Error(err))
	}

	var out []string
	for _, id := range normaliseIDs(append(ids, adminIDs...)) {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func (s *NotificationService) create(ctx context.Context, input CreateNotificationInput) {
	if _, err := s.Create(ctx, input); err != nil {
		s.log.Warn("notification delivery failed",
			zap.String("user_id", input.UserID),
			zap.String("type", input.Type),
			zap.Error(err))
	}
}

func (s *NotificationService) sendMail(ctx context.Context, userID, subject, body string) {
	if s.mailer == nil {
		return
	}
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return
	}
	if err := s.mailer.Send(ctx, mail.Message{
		To:      []string{user.Email},
		Subject: subject,
		Body:    body,
	}); err != nil {
		s.log.Warn("mail delivery failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// ListForUser returns notifications for the supplied user ordered by recency.
func (s *NotificationService) ListForUser(ctx context.Context, input ListNotificationsInput) ([]NotificationDTO, error) {
	ctx = ensureContext(ctx)
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, errors.New("notification service: user id is required")
	}

	limit := input.Limit
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	offset := input.Offset
	if offset < 0 {
		offset = 0
	}

	var rows []models.Notification
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("notification service: list notifications: %w", err)
	}

	items := make([]NotificationDTO, 0, len(rows))
	for _, row := range rows {
		items = append(items, mapNotification(row))
	}
	return items, nil
}

// Create registers a new notification and broadcasts it to the user's
// realtime subscribers.
func (s *NotificationService) Create(ctx context.Context, input CreateNotificationInput) (*NotificationDTO, error) {
	ctx = ensureContext(ctx)
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, errors.New("notification service: user id is required")
	}
	notificationType := strings.TrimSpace(input.Type)
	if notificationType == "" {
		return nil, errors.New("notification service: type is required")
	}

	notification := models.Notification{
		UserID:    userID,
		Type:      notificationType,
		Title:     strings.TrimSpace(input.Title),
		Message:   strings.TrimSpace(input.Message),
		Severity:  defaultIfEmpty(strings.TrimSpace(input.Severity), "info"),
		ActionURL: strings.TrimSpace(input.ActionURL),
	}

	if input.Metadata != nil {
		data, err := json.Marshal(input.Metadata)
		if err != nil {
			return nil, fmt.Errorf("notification service: marshal metadata: %w", err)
		}
		notification.Metadata = datatypes.JSON(data)
	}

	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		return nil, fmt.Errorf("notification service: create notification: %w", err)
	}

	dto := mapNotification(notification)
	s.broadcast(userID, "notification.created", &dto)
	return &dto, nil
}

// MarkRead sets the notification read flag for a user.
func (s *NotificationService) MarkRead(ctx context.Context, userID, notificationID string) (*NotificationDTO, error) {
	ctx = ensureContext(ctx)

	var notification models.Notification
	if err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", notificationID, userID).
		First(&notification).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("notification service: load notification: %w", err)
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&notification).
		Updates(map[string]any{
			"is_read": true,
			"read_at": now,
		}).Error; err != nil {
		return nil, fmt.Errorf("notification service: mark read: %w", err)
	}

	notification.IsRead = true
	notification.ReadAt = &now
	dto := mapNotification(notification)
	s.broadcast(userID, "notification.read", &dto)
	return &dto, nil
}

// MarkAllRead marks all notifications for the user as read.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) error {
	ctx = ensureContext(ctx)

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Updates(map[string]any{
			"is_read": true,
			"read_at": now,
		}).Error; err != nil {
		return fmt.Errorf("notification service: mark all read: %w", err)
	}

	s.broadcast(userID, "notification.read_all", nil)
	return nil
}

// Delete removes a notification owned by the supplied user.
func (s *NotificationService) Delete(ctx context.Context, userID, notificationID string) error {
	ctx = ensureContext(ctx)

	result := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Delete(&models.Notification{})
	if result.Error != nil {
		return fmt.Errorf("notification service: delete notification: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// UnreadCount returns how many notifications the user has not read yet.
func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	ctx = ensureContext(ctx)

	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("notification service: unread count: %w", err)
	}
	return count, nil
}

func (s *NotificationService) broadcast(userID, event string, payload *NotificationDTO) {
	if s.hub == nil {
		return
	}
	message := realtime.Message{
		Stream: realtime.StreamNotifications,
		Event:  event,
	}
	if payload != nil {
		message.Data = payload
	}
	s.hub.BroadcastToUser(realtime.StreamNotifications, userID, message)
}

func mapNotification(row models.Notification) NotificationDTO {
	return NotificationDTO{
		ID:        row.ID,
		UserID:    row.UserID,
		Type:      row.Type,
		Title:     row.Title,
		Message:   row.Message,
		Severity:  defaultIfEmpty(row.Severity, "info"),
		ActionURL: row.ActionURL,
		Metadata:  decodeJSON(row.Metadata),
		IsRead:    row.IsRead,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
		ReadAt:    row.ReadAt,
		Raw:       &row,
	}
}

func decodeJSON(data datatypes.JSON) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
