package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"github.com/couentine/badgekit/internal/models"
	apperrors "github.com/couentine/badgekit/pkg/errors"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify converts a display name into a url-safe slug.
func Slugify(value string) string {
	slug := strings.ToLower(strings.TrimSpace(value))
	slug = slugPattern.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}

// CreateBadgeInput captures the attributes required to define a badge.
type CreateBadgeInput struct {
	GroupID     string
	Name        string
	Slug        string
	Description string
	Icon        string
	Threshold   int
}

// UpdateBadgeInput represents mutable badge fields.
type UpdateBadgeInput struct {
	Name        *string
	Description *string
	Icon        *string
	Threshold   *int
}

// BadgeService manages badge definitions. Joining a badge is the only way a
// portfolio comes into existence.
type BadgeService struct {
	db         *gorm.DB
	portfolios *PortfolioService
}

// NewBadgeService constructs a BadgeService.
func NewBadgeService(db *gorm.DB, portfolios *PortfolioService) (*BadgeService, error) {
	if db == nil {
		return nil, errors.New("badge service: db is required")
	}
	if portfolios == nil {
		return nil, errors.New("badge service: portfolio service is required")
	}
	return &BadgeService{db: db, portfolios: portfolios}, nil
}

// Create defines a new badge within a group.
func (s *BadgeService) Create(ctx context.Context, input CreateBadgeInput) (*models.Badge, error) {
	ctx = ensureContext(ctx)

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperrors.NewBadRequest("badge name is required")
	}
	if strings.TrimSpace(input.GroupID) == "" {
		return nil, apperrors.NewBadRequest("group id is required")
	}

	slug := Slugify(input.Slug)
	if slug == "" {
		slug = Slugify(name)
	}
	if slug == "" {
		return nil, apperrors.NewBadRequest("badge slug is required")
	}

	threshold := input.Threshold
	if threshold < models.DefaultValidationThreshold {
		threshold = models.DefaultValidationThreshold
	}

	badge := models.Badge{
		GroupID:     input.GroupID,
		Name:        name,
		Slug:        slug,
		Description: strings.TrimSpace(input.Description),
		Icon:        input.Icon,
		Threshold:   threshold,
	}
	if err := s.db.WithContext(ctx).Create(&badge).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.ErrConflict
		}
		return nil, fmt.Errorf("badge service: create: %w", err)
	}
	return &badge, nil
}

// Get returns a badge by id.
func (s *BadgeService) Get(ctx context.Context, id string) (*models.Badge, error) {
	ctx = ensureContext(ctx)

	var badge models.Badge
	if err := s.db.WithContext(ctx).First(&badge, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("badge service: get: %w", err)
	}
	return &badge, nil
}

// GetBySlug returns a badge by its group and slug.
func (s *BadgeService) GetBySlug(ctx context.Context, groupID, slug string) (*models.Badge, error) {
	ctx = ensureContext(ctx)

	var badge models.Badge
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND slug = ?", groupID, slug).
		First(&badge).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("badge service: get by slug: %w", err)
	}
	return &badge, nil
}

// ListByGroup returns a group's badges ordered by name.
func (s *BadgeService) ListByGroup(ctx context.Context, groupID string) ([]models.Badge, error) {
	ctx = ensureContext(ctx)

	var badges []models.Badge
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("name asc").
		Find(&badges).Error
	if err != nil {
		return nil, fmt.Errorf("badge service: list by group: %w", err)
	}
	return badges, nil
}

// Update modifies badge metadata. A threshold change re-runs the state machine
// for every active portfolio, since the validation bar moved.
func (s *BadgeService) Update(ctx context.Context, id string, input UpdateBadgeInput) (*models.Badge, error) {
	ctx = ensureContext(ctx)

	badge, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	thresholdChanged := false
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, apperrors.NewBadRequest("badge name is required")
		}
		badge.Name = name
	}
	if input.Description != nil {
		badge.Description = strings.TrimSpace(*input.Description)
	}
	if input.Icon != nil {
		badge.Icon = *input.Icon
	}
	if input.Threshold != nil {
		threshold := *input.Threshold
		if threshold < models.DefaultValidationThreshold {
			threshold = models.DefaultValidationThreshold
		}
		thresholdChanged = badge.Threshold != threshold
		badge.Threshold = threshold
	}

	if err := s.db.WithContext(ctx).Save(badge).Error; err != nil {
		return nil, fmt.Errorf("badge service: update: %w", err)
	}

	if thresholdChanged {
		if err := s.reapplyThreshold(ctx, badge); err != nil {
			return nil, err
		}
	}
	return badge, nil
}

// Join enrolls a group member as a learner on the badge.
func (s *BadgeService) Join(ctx context.Context, badgeID, userID string) (*models.Portfolio, error) {
	ctx = ensureContext(ctx)

	badge, err := s.Get(ctx, badgeID)
	if err != nil {
		return nil, err
	}

	var membership models.Membership
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND group_id = ?", userID, badge.GroupID).
		First(&membership).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotMember
		}
		return nil, fmt.Errorf("badge service: check membership: %w", err)
	}

	return s.portfolios.AddLearner(ctx, userID, badgeID)
}

// Delete removes a badge and destroys all of its portfolios, propagating each
// removal so user-side caches drop the badge.
func (s *BadgeService) Delete(ctx context.Context, id string) error {
	ctx = ensureContext(ctx)

	badge, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	var portfolios []models.Portfolio
	if err := s.db.WithContext(ctx).Where("badge_id = ?", badge.ID).Find(&portfolios).Error; err != nil {
		return fmt.Errorf("badge service: list portfolios: %w", err)
	}
	// Deleting a badge fans out over every holder, so propagation goes
	// through the queue.
	for _, p := range portfolios {
		if err := s.portfolios.Destroy(ctx, p.UserID, p.BadgeID, ReasonBulkAction); err != nil {
			return err
		}
	}

	if err := s.db.WithContext(ctx).Delete(&models.Badge{}, "id = ?", badge.ID).Error; err != nil {
		return fmt.Errorf("badge service: delete: %w", err)
	}
	return nil
}

// reapplyThreshold recomputes every active portfolio against the badge's new
// threshold. Bulk fan-out, so propagation is deferred to the queue.
func (s *BadgeService) reapplyThreshold(ctx context.Context, badge *models.Badge) error {
	var portfolios []models.Portfolio
	err := s.db.WithContext(ctx).
		Where("badge_id = ? AND detached = ?", badge.ID, false).
		Find(&portfolios).Error
	if err != nil {
		return fmt.Errorf("badge service: list portfolios: %w", err)
	}

	for i := range portfolios {
		p := &portfolios[i]
		transition := p.Recompute(badge.EffectiveThreshold(), s.portfolios.now(), models.TriggerCounters)
		if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
			return fmt.Errorf("badge service: save portfolio: %w", err)
		}
		if s.portfolios.dispatcher != nil {
			s.portfolios.dispatcher.Dispatch(ctx, PortfolioEvent{
				PortfolioID: p.ID,
				UserID:      p.UserID,
				BadgeID:     p.BadgeID,
				Transition:  transition,
				Reason:      ReasonBulkAction,
			})
		}
	}
	return nil
}
