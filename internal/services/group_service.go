package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/couentine/badgekit/internal/models"
	apperrors "github.com/couentine/badgekit/pkg/errors"
)

// CreateGroupInput captures the attributes required to register a group.
type CreateGroupInput struct {
	Name        string
	Slug        string
	Description string
	Website     string
	OwnerID     string
}

// UpdateGroupInput represents mutable group fields.
type UpdateGroupInput struct {
	Name        *string
	Description *string
	Website     *string
}

// GroupService manages groups and their memberships.
type GroupService struct {
	db         *gorm.DB
	portfolios *PortfolioService
}

// NewGroupService constructs a GroupService.
func NewGroupService(db *gorm.DB, portfolios *PortfolioService) (*GroupService, error) {
	if db == nil {
		return nil, errors.New("group service: db is required")
	}
	if portfolios == nil {
		return nil, errors.New("group service: portfolio service is required")
	}
	return &GroupService{db: db, portfolios: portfolios}, nil
}

// Create registers a group and enrolls the owner as its first admin.
func (s *GroupService) Create(ctx context.Context, input CreateGroupInput) (*models.Group, error) {
	ctx = ensureContext(ctx)

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperrors.NewBadRequest("group name is required")
	}
	if strings.TrimSpace(input.OwnerID) == "" {
		return nil, apperrors.NewBadRequest("owner id is required")
	}

	slug := Slugify(input.Slug)
	if slug == "" {
		slug = Slugify(name)
	}
	if slug == "" {
		return nil, apperrors.NewBadRequest("group slug is required")
	}

	group := models.Group{
		Name:        name,
		Slug:        slug,
		Description: strings.TrimSpace(input.Description),
		Website:     strings.TrimSpace(input.Website),
		OwnerID:     input.OwnerID,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&group).Error; err != nil {
			return err
		}
		membership := models.Membership{
			UserID:  input.OwnerID,
			GroupID: group.ID,
			Role:    models.RoleAdmin,
		}
		return tx.Create(&membership).Error
	})
	if txErr != nil {
		if isUniqueConstraintError(txErr) {
			return nil, apperrors.ErrConflict
		}
		return nil, fmt.Errorf("group service: create: %w", txErr)
	}
	return &group, nil
}

// Get returns a group by id.
func (s *GroupService) Get(ctx context.Context, id string) (*models.Group, error) {
	ctx = ensureContext(ctx)

	var group models.Group
	if err := s.db.WithContext(ctx).First(&group, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("group service: get: %w", err)
	}
	return &group, nil
}

// GetBySlug returns a group by slug.
func (s *GroupService) GetBySlug(ctx context.Context, slug string) (*models.Group, error) {
	ctx = ensureContext(ctx)

	var group models.Group
	if err := s.db.WithContext(ctx).First(&group, "slug = ?", slug).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("group service: get by slug: %w", err)
	}
	return &group, nil
}

// List returns all groups ordered by creation date.
func (s *GroupService) List(ctx context.Context) ([]models.Group, error) {
	ctx = ensureContext(ctx)

	var groups []models.Group
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("group service: list: %w", err)
	}
	return groups, nil
}

// Update modifies group metadata.
func (s *GroupService) Update(ctx context.Context, id string, input UpdateGroupInput) (*models.Group, error) {
	ctx = ensureContext(ctx)

	group, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, apperrors.NewBadRequest("group name is required")
		}
		group.Name = name
	}
	if input.Description != nil {
		group.Description = strings.TrimSpace(*input.Description)
	}
	if input.Website != nil {
		group.Website = strings.TrimSpace(*input.Website)
	}

	if err := s.db.WithContext(ctx).Save(group).Error; err != nil {
		return nil, fmt.Errorf("group service: update: %w", err)
	}
	return group, nil
}

// Join enrolls a user as a member of the group.
func (s *GroupService) Join(ctx context.Context, groupID, userID string) (*models.Membership, error) {
	ctx = ensureContext(ctx)

	if _, err := s.Get(ctx, groupID); err != nil {
		return nil, err
	}

	membership := models.Membership{
		UserID:  userID,
		GroupID: groupID,
		Role:    models.RoleMember,
	}
	if err := s.db.WithContext(ctx).Create(&membership).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.ErrAlreadyMember
		}
		return nil, fmt.Errorf("group service: join: %w", err)
	}
	return &membership, nil
}

// Leave removes a user from the group. Each of the user's portfolios on the
// group's badges is detached when it has review history worth keeping, and
// destroyed otherwise. Either way the membership caches drop the user.
func (s *GroupService) Leave(ctx context.Context, groupID, userID string) error {
	ctx = ensureContext(ctx)

	var membership models.Membership
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND group_id = ?", userID, groupID).
		First(&membership).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrNotMember
		}
		return fmt.Errorf("group service: load membership: %w", err)
	}

	var badgeIDs []string
	if err := s.db.WithContext(ctx).
		Model(&models.Badge{}).
		Where("group_id = ?", groupID).
		Pluck("id", &badgeIDs).Error; err != nil {
		return fmt.Errorf("group service: list badges: %w", err)
	}

	for _, badgeID := range badgeIDs {
		portfolio, err := s.portfolios.Find(ctx, userID, badgeID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return err
		}

		keep, err := s.hasHistory(ctx, portfolio)
		if err != nil {
			return err
		}
		if keep {
			if err := s.portfolios.Detach(ctx, userID, badgeID, ReasonBulkAction); err != nil {
				return err
			}
		} else {
			if err := s.portfolios.Destroy(ctx, userID, badgeID, ReasonBulkAction); err != nil {
				return err
			}
		}
	}

	if err := s.db.WithContext(ctx).Delete(&models.Membership{}, "id = ?", membership.ID).Error; err != nil {
		return fmt.Errorf("group service: delete membership: %w", err)
	}
	return nil
}

// IsAdmin reports whether the user holds the admin role in the group.
func (s *GroupService) IsAdmin(ctx context.Context, groupID, userID string) (bool, error) {
	ctx = ensureContext(ctx)

	var membership models.Membership
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND group_id = ?", userID, groupID).
		First(&membership).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("group service: load membership: %w", err)
	}
	return membership.IsAdmin(), nil
}

// ListMembers returns the group's memberships.
func (s *GroupService) ListMembers(ctx context.Context, groupID string) ([]models.Membership, error) {
	ctx = ensureContext(ctx)

	var memberships []models.Membership
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("created_at asc").
		Find(&memberships).Error
	if err != nil {
		return nil, fmt.Errorf("group service: list members: %w", err)
	}
	return memberships, nil
}

// hasHistory reports whether a portfolio carries review history: an issued or
// retracted badge, or any ledger entries.
func (s *GroupService) hasHistory(ctx context.Context, portfolio *models.Portfolio) (bool, error) {
	if portfolio.IssueStatus != models.IssueUnissued {
		return true, nil
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.ValidationEntry{}).
		Where("portfolio_id = ?", portfolio.ID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("group service: count entries: %w", err)
	}
	return count > 0, nil
}
