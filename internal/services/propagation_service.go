package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/couentine/badgekit/internal/models"
	"github.com/couentine/badgekit/pkg/logger"
	"github.com/couentine/badgekit/pkg/metrics"
)

// PropagationService is the only writer of the denormalized membership sets on
// Badge and User. Everything else reads them or schedules a propagation.
//
// Apply re-derives the caches for one (user, badge) pair from the portfolio's
// current state and overwrites the corresponding entries. Overwriting rather
// than incrementing makes re-runs and out-of-order runs converge: the caches
// are eventually consistent with portfolio truth, never strictly real-time.
// Writes are conditional on the aggregate row's updated_at, so concurrent
// propagations for different pairs of the same badge or user retry instead of
// overwriting each other's membership.
type PropagationService struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewPropagationService constructs a PropagationService using the provided database handle.
func NewPropagationService(db *gorm.DB) (*PropagationService, error) {
	if db == nil {
		return nil, errors.New("propagation service: db is required")
	}
	return &PropagationService{db: db, log: logger.WithModule("propagation")}, nil
}

// Apply re-derives the learner/expert/all membership entries for one
// (user, badge) pair and overwrites them on both aggregates. When
// recountPending is set, the badge's and the user's pending-request counters
// are recomputed as well; callers pass it only when the portfolio entered or
// left the requested state.
//
// The pair is passed explicitly rather than a portfolio id so that a destroyed
// portfolio can still be propagated: absence means removal from every set.
func (s *PropagationService) Apply(ctx context.Context, userID, badgeID string, recountPending bool) error {
	ctx = ensureContext(ctx)

	if userID == "" || badgeID == "" {
		return errors.New("propagation service: user id and badge id are required")
	}

	err := s.apply(ctx, userID, badgeID, recountPending)
	if err != nil {
		metrics.PropagationRuns.WithLabelValues("error").Inc()
		return err
	}
	metrics.PropagationRuns.WithLabelValues("ok").Inc()
	return nil
}

func (s *PropagationService) apply(ctx context.Context, userID, badgeID string, recountPending bool) error {
	var portfolio models.Portfolio
	found := true
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND badge_id = ?", userID, badgeID).
		First(&portfolio).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("propagation service: load portfolio: %w", err)
		}
		found = false
	}

	member := found && !portfolio.Detached
	expert := member && portfolio.ValidationStatus == models.StatusValidated
	learner := member && !expert
	requested := member && portfolio.ValidationStatus == models.StatusRequested

	groupID, badgeFound, err := s.applyBadgeSets(ctx, badgeID, userID, learner, expert, member)
	if err != nil {
		return err
	}

	userFound, err := s.applyUserSets(ctx, userID, badgeID, learner, expert, member, requested)
	if err != nil {
		return err
	}

	if recountPending && badgeFound {
		if err := s.RecountBadgePending(ctx, badgeID); err != nil {
			return err
		}
		if userFound {
			if err := s.RecountUserGroupPending(ctx, userID, groupID); err != nil {
				return err
			}
		}
	}

	return nil
}

// setWriteAttempts bounds the reload-and-retry loop used for every
// denormalized set write. Each contended attempt means another propagation
// finished in the window, so a handful of retries is plenty.
const setWriteAttempts = 5

// applyBadgeSets rewrites one user's membership across the badge's
// denormalized sets. The write is conditional on the updated_at value read
// with the row: when a concurrent propagation for another user touched the
// badge in between, the condition misses and the sets are re-derived from a
// fresh snapshot, so the two writes compose instead of the later one dropping
// the earlier user's membership.
func (s *PropagationService) applyBadgeSets(ctx context.Context, badgeID, userID string, learner, expert, member bool) (string, bool, error) {
	for attempt := 0; attempt < setWriteAttempts; attempt++ {
		var badge models.Badge
		if err := s.db.WithContext(ctx).First(&badge, "id = ?", badgeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return "", false, nil
			}
			return "", false, fmt.Errorf("propagation service: load badge: %w", err)
		}

		applied, err := s.writeBadgeSets(ctx, &badge, userID, learner, expert, member)
		if err != nil {
			return "", false, err
		}
		if applied {
			return badge.GroupID, true, nil
		}
	}
	return "", false, fmt.Errorf("propagation service: badge %s kept changing during set update", badgeID)
}

// writeBadgeSets attempts a single conditional write of the badge's sets
// derived from the given snapshot. It reports false when the snapshot went
// stale before the write landed.
func (s *PropagationService) writeBadgeSets(ctx context.Context, badge *models.Badge, userID string, learner, expert, member bool) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Badge{}).
		Where("id = ? AND updated_at = ?", badge.ID, badge.UpdatedAt).
		Updates(map[string]any{
			"learner_user_ids": setMembership(badge.LearnerUserIDs, userID, learner),
			"expert_user_ids":  setMembership(badge.ExpertUserIDs, userID, expert),
			"all_user_ids":     setMembership(badge.AllUserIDs, userID, member),
		})
	if res.Error != nil {
		return false, fmt.Errorf("propagation service: save badge sets: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// applyUserSets is the user-side counterpart of applyBadgeSets, with the same
// conditional write and retry behavior.
func (s *PropagationService) applyUserSets(ctx context.Context, userID, badgeID string, learner, expert, member, requested bool) (bool, error) {
	for attempt := 0; attempt < setWriteAttempts; attempt++ {
		var user models.User
		if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("propagation service: load user: %w", err)
		}

		applied, err := s.writeUserSets(ctx, &user, badgeID, learner, expert, member, requested)
		if err != nil {
			return false, err
		}
		if applied {
			return true, nil
		}
	}
	return false, fmt.Errorf("propagation service: user %s kept changing during set update", userID)
}

func (s *PropagationService) writeUserSets(ctx context.Context, user *models.User, badgeID string, learner, expert, member, requested bool) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ? AND updated_at = ?", user.ID, user.UpdatedAt).
		Updates(map[string]any{
			"learner_badge_ids":   setMembership(user.LearnerBadgeIDs, badgeID, learner),
			"expert_badge_ids":    setMembership(user.ExpertBadgeIDs, badgeID, expert),
			"all_badge_ids":       setMembership(user.AllBadgeIDs, badgeID, member),
			"requested_badge_ids": setMembership(user.RequestedBadgeIDs, badgeID, requested),
		})
	if res.Error != nil {
		return false, fmt.Errorf("propagation service: save user sets: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// BadgeExperts reads the badge's current expert user ids from the
// denormalized set. A missing badge yields an empty slice.
func (s *PropagationService) BadgeExperts(ctx context.Context, badgeID string) ([]string, error) {
	ctx = ensureContext(ctx)

	var badge models.Badge
	if err := s.db.WithContext(ctx).Select("expert_user_ids").First(&badge, "id = ?", badgeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("propagation service: load badge experts: %w", err)
	}
	return models.DecodeIDSet(badge.ExpertUserIDs), nil
}

func setMembership(set datatypes.JSON, id string, present bool) datatypes.JSON {
	if present {
		return models.IDSetWith(set, id)
	}
	return models.IDSetWithout(set, id)
}

// RecountBadgePending recomputes a badge's pending-request count as a full
// scan over its portfolios. Scanning instead of incrementing keeps the count
// correct under concurrent updates and makes redundant runs harmless.
func (s *PropagationService) RecountBadgePending(ctx context.Context, badgeID string) error {
	ctx = ensureContext(ctx)

	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Portfolio{}).
		Where("badge_id = ? AND validation_status = ? AND detached = ?", badgeID, models.StatusRequested, false).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("propagation service: count badge pending: %w", err)
	}

	err = s.db.WithContext(ctx).
		Model(&models.Badge{}).
		Where("id = ?", badgeID).
		Update("pending_request_count", count).Error
	if err != nil {
		return fmt.Errorf("propagation service: save badge pending: %w", err)
	}
	return nil
}

// RecountUserGroupPending recomputes one user's pending-request count within
// one group, scanning the user's portfolios restricted to the group's badges.
func (s *PropagationService) RecountUserGroupPending(ctx context.Context, userID, groupID string) error {
	ctx = ensureContext(ctx)

	if groupID == "" {
		return nil
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Portfolio{}).
		Joins("JOIN badges ON badges.id = portfolios.badge_id").
		Where("portfolios.user_id = ? AND badges.group_id = ?", userID, groupID).
		Where("portfolios.validation_status = ? AND portfolios.detached = ?", models.StatusRequested, false).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("propagation service: count user pending: %w", err)
	}

	// The per-group map is rewritten whole, so the write carries the same
	// stale-snapshot condition as the membership sets.
	for attempt := 0; attempt < setWriteAttempts; attempt++ {
		var user models.User
		if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("propagation service: load user: %w", err)
		}

		pending := user.PendingByGroup
		if pending == nil {
			pending = datatypes.JSONMap{}
		}
		if count == 0 {
			delete(pending, groupID)
		} else {
			pending[groupID] = count
		}

		res := s.db.WithContext(ctx).
			Model(&models.User{}).
			Where("id = ? AND updated_at = ?", user.ID, user.UpdatedAt).
			Updates(map[string]any{"pending_by_group": pending})
		if res.Error != nil {
			return fmt.Errorf("propagation service: save user pending: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
	}
	return fmt.Errorf("propagation service: user %s kept changing during pending update", userID)
}

// RebuildBadge re-derives every denormalized field on one badge from its
// portfolios. Used by the maintenance rebuild and after suspected drift.
func (s *PropagationService) RebuildBadge(ctx context.Context, badgeID string) error {
	ctx = ensureContext(ctx)

	var portfolios []models.Portfolio
	err := s.db.WithContext(ctx).
		Where("badge_id = ?", badgeID).
		Find(&portfolios).Error
	if err != nil {
		return fmt.Errorf("propagation service: load portfolios: %w", err)
	}

	var learners, experts, all []string
	var pending int64
	for _, p := range portfolios {
		if p.Detached {
			continue
		}
		all = append(all, p.UserID)
		if p.ValidationStatus == models.StatusValidated {
			experts = append(experts, p.UserID)
		} else {
			learners = append(learners, p.UserID)
		}
		if p.ValidationStatus == models.StatusRequested {
			pending++
		}
	}

	err = s.db.WithContext(ctx).
		Model(&models.Badge{}).
		Where("id = ?", badgeID).
		Updates(map[string]any{
			"learner_user_ids":      models.EncodeIDSet(learners),
			"expert_user_ids":       models.EncodeIDSet(experts),
			"all_user_ids":          models.EncodeIDSet(all),
			"pending_request_count": pending,
		}).Error
	if err != nil {
		return fmt.Errorf("propagation service: rebuild badge: %w", err)
	}
	return nil
}

// RebuildUser re-derives every denormalized field on one user from their
// portfolios.
func (s *PropagationService) RebuildUser(ctx context.Context, userID string) error {
	ctx = ensureContext(ctx)

	type portfolioWithGroup struct {
		models.Portfolio
		GroupID string
	}

	var rows []portfolioWithGroup
	err := s.db.WithContext(ctx).
		Model(&models.Portfolio{}).
		Select("portfolios.*, badges.group_id as group_id").
		Joins("JOIN badges ON badges.id = portfolios.badge_id").
		Where("portfolios.user_id = ?", userID).
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("propagation service: load portfolios: %w", err)
	}

	var learners, experts, all, requested []string
	pending := datatypes.JSONMap{}
	for _, row := range rows {
		if row.Detached {
			continue
		}
		all = append(all, row.BadgeID)
		if row.ValidationStatus == models.StatusValidated {
			experts = append(experts, row.BadgeID)
		} else {
			learners = append(learners, row.BadgeID)
		}
		if row.ValidationStatus == models.StatusRequested {
			requested = append(requested, row.BadgeID)
			switch current := pending[row.GroupID].(type) {
			case int64:
				pending[row.GroupID] = current + 1
			default:
				pending[row.GroupID] = int64(1)
			}
		}
	}

	err = s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"learner_badge_ids":   models.EncodeIDSet(learners),
			"expert_badge_ids":    models.EncodeIDSet(experts),
			"all_badge_ids":       models.EncodeIDSet(all),
			"requested_badge_ids": models.EncodeIDSet(requested),
			"pending_by_group":    pending,
		}).Error
	if err != nil {
		return fmt.Errorf("propagation service: rebuild user: %w", err)
	}
	return nil
}

// RebuildAll re-derives every badge and user cache. It walks id lists rather
// than loading whole aggregates so large tables stream through in batches.
func (s *PropagationService) RebuildAll(ctx context.Context) error {
	ctx = ensureContext(ctx)

	var badgeIDs []string
	if err := s.db.WithContext(ctx).Model(&models.Badge{}).Pluck("id", &badgeIDs).Error; err != nil {
		return fmt.Errorf("propagation service: list badges: %w", err)
	}
	for _, id := range badgeIDs {
		if err := s.RebuildBadge(ctx, id); err != nil {
			return err
		}
	}

	var userIDs []string
	if err := s.db.WithContext(ctx).Model(&models.User{}).Pluck("id", &userIDs).Error; err != nil {
		return fmt.Errorf("propagation service: list users: %w", err)
	}
	for _, id := range userIDs {
		if err := s.RebuildUser(ctx, id); err != nil {
			return err
		}
	}

	s.log.Info("cache rebuild complete",
		zap.Int("badges", len(badgeIDs)),
		zap.Int("users", len(userIDs)))
	return nil
}
