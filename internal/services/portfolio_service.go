package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/couentine/badgekit/internal/models"
	apperrors "github.com/couentine/badgekit/pkg/errors"
	"github.com/couentine/badgekit/pkg/logger"
)

// PortfolioService owns the portfolio lifecycle. Portfolios are created only
// through AddLearner and every mutation runs the state machine before
// persisting, so invalid states are never reachable.
type PortfolioService struct {
	db         *gorm.DB
	dispatcher Dispatcher
	log        *zap.Logger

	now func() time.Time
}

// NewPortfolioService constructs a PortfolioService.
func NewPortfolioService(db *gorm.DB, dispatcher Dispatcher) (*PortfolioService, error) {
	if db == nil {
		return nil, errors.New("portfolio service: db is required")
	}
	return &PortfolioService{
		db:         db,
		dispatcher: dispatcher,
		log:        logger.WithModule("portfolio"),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// AddLearner creates the portfolio binding a user to a badge. This is the only
// creation path; a second call for the same pair fails with a conflict.
func (s *PortfolioService) AddLearner(ctx context.Context, userID, badgeID string) (*models.Portfolio, error) {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(userID) == "" || strings.TrimSpace(badgeID) == "" {
		return nil, apperrors.NewBadRequest("user id and badge id are required")
	}

	var badge models.Badge
	if err := s.db.WithContext(ctx).First(&badge, "id = ?", badgeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("portfolio service: load badge: %w", err)
	}

	portfolio := models.Portfolio{
		UserID:           userID,
		BadgeID:          badgeID,
		ValidationStatus: models.StatusIncomplete,
		IssueStatus:      models.IssueUnissued,
	}
	if err := s.db.WithContext(ctx).Create(&portfolio).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.ErrPortfolioExists
		}
		return nil, fmt.Errorf("portfolio service: create: %w", err)
	}

	s.dispatch(ctx, &portfolio, models.Transition{
		FromStatus: models.StatusIncomplete,
		ToStatus:   models.StatusIncomplete,
		FromIssue:  models.IssueUnissued,
		ToIssue:    models.IssueUnissued,
	}, ReasonUserAction)
	return &portfolio, nil
}

// Get returns a portfolio by id.
func (s *PortfolioService) Get(ctx context.Context, id string) (*models.Portfolio, error) {
	ctx = ensureContext(ctx)

	var portfolio models.Portfolio
	if err := s.db.WithContext(ctx).First(&portfolio, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("portfolio service: get: %w", err)
	}
	return &portfolio, nil
}

// Find returns the portfolio for a (user, badge) pair.
func (s *PortfolioService) Find(ctx context.Context, userID, badgeID string) (*models.Portfolio, error) {
	ctx = ensureContext(ctx)

	var portfolio models.Portfolio
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND badge_id = ?", userID, badgeID).
		First(&portfolio).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("portfolio service: find: %w", err)
	}
	return &portfolio, nil
}

// ListByBadge returns a badge's portfolios, excluding detached ones.
func (s *PortfolioService) ListByBadge(ctx context.Context, badgeID string) ([]models.Portfolio, error) {
	ctx = ensureContext(ctx)

	var portfolios []models.Portfolio
	err := s.db.WithContext(ctx).
		Where("badge_id = ? AND detached = ?", badgeID, false).
		Order("created_at asc").
		Find(&portfolios).Error
	if err != nil {
		return nil, fmt.Errorf("portfolio service: list by badge: %w", err)
	}
	return portfolios, nil
}

// Request moves a portfolio into the requested state. A repeat request starts
// a new review cycle: ledger entries from the prior cycle are purged and their
// counter contributions removed, so old opinions do not count again.
func (s *PortfolioService) Request(ctx context.Context, portfolioID string) (*models.Portfolio, error) {
	ctx = ensureContext(ctx)

	portfolio, err := s.Get(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	if portfolio.ValidationStatus == models.StatusRequested {
		return portfolio, nil
	}
	if portfolio.IssueStatus == models.IssueIssued {
		return nil, apperrors.ErrConflict
	}
	// A retracted credential stays retracted until a reviewer unretracts it;
	// a fresh request cannot route around that decision.
	if portfolio.IssueStatus == models.IssueRetracted {
		return nil, apperrors.ErrConflict
	}

	now := s.now()
	repeat := portfolio.DateRequested != nil
	requestedAt := now
	portfolio.DateRequested = &requestedAt
	threshold := s.badgeThreshold(ctx, portfolio.BadgeID)

	var transition models.Transition
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if repeat {
			if err := purgeStaleEntries(ctx, tx, portfolio, now); err != nil {
				return err
			}
		}
		transition = portfolio.Recompute(threshold, now, models.TriggerRequest)
		return tx.Save(portfolio).Error
	})
	if txErr != nil {
		return nil, fmt.Errorf("portfolio service: request: %w", txErr)
	}

	s.dispatch(ctx, portfolio, transition, ReasonUserAction)
	return portfolio, nil
}

// Withdraw takes a requested portfolio out of the review queue.
func (s *PortfolioService) Withdraw(ctx context.Context, portfolioID string) (*models.Portfolio, error) {
	ctx = ensureContext(ctx)

	portfolio, err := s.Get(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	if portfolio.ValidationStatus != models.StatusRequested {
		return nil, apperrors.ErrNotRequested
	}

	now := s.now()
	withdrawnAt := now
	portfolio.DateWithdrawn = &withdrawnAt

	transition := portfolio.Recompute(s.badgeThreshold(ctx, portfolio.BadgeID), now, models.TriggerWithdraw)
	if err := s.db.WithContext(ctx).Save(portfolio).Error; err != nil {
		return nil, fmt.Errorf("portfolio service: withdraw: %w", err)
	}

	s.dispatch(ctx, portfolio, transition, ReasonUserAction)
	return portfolio, nil
}

// Retract revokes an issued badge. The award date is preserved in
// date_originally_issued so a later un-retraction can restore it.
func (s *PortfolioService) Retract(ctx context.Context, portfolioID, actorID string) (*models.Portfolio, error) {
	ctx = ensureContext(ctx)

	portfolio, err := s.Get(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	if portfolio.IssueStatus != models.IssueIssued {
		return nil, apperrors.ErrNotIssued
	}

	portfolio.Retracted = true
	if strings.TrimSpace(actorID) != "" {
		portfolio.RetractedBy = &actorID
	}

	transition := s.recomputeWithThreshold(ctx, portfolio, models.TriggerRetraction)
	if err := s.db.WithContext(ctx).Save(portfolio).Error; err != nil {
		return nil, fmt.Errorf("portfolio service: retract: %w", err)
	}

	s.dispatch(ctx, portfolio, transition, ReasonUserAction)
	return portfolio, nil
}

// Unretract lifts a retraction. If the counters still clear the threshold the
// badge re-issues with its original award date.
func (s *PortfolioService) Unretract(ctx context.Context, portfolioID string) (*models.Portfolio, error) {
	ctx = ensureContext(ctx)

	portfolio, err := s.Get(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	if !portfolio.Retracted {
		return portfolio, nil
	}

	portfolio.Retracted = false
	transition := s.recomputeWithThreshold(ctx, portfolio, models.TriggerRetraction)
	if err := s.db.WithContext(ctx).Save(portfolio).Error; err != nil {
		return nil, fmt.Errorf("portfolio service: unretract: %w", err)
	}

	s.dispatch(ctx, portfolio, transition, ReasonUserAction)
	return portfolio, nil
}

// MarkIssuedSeen clears the first-view flag after the recipient has seen
// their award.
func (s *PortfolioService) MarkIssuedSeen(ctx context.Context, portfolioID string) error {
	ctx = ensureContext(ctx)

	err := s.db.WithContext(ctx).
		Model(&models.Portfolio{}).
		Where("id = ?", portfolioID).
		Update("newly_issued", false).Error
	if err != nil {
		return fmt.Errorf("portfolio service: mark issued seen: %w", err)
	}
	return nil
}

// Detach hides a portfolio from the active membership caches while keeping
// its history. The caller states the reason so that fan-out paths such as a
// group leave or a badge deletion defer propagation to the queue.
func (s *PortfolioService) Detach(ctx context.Context, userID, badgeID string, reason EventReason) error {
	ctx = ensureContext(ctx)

	portfolio, err := s.Find(ctx, userID, badgeID)
	if err != nil {
		return err
	}
	if portfolio.Detached {
		return nil
	}

	portfolio.Detached = true
	if err := s.db.WithContext(ctx).Save(portfolio).Error; err != nil {
		return fmt.Errorf("portfolio service: detach: %w", err)
	}

	transition := models.Transition{
		FromStatus: portfolio.ValidationStatus,
		ToStatus:   portfolio.ValidationStatus,
		FromIssue:  portfolio.IssueStatus,
		ToIssue:    portfolio.IssueStatus,
	}
	if portfolio.ValidationStatus == models.StatusRequested {
		// A detached portfolio no longer counts toward pending totals.
		transition.ToStatus = models.StatusIncomplete
	}
	s.dispatch(ctx, portfolio, transition, reason)
	return nil
}

// Destroy deletes a portfolio and its ledger. The (user, badge) pair is handed
// to propagation explicitly since the row no longer exists to be queried.
func (s *PortfolioService) Destroy(ctx context.Context, userID, badgeID string, reason EventReason) error {
	ctx = ensureContext(ctx)

	portfolio, err := s.Find(ctx, userID, badgeID)
	if err != nil {
		return err
	}

	wasRequested := portfolio.ValidationStatus == models.StatusRequested

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.ValidationEntry{}, "portfolio_id = ?", portfolio.ID).Error; err != nil {
			return fmt.Errorf("delete entries: %w", err)
		}
		return tx.Delete(&models.Portfolio{}, "id = ?", portfolio.ID).Error
	})
	if txErr != nil {
		return fmt.Errorf("portfolio service: destroy: %w", txErr)
	}

	transition := models.Transition{
		FromStatus: portfolio.ValidationStatus,
		ToStatus:   models.StatusIncomplete,
		FromIssue:  portfolio.IssueStatus,
		ToIssue:    models.IssueUnissued,
	}
	if wasRequested {
		// Leaving requested state forces a pending recount.
		transition.FromStatus = models.StatusRequested
	}

	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, PortfolioEvent{
			PortfolioID: portfolio.ID,
			UserID:      userID,
			BadgeID:     badgeID,
			Transition:  transition,
			Reason:      reason,
		})
	}
	return nil
}

// recomputeWithThreshold runs the state machine with the badge's configured
// threshold.
func (s *PortfolioService) recomputeWithThreshold(ctx context.Context, portfolio *models.Portfolio, trigger models.RecomputeTrigger) models.Transition {
	return portfolio.Recompute(s.badgeThreshold(ctx, portfolio.BadgeID), s.now(), trigger)
}

// badgeThreshold looks up a badge's configured threshold, falling back to the
// default when the badge cannot be loaded.
func (s *PortfolioService) badgeThreshold(ctx context.Context, badgeID string) int {
	var badge models.Badge
	if err := s.db.WithContext(ctx).First(&badge, "id = ?", badgeID).Error; err != nil {
		s.log.Warn("badge lookup failed, using default threshold",
			zap.String("badge_id", badgeID),
			zap.Error(err))
		return models.DefaultValidationThreshold
	}
	return badge.EffectiveThreshold()
}

func (s *PortfolioService) dispatch(ctx context.Context, portfolio *models.Portfolio, transition models.Transition, reason EventReason) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Dispatch(ctx, PortfolioEvent{
		PortfolioID: portfolio.ID,
		UserID:      portfolio.UserID,
		BadgeID:     portfolio.BadgeID,
		Transition:  transition,
		Reason:      reason,
	})
}
