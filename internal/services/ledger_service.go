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
	"github.com/couentine/badgekit/pkg/metrics"
)

// LedgerService manages a portfolio's validation ledger: evidence posts and
// at-most-one-per-author validation judgments, with the portfolio's counters
// and cached summaries kept in step.
type LedgerService struct {
	db         *gorm.DB
	dispatcher Dispatcher
	analytics  AnalyticsRecorder
	log        *zap.Logger

	now func() time.Time
}

// NewLedgerService constructs a LedgerService. The dispatcher is optional;
// without one, state transitions persist but no propagation is scheduled.
func NewLedgerService(db *gorm.DB, dispatcher Dispatcher) (*LedgerService, error) {
	if db == nil {
		return nil, errors.New("ledger service: db is required")
	}
	return &LedgerService{
		db:         db,
		dispatcher: dispatcher,
		log:        logger.WithModule("ledger"),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetAnalytics attaches the analytics sink used for bulk validation events.
func (s *LedgerService) SetAnalytics(a AnalyticsRecorder) { s.analytics = a }

// SubmitEvidenceInput describes a new evidence post.
type SubmitEvidenceInput struct {
	PortfolioID string
	AuthorID    string
	Format      models.EvidenceFormat
	Content     string
	LinkURL     string
}

// SubmitEvidence appends an evidence entry to the portfolio's ledger. Evidence
// never affects the state-machine counters.
func (s *LedgerService) SubmitEvidence(ctx context.Context, input SubmitEvidenceInput) (*models.ValidationEntry, error) {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(input.PortfolioID) == "" || strings.TrimSpace(input.AuthorID) == "" {
		return nil, apperrors.NewBadRequest("portfolio id and author id are required")
	}

	switch input.Format {
	case models.FormatText:
		if strings.TrimSpace(input.Content) == "" {
			return nil, apperrors.NewBadRequest("text evidence requires content")
		}
	case models.FormatLink, models.FormatImage:
		if strings.TrimSpace(input.LinkURL) == "" {
			return nil, apperrors.NewBadRequest("link and image evidence require a url")
		}
	default:
		return nil, apperrors.NewBadRequest("unknown evidence format")
	}

	var portfolio models.Portfolio
	if err := s.db.WithContext(ctx).First(&portfolio, "id = ?", input.PortfolioID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("ledger service: load portfolio: %w", err)
	}

	entry := models.ValidationEntry{
		PortfolioID: portfolio.ID,
		AuthorID:    input.AuthorID,
		Kind:        models.KindEvidence,
		Format:      input.Format,
		Content:     input.Content,
		LinkURL:     input.LinkURL,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("ledger service: create evidence: %w", err)
	}
	return &entry, nil
}

// SubmitValidationInput describes a reviewer's judgment on a portfolio.
type SubmitValidationInput struct {
	PortfolioID string
	AuthorID    string
	Approved    bool
	Summary     string
	Body        string
}

// SubmitValidation records a reviewer's judgment. A repeat submission from the
// same author overwrites the earlier entry and the counters move by the net
// effect of the change, so two approvals from one reviewer count once.
func (s *LedgerService) SubmitValidation(ctx context.Context, input SubmitValidationInput) (*models.ValidationEntry, error) {
	return s.submitValidation(ctx, input, ReasonUserAction)
}

func (s *LedgerService) submitValidation(ctx context.Context, input SubmitValidationInput, reason EventReason) (*models.ValidationEntry, error) {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(input.PortfolioID) == "" || strings.TrimSpace(input.AuthorID) == "" {
		return nil, apperrors.NewBadRequest("portfolio id and author id are required")
	}
	if strings.TrimSpace(input.Summary) == "" {
		return nil, apperrors.NewBadRequest("summary is required")
	}

	var portfolio models.Portfolio
	if err := s.db.WithContext(ctx).First(&portfolio, "id = ?", input.PortfolioID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("ledger service: load portfolio: %w", err)
	}
	if portfolio.UserID == input.AuthorID {
		return nil, apperrors.ErrSelfValidation
	}

	var badge models.Badge
	if err := s.db.WithContext(ctx).First(&badge, "id = ?", portfolio.BadgeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("ledger service: load badge: %w", err)
	}

	var entry models.ValidationEntry
	existing := true
	err := s.db.WithContext(ctx).
		Where("portfolio_id = ? AND author_id = ? AND kind = ?", portfolio.ID, input.AuthorID, models.KindValidation).
		First(&entry).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("ledger service: load entry: %w", err)
		}
		existing = false
	}

	// The counter delta depends on the entry's previous value, so it must be
	// computed before the new value is persisted.
	switch {
	case !existing:
		if input.Approved {
			portfolio.ValidationCount++
		} else {
			portfolio.RejectionCount++
		}
	case entry.Approved != input.Approved:
		if input.Approved {
			portfolio.ValidationCount++
			portfolio.RejectionCount--
		} else {
			portfolio.ValidationCount--
			portfolio.RejectionCount++
		}
	}

	entry.PortfolioID = portfolio.ID
	entry.AuthorID = input.AuthorID
	entry.Kind = models.KindValidation
	entry.Approved = input.Approved
	entry.Summary = input.Summary
	entry.Body = input.Body

	transition := portfolio.Recompute(badge.EffectiveThreshold(), s.now(), models.TriggerCounters)
	portfolio.SetValidationSummary(input.AuthorID, models.CachedValidation{
		Validated: input.Approved,
		Summary:   input.Summary,
		Body:      input.Body,
	})

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&entry).Error; err != nil {
			return fmt.Errorf("save entry: %w", err)
		}
		if err := tx.Save(&portfolio).Error; err != nil {
			return fmt.Errorf("save portfolio: %w", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, fmt.Errorf("ledger service: submit validation: %w", txErr)
	}

	outcome := "rejected"
	if input.Approved {
		outcome = "approved"
	}
	metrics.ValidationsSubmitted.WithLabelValues(outcome).Inc()

	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, PortfolioEvent{
			PortfolioID: portfolio.ID,
			UserID:      portfolio.UserID,
			BadgeID:     portfolio.BadgeID,
			Transition:  transition,
			Reason:      reason,
		})
	}
	return &entry, nil
}

// BulkValidationInput applies one reviewer's judgment across many portfolios.
type BulkValidationInput struct {
	AuthorID     string
	AuthorEmail  string
	PortfolioIDs []string
	Approved     bool
	Summary      string
	Body         string
}

// SubmitBulkValidations applies the judgment to each portfolio in turn.
// Individual failures are collected rather than aborting the batch, and
// propagation for every affected pair goes through the queue.
func (s *LedgerService) SubmitBulkValidations(ctx context.Context, input BulkValidationInput) (int, error) {
	ctx = ensureContext(ctx)

	ids := normaliseIDs(input.PortfolioIDs)
	if len(ids) == 0 {
		return 0, apperrors.NewBadRequest("at least one portfolio id is required")
	}

	applied := 0
	var failures []string
	for _, id := range ids {
		_, err := s.submitValidation(ctx, SubmitValidationInput{
			PortfolioID: id,
			AuthorID:    input.AuthorID,
			Approved:    input.Approved,
			Summary:     input.Summary,
			Body:        input.Body,
		}, ReasonBulkAction)
		if err != nil {
			failures = append(failures, id)
			s.log.Warn("bulk validation skipped portfolio",
				zap.String("portfolio_id", id),
				zap.Error(err))
			continue
		}
		applied++
	}

	if s.analytics != nil && applied > 0 {
		s.analytics.Record(ctx, "bulk validation", input.AuthorEmail, map[string]any{
			"portfolios": applied,
			"approved":   input.Approved,
		})
	}

	if applied == 0 {
		return 0, apperrors.NewBadRequest("no portfolios could be validated")
	}
	if len(failures) > 0 {
		s.log.Warn("bulk validation completed with failures",
			zap.Int("applied", applied),
			zap.Strings("failed", failures))
	}
	return applied, nil
}

// ListEntries returns a portfolio's ledger, oldest first.
func (s *LedgerService) ListEntries(ctx context.Context, portfolioID string) ([]models.ValidationEntry, error) {
	ctx = ensureContext(ctx)

	var entries []models.ValidationEntry
	err := s.db.WithContext(ctx).
		Where("portfolio_id = ?", portfolioID).
		Order("created_at asc").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("ledger service: list entries: %w", err)
	}
	return entries, nil
}

// purgeStaleEntries removes validation entries older than the cutoff and
// subtracts their counter contributions from the portfolio in memory. Used
// when a portfolio starts a new request cycle: feedback from a prior cycle
// must not count toward the new cycle's threshold.
func purgeStaleEntries(ctx context.Context, db *gorm.DB, portfolio *models.Portfolio, cutoff time.Time) error {
	var stale []models.ValidationEntry
	err := db.WithContext(ctx).
		Where("portfolio_id = ? AND kind = ? AND updated_at < ?", portfolio.ID, models.KindValidation, cutoff).
		Find(&stale).Error
	if err != nil {
		return fmt.Errorf("load stale entries: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	ids := make([]string, 0, len(stale))
	for _, entry := range stale {
		ids = append(ids, entry.ID)
		if entry.Approved {
			portfolio.ValidationCount--
		} else {
			portfolio.RejectionCount--
		}
		portfolio.RemoveValidationSummary(entry.AuthorID)
	}
	portfolio.ClampCounters()

	if err := db.WithContext(ctx).Delete(&models.ValidationEntry{}, "id IN ?", ids).Error; err != nil {
		return fmt.Errorf("delete stale entries: %w", err)
	}
	return nil
}
