package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/couentine/badgekit/internal/models"
	apperrors "github.com/couentine/badgekit/pkg/errors"
)

func newNotificationService(t *testing.T, env *testEnv) *NotificationService {
	t.Helper()
	svc, err := NewNotificationService(env.db, nil, nil)
	require.NoError(t, err)
	return svc
}

func TestNotificationServiceCreateAndList(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice")
	svc := newNotificationService(t, env)

	ctx := context.Background()
	dto, err := svc.Create(ctx, CreateNotificationInput{
		UserID:   user.ID,
		Type:     EventPortfolioIssued,
		Title:    "Badge awarded",
		Message:  "You have been awarded Welding Basics",
		Severity: "success",
		Metadata: map[string]any{"badge_id": "badge-1"},
	})
	require.NoError(t, err)
	require.Equal(t, EventPortfolioIssued, dto.Type)

	items, err := svc.ListForUser(ctx, ListNotificationsInput{UserID: user.ID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, dto.ID, items[0].ID)
	require.False(t, items[0].IsRead)
	require.Equal(t, "badge-1", items[0].Metadata["badge_id"])
}

func TestNotificationServiceMarkReadAndAllRead(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice")
	svc := newNotificationService(t, env)

	ctx := context.Background()
	first, err := svc.Create(ctx, CreateNotificationInput{
		UserID:  user.ID,
		Type:    EventPortfolioRequested,
		Title:   "Validation requested",
		Message: "A portfolio awaits review",
	})
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateNotificationInput{
		UserID:  user.ID,
		Type:    EventPortfolioRequested,
		Title:   "Validation requested",
		Message: "Another portfolio awaits review",
	})
	require.NoError(t, err)

	read, err := svc.MarkRead(ctx, user.ID, first.ID)
	require.NoError(t, err)
	require.True(t, read.IsRead)
	require.NotNil(t, read.ReadAt)

	count, err := svc.UnreadCount(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	require.NoError(t, svc.MarkAllRead(ctx, user.ID))

	count, err = svc.UnreadCount(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestNotificationServiceDeleteIsOwnerScoped(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createUser(t, "alice")
	bob := env.createUser(t, "bob")
	svc := newNotificationService(t, env)

	ctx := context.Background()
	dto, err := svc.Create(ctx, CreateNotificationInput{
		UserID:  alice.ID,
		Type:    EventPortfolioIssued,
		Title:   "Badge awarded",
		Message: "Congrats",
	})
	require.NoError(t, err)

	require.ErrorIs(t, svc.Delete(ctx, bob.ID, dto.ID), apperrors.ErrNotFound)
	require.NoError(t, svc.Delete(ctx, alice.ID, dto.ID))
}

func TestNotifyPortfolioRequestedReachesReviewers(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	learner := env.createUser(t, "alice")
	expert := env.createUser(t, "bob")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	portfolio := env.joinAsLearner(t, learner, group, badge)

	// Make bob an existing expert on the badge cache.
	require.NoError(t, env.db.Model(&models.Badge{}).Where("id = ?", badge.ID).
		Update("expert_user_ids", models.EncodeIDSet([]string{expert.ID})).Error)

	svc := newNotificationService(t, env)

	ctx := context.Background()
	svc.NotifyPortfolioEvent(ctx, EventPortfolioRequested, learner.ID, badge.ID, portfolio.ID)

	ownerItems, err := svc.ListForUser(ctx, ListNotificationsInput{UserID: owner.ID})
	require.NoError(t, err)
	require.Len(t, ownerItems, 1)

	expertItems, err := svc.ListForUser(ctx, ListNotificationsInput{UserID: expert.ID})
	require.NoError(t, err)
	require.Len(t, expertItems, 1)

	// The requesting learner is not their own reviewer.
	selfItems, err := svc.ListForUser(ctx, ListNotificationsInput{UserID: learner.ID})
	require.NoError(t, err)
	require.Empty(t, selfItems)
}

func TestNotifyPortfolioIssuedReachesHolder(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	learner := env.createUser(t, "alice")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	portfolio := env.joinAsLearner(t, learner, group, badge)

	svc := newNotificationService(t, env)

	ctx := context.Background()
	svc.NotifyPortfolioEvent(ctx, EventPortfolioIssued, learner.ID, badge.ID, portfolio.ID)
	svc.NotifyPortfolioEvent(ctx, EventPortfolioRetracted, learner.ID, badge.ID, portfolio.ID)

	items, err := svc.ListForUser(ctx, ListNotificationsInput{UserID: learner.ID})
	require.NoError(t, err)
	require.Len(t, items, 2)
}
