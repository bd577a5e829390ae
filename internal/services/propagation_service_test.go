package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/couentine/badgekit/internal/models"
)

func TestApplyReflectsLearnerMembership(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	learner := env.createUser(t, "alice")
	group, badge := env.createGroupWithBadge(t, owner, 1)

	env.joinAsLearner(t, learner, group, badge)

	reloaded := env.reloadBadge(t, badge.ID)
	require.True(t, models.IDSetContains(reloaded.LearnerUserIDs, learner.ID))
	require.False(t, models.IDSetContains(reloaded.ExpertUserIDs, learner.ID))
	require.True(t, models.IDSetContains(reloaded.AllUserIDs, learner.ID))

	user := env.reloadUser(t, learner.ID)
	require.True(t, models.IDSetContains(user.LearnerBadgeIDs, badge.ID))
	require.True(t, models.IDSetContains(user.AllBadgeIDs, badge.ID))
	require.False(t, models.IDSetContains(user.ExpertBadgeIDs, badge.ID))
}

func TestApplyMovesValidatedUserToExperts(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	learner := env.createUser(t, "alice")
	reviewer := env.createUser(t, "bob")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	portfolio := env.joinAsLearner(t, learner, group, badge)

	_, err := env.ledger.SubmitValidation(context.Background(), SubmitValidationInput{
		PortfolioID: portfolio.ID,
		AuthorID:    reviewer.ID,
		Approved:    true,
		Summary:     "Great work",
	})
	require.NoError(t, err)

	reloaded := env.reloadBadge(t, badge.ID)
	require.True(t, models.IDSetContains(reloaded.ExpertUserIDs, learner.ID))
	require.False(t, models.IDSetContains(reloaded.LearnerUserIDs, learner.ID))
	require.True(t, models.IDSetContains(reloaded.AllUserIDs, learner.ID))

	user := env.reloadUser(t, learner.ID)
	require.True(t, models.IDSetContains(user.ExpertBadgeIDs, badge.ID))
	require.False(t, models.IDSetContains(user.LearnerBadgeIDs, badge.ID))
}

func TestApplyIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	learner := env.createUser(t, "alice")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	env.joinAsLearner(t, learner, group, badge)

	for i := 0; i < 3; i++ {
		require.NoError(t, env.propagation.Apply(context.Background(), learner.ID, badge.ID, true))
	}

	reloaded := env.reloadBadge(t, badge.ID)
	require.Equal(t, []string{learner.ID}, models.DecodeIDSet(reloaded.LearnerUserIDs))
	require.Equal(t, []string{learner.ID}, models.DecodeIDSet(reloaded.AllUserIDs))
}

func TestApplyRemovesDestroyedPortfolio(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	learner := env.createUser(t, "alice")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	env.joinAsLearner(t, learner, group, badge)

	require.NoError(t, env.portfolios.Destroy(context.Background(), learner.ID, badge.ID, ReasonUserAction))

	reloaded := env.reloadBadge(t, badge.ID)
	require.False(t, models.IDSetContains(reloaded.AllUserIDs, learner.ID))
	require.False(t, models.IDSetContains(reloaded.LearnerUserIDs, learner.ID))

	user := env.reloadUser(t, learner.ID)
	require.False(t, models.IDSetContains(user.AllBadgeIDs, badge.ID))
}

func TestApplyExcludesDetachedPortfolio(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	learner := env.createUser(t, "alice")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	env.joinAsLearner(t, learner, group, badge)

	require.NoError(t, env.portfolios.Detach(context.Background(), learner.ID, badge.ID, ReasonUserAction))

	reloaded := env.reloadBadge(t, badge.ID)
	require.False(t, models.IDSetContains(reloaded.AllUserIDs, learner.ID))
	require.False(t, models.IDSetContains(reloaded.LearnerUserIDs, learner.ID))
}

func TestPendingCountersTrackRequests(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	learner := env.createUser(t, "alice")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	portfolio := env.joinAsLearner(t, learner, group, badge)

	_, err := env.portfolios.Request(context.Background(), portfolio.ID)
	require.NoError(t, err)

	reloaded := env.reloadBadge(t, badge.ID)
	require.Equal(t, 1, reloaded.PendingRequestCount)

	user := env.reloadUser(t, learner.ID)
	require.NotNil(t, user.PendingByGroup[group.ID])
	require.True(t, models.IDSetContains(user.RequestedBadgeIDs, badge.ID))

	_, err = env.portfolios.Withdraw(context.Background(), portfolio.ID)
	require.NoError(t, err)

	reloaded = env.reloadBadge(t, badge.ID)
	require.Equal(t, 0, reloaded.PendingRequestCount)

	user = env.reloadUser(t, learner.ID)
	require.Nil(t, user.PendingByGroup[group.ID])
	require.False(t, models.IDSetContains(user.RequestedBadgeIDs, badge.ID))
}

func TestCacheConvergenceIsOrderIndependent(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	alice := env.createUser(t, "alice")
	bob := env.createUser(t, "bob")
	reviewer := env.createUser(t, "carol")
	group, badge := env.createGroupWithBadge(t, owner, 1)

	pa := env.joinAsLearner(t, alice, group, badge)
	env.joinAsLearner(t, bob, group, badge)

	_, err := env.ledger.SubmitValidation(context.Background(), SubmitValidationInput{
		PortfolioID: pa.ID,
		AuthorID:    reviewer.ID,
		Approved:    true,
		Summary:     "Done",
	})
	require.NoError(t, err)

	// Re-run propagation for both pairs in both orders; the caches must end
	// up identical either way.
	ctx := context.Background()
	require.NoError(t, env.propagation.Apply(ctx, bob.ID, badge.ID, true))
	require.NoError(t, env.propagation.Apply(ctx, alice.ID, badge.ID, true))
	first := env.reloadBadge(t, badge.ID)

	require.NoError(t, env.propagation.Apply(ctx, alice.ID, badge.ID, true))
	require.NoError(t, env.propagation.Apply(ctx, bob.ID, badge.ID, true))
	second := env.reloadBadge(t, badge.ID)

	require.Equal(t, string(first.LearnerUserIDs), string(second.LearnerUserIDs))
	require.Equal(t, string(first.ExpertUserIDs), string(second.ExpertUserIDs))
	require.Equal(t, string(first.AllUserIDs), string(second.AllUserIDs))

	require.Equal(t, []string{alice.ID}, models.DecodeIDSet(second.ExpertUserIDs))
	require.Equal(t, []string{bob.ID}, models.DecodeIDSet(second.LearnerUserIDs))
}

func TestRebuildBadgeRepairsDrift(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	learner := env.createUser(t, "alice")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	env.joinAsLearner(t, learner, group, badge)

	// Corrupt the cache directly.
	require.NoError(t, env.db.Model(&models.Badge{}).Where("id = ?", badge.ID).Updates(map[string]any{
		"learner_user_ids":      models.EncodeIDSet([]string{"ghost"}),
		"pending_request_count": 42,
	}).Error)

	require.NoError(t, env.propagation.RebuildBadge(context.Background(), badge.ID))

	reloaded := env.reloadBadge(t, badge.ID)
	require.Equal(t, []string{learner.ID}, models.DecodeIDSet(reloaded.LearnerUserIDs))
	require.Equal(t, 0, reloaded.PendingRequestCount)
}

func TestRebuildUserRepairsDrift(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	learner := env.createUser(t, "alice")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	portfolio := env.joinAsLearner(t, learner, group, badge)

	_, err := env.portfolios.Request(context.Background(), portfolio.ID)
	require.NoError(t, err)

	require.NoError(t, env.db.Model(&models.User{}).Where("id = ?", learner.ID).Updates(map[string]any{
		"all_badge_ids":       models.EncodeIDSet([]string{"ghost"}),
		"requested_badge_ids": models.EncodeIDSet(nil),
	}).Error)

	require.NoError(t, env.propagation.RebuildUser(context.Background(), learner.ID))

	user := env.reloadUser(t, learner.ID)
	require.Equal(t, []string{badge.ID}, models.DecodeIDSet(user.AllBadgeIDs))
	require.Equal(t, []string{badge.ID}, models.DecodeIDSet(user.RequestedBadgeIDs))
	require.NotNil(t, user.PendingByGroup[group.ID])
}

func TestRebuildAllWalksEveryAggregate(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	learner := env.createUser(t, "alice")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	env.joinAsLearner(t, learner, group, badge)

	require.NoError(t, env.db.Model(&models.Badge{}).Where("id = ?", badge.ID).
		Update("all_user_ids", models.EncodeIDSet([]string{"ghost"})).Error)

	require.NoError(t, env.propagation.RebuildAll(context.Background()))

	reloaded := env.reloadBadge(t, badge.ID)
	require.Equal(t, []string{learner.ID}, models.DecodeIDSet(reloaded.AllUserIDs))
}

func TestBadgeSetWriteSkipsStaleSnapshot(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	alice := env.createUser(t, "alice")
	bob := env.createUser(t, "bob")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	env.joinAsLearner(t, alice, group, badge)

	ctx := context.Background()

	// Snapshot the badge as one propagation would see it, then let another
	// propagation land on the same row.
	var stale models.Badge
	require.NoError(t, env.db.First(&stale, "id = ?", badge.ID).Error)

	env.joinAsLearner(t, bob, group, badge)

	applied, err := env.propagation.writeBadgeSets(ctx, &stale, "charlie", true, false, true)
	require.NoError(t, err)
	require.False(t, applied)

	// The stale snapshot did not clobber bob's membership.
	reloaded := env.reloadBadge(t, badge.ID)
	require.True(t, models.IDSetContains(reloaded.AllUserIDs, bob.ID))
	require.False(t, models.IDSetContains(reloaded.AllUserIDs, "charlie"))

	// A full Apply re-reads the row and composes with the earlier write.
	require.NoError(t, env.propagation.Apply(ctx, alice.ID, badge.ID, false))
	reloaded = env.reloadBadge(t, badge.ID)
	require.True(t, models.IDSetContains(reloaded.AllUserIDs, alice.ID))
	require.True(t, models.IDSetContains(reloaded.AllUserIDs, bob.ID))
}

func TestUserSetWriteSkipsStaleSnapshot(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	alice := env.createUser(t, "alice")
	group, first := env.createGroupWithBadge(t, owner, 1)

	second, err := env.badges.Create(context.Background(), CreateBadgeInput{
		GroupID:   group.ID,
		Name:      "Welding Advanced",
		Threshold: 1,
	})
	require.NoError(t, err)

	env.joinAsLearner(t, alice, group, first)

	ctx := context.Background()

	var stale models.User
	require.NoError(t, env.db.First(&stale, "id = ?", alice.ID).Error)

	// A propagation for the second badge bumps the row behind the snapshot.
	_, err = env.badges.Join(ctx, second.ID, alice.ID)
	require.NoError(t, err)

	applied, err := env.propagation.writeUserSets(ctx, &stale, first.ID, false, false, false, false)
	require.NoError(t, err)
	require.False(t, applied)

	reloaded := env.reloadUser(t, alice.ID)
	require.True(t, models.IDSetContains(reloaded.AllBadgeIDs, first.ID))
	require.True(t, models.IDSetContains(reloaded.AllBadgeIDs, second.ID))
}
