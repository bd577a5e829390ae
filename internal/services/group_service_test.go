package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/couentine/badgekit/internal/database/testutil"
	"github.com/couentine/badgekit/internal/jobs"
	"github.com/couentine/badgekit/internal/models"
	apperrors "github.com/couentine/badgekit/pkg/errors"
)

func TestCreateGroupEnrollsOwnerAsAdmin(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")

	group, err := env.groups.Create(context.Background(), CreateGroupInput{
		Name:    "Makers Guild",
		OwnerID: owner.ID,
	})
	require.NoError(t, err)
	require.Equal(t, "makers-guild", group.Slug)

	isAdmin, err := env.groups.IsAdmin(context.Background(), group.ID, owner.ID)
	require.NoError(t, err)
	require.True(t, isAdmin)
}

func TestCreateGroupRejectsDuplicateSlug(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")

	ctx := context.Background()
	_, err := env.groups.Create(ctx, CreateGroupInput{Name: "Makers Guild", OwnerID: owner.ID})
	require.NoError(t, err)

	_, err = env.groups.Create(ctx, CreateGroupInput{Name: "Makers Guild", OwnerID: owner.ID})
	require.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestJoinGroupIsNotRepeatable(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	member := env.createUser(t, "alice")
	group, _ := env.createGroupWithBadge(t, owner, 1)

	ctx := context.Background()

	membership, err := env.groups.Join(ctx, group.ID, member.ID)
	require.NoError(t, err)
	require.Equal(t, models.RoleMember, membership.Role)

	_, err = env.groups.Join(ctx, group.ID, member.ID)
	require.ErrorIs(t, err, apperrors.ErrAlreadyMember)
}

func TestLeaveDestroysPortfolioWithoutHistory(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	member := env.createUser(t, "alice")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	env.joinAsLearner(t, member, group, badge)

	ctx := context.Background()
	require.NoError(t, env.groups.Leave(ctx, group.ID, member.ID))

	_, err := env.portfolios.Find(ctx, member.ID, badge.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	reloaded := env.reloadBadge(t, badge.ID)
	require.False(t, models.IDSetContains(reloaded.AllUserIDs, member.ID))
}

func TestLeaveDetachesPortfolioWithHistory(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	member := env.createUser(t, "alice")
	reviewer := env.createUser(t, "bob")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	portfolio := env.joinAsLearner(t, member, group, badge)

	ctx := context.Background()

	_, err := env.ledger.SubmitValidation(ctx, SubmitValidationInput{
		PortfolioID: portfolio.ID,
		AuthorID:    reviewer.ID,
		Approved:    true,
		Summary:     "Approve",
	})
	require.NoError(t, err)

	require.NoError(t, env.groups.Leave(ctx, group.ID, member.ID))

	// The issued portfolio survives detached, but leaves the caches.
	reloaded := env.reloadPortfolio(t, portfolio.ID)
	require.True(t, reloaded.Detached)
	require.Equal(t, models.IssueIssued, reloaded.IssueStatus)

	reloadedBadge := env.reloadBadge(t, badge.ID)
	require.False(t, models.IDSetContains(reloadedBadge.AllUserIDs, member.ID))
	require.False(t, models.IDSetContains(reloadedBadge.ExpertUserIDs, member.ID))
}

func TestLeaveRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	stranger := env.createUser(t, "alice")
	group, _ := env.createGroupWithBadge(t, owner, 1)

	err := env.groups.Leave(context.Background(), group.ID, stranger.ID)
	require.ErrorIs(t, err, apperrors.ErrNotMember)
}

func TestListMembers(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner")
	member := env.createUser(t, "alice")
	group, _ := env.createGroupWithBadge(t, owner, 1)

	_, err := env.groups.Join(context.Background(), group.ID, member.ID)
	require.NoError(t, err)

	members, err := env.groups.ListMembers(context.Background(), group.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
}

func TestLeaveDefersPropagationToQueue(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	queue, err := jobs.NewQueue(db)
	require.NoError(t, err)
	propagation, err := NewPropagationService(db)
	require.NoError(t, err)
	dispatcher, err := NewEventDispatcher(propagation, queue)
	require.NoError(t, err)
	portfolios, err := NewPortfolioService(db, dispatcher)
	require.NoError(t, err)
	badges, err := NewBadgeService(db, portfolios)
	require.NoError(t, err)
	groups, err := NewGroupService(db, portfolios)
	require.NoError(t, err)

	env := &testEnv{db: db, propagation: propagation, dispatcher: dispatcher,
		portfolios: portfolios, badges: badges, groups: groups}

	ctx := context.Background()
	owner := env.createUser(t, "owner")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	member := env.createUser(t, "alice")
	env.joinAsLearner(t, member, group, badge)

	require.NoError(t, env.groups.Leave(ctx, group.ID, member.ID))

	// Leaving fans out over the group's badges, so the cache work is queued
	// rather than run inline.
	var job models.Job
	require.NoError(t, db.Where("type = ?", PropagationJobType).First(&job).Error)
	require.Equal(t, models.QueueBulk, job.Queue)
	require.Equal(t, models.JobScheduled, job.Status)
	require.True(t, models.IDSetContains(env.reloadBadge(t, badge.ID).AllUserIDs, member.ID))

	require.NoError(t, queue.RunPending(ctx))

	require.False(t, models.IDSetContains(env.reloadBadge(t, badge.ID).AllUserIDs, member.ID))
}
