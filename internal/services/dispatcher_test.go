package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/couentine/badgekit/internal/database/testutil"
	"github.com/couentine/badgekit/internal/jobs"
	"github.com/couentine/badgekit/internal/models"
	"github.com/couentine/badgekit/internal/realtime"
)

type recordedNotification struct {
	eventType   string
	userID      string
	badgeID     string
	portfolioID string
}

type stubNotifier struct {
	calls []recordedNotification
}

func (n *stubNotifier) NotifyPortfolioEvent(_ context.Context, eventType, userID, badgeID, portfolioID string) {
	n.calls = append(n.calls, recordedNotification{
		eventType:   eventType,
		userID:      userID,
		badgeID:     badgeID,
		portfolioID: portfolioID,
	})
}

type recordedAnalytics struct {
	eventName  string
	actorEmail string
	metadata   map[string]any
}

type stubRecorder struct {
	calls []recordedAnalytics
}

func (r *stubRecorder) Record(_ context.Context, eventName, actorEmail string, metadata map[string]any) {
	r.calls = append(r.calls, recordedAnalytics{
		eventName:  eventName,
		actorEmail: actorEmail,
		metadata:   metadata,
	})
}

func TestDispatcherDefersBulkPropagationToQueue(t *testing.T) {
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
	learner := env.createUser(t, "alice")
	portfolio := env.joinAsLearner(t, learner, group, badge)

	// Simulate a bulk mutation that flipped the row to requested without the
	// inline propagation a direct user action would run.
	require.NoError(t, db.Model(&models.Portfolio{}).Where("id = ?", portfolio.ID).
		Update("validation_status", models.StatusRequested).Error)

	dispatcher.Dispatch(ctx, PortfolioEvent{
		PortfolioID: portfolio.ID,
		UserID:      learner.ID,
		BadgeID:     badge.ID,
		Transition: models.Transition{
			FromStatus: models.StatusIncomplete,
			ToStatus:   models.StatusRequested,
			FromIssue:  models.IssueUnissued,
			ToIssue:    models.IssueUnissued,
		},
		Reason: ReasonBulkAction,
	})

	// The cache effect is not visible until a worker drains the queue.
	var job models.Job
	require.NoError(t, db.Where("type = ?", PropagationJobType).First(&job).Error)
	require.Equal(t, models.QueueBulk, job.Queue)
	require.Equal(t, models.JobScheduled, job.Status)
	require.Zero(t, env.reloadBadge(t, badge.ID).PendingRequestCount)

	require.NoError(t, queue.RunPending(ctx))

	require.Equal(t, 1, env.reloadBadge(t, badge.ID).PendingRequestCount)
	require.Contains(t, models.DecodeIDSet(env.reloadUser(t, learner.ID).RequestedBadgeIDs), badge.ID)
}

func TestDispatcherRunsUserActionInline(t *testing.T) {
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

	owner := env.createUser(t, "owner")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	learner := env.createUser(t, "alice")
	env.joinAsLearner(t, learner, group, badge)

	// joinAsLearner dispatches with ReasonUserAction, so the caches already
	// reflect the enrollment with no queue involvement.
	reloaded := env.reloadBadge(t, badge.ID)
	require.Contains(t, models.DecodeIDSet(reloaded.LearnerUserIDs), learner.ID)

	var count int64
	require.NoError(t, db.Model(&models.Job{}).Where("type = ?", PropagationJobType).Count(&count).Error)
	require.Zero(t, count)
}

func TestDispatcherNotifierRouting(t *testing.T) {
	env := newTestEnv(t)
	notifier := &stubNotifier{}
	env.dispatcher.SetNotifier(notifier)

	ctx := context.Background()
	owner := env.createUser(t, "owner")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	learner := env.createUser(t, "alice")
	expert := env.createUser(t, "bob")
	portfolio := env.joinAsLearner(t, learner, group, badge)
	env.joinAsLearner(t, expert, group, badge)

	_, err := env.portfolios.Request(ctx, portfolio.ID)
	require.NoError(t, err)

	_, err = env.ledger.SubmitValidation(ctx, SubmitValidationInput{
		PortfolioID: portfolio.ID,
		AuthorID:    expert.ID,
		Summary:     "Strong beads",
		Approved:    true,
	})
	require.NoError(t, err)

	_, err = env.portfolios.Retract(ctx, portfolio.ID, owner.ID)
	require.NoError(t, err)

	var events []string
	for _, call := range notifier.calls {
		events = append(events, call.eventType)
		require.Equal(t, learner.ID, call.userID)
		require.Equal(t, badge.ID, call.badgeID)
		require.Equal(t, portfolio.ID, call.portfolioID)
	}
	require.Equal(t, []string{EventPortfolioRequested, EventPortfolioIssued, EventPortfolioRetracted}, events)
}

func TestDispatcherAnalyticsRouting(t *testing.T) {
	env := newTestEnv(t)
	recorder := &stubRecorder{}
	env.dispatcher.SetAnalytics(recorder)

	ctx := context.Background()
	owner := env.createUser(t, "owner")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	learner := env.createUser(t, "alice")
	expert := env.createUser(t, "bob")
	portfolio := env.joinAsLearner(t, learner, group, badge)
	env.joinAsLearner(t, expert, group, badge)

	_, err := env.portfolios.Request(ctx, portfolio.ID)
	require.NoError(t, err)
	require.Empty(t, recorder.calls)

	_, err = env.ledger.SubmitValidation(ctx, SubmitValidationInput{
		PortfolioID: portfolio.ID,
		AuthorID:    expert.ID,
		Summary:     "Strong beads",
		Approved:    true,
	})
	require.NoError(t, err)

	_, err = env.portfolios.Retract(ctx, portfolio.ID, owner.ID)
	require.NoError(t, err)

	require.Len(t, recorder.calls, 2)
	require.Equal(t, "badge issued", recorder.calls[0].eventName)
	require.Equal(t, "badge retracted", recorder.calls[1].eventName)
	require.Equal(t, badge.ID, recorder.calls[0].metadata["badge_id"])
	require.Equal(t, learner.ID, recorder.calls[0].metadata["user_id"])
}

type recordedBroadcast struct {
	stream  string
	userIDs []string
	message realtime.Message
}

type stubPublisher struct {
	calls []recordedBroadcast
}

func (p *stubPublisher) BroadcastToUser(stream, userID string, message realtime.Message) {
	p.calls = append(p.calls, recordedBroadcast{stream: stream, userIDs: []string{userID}, message: message})
}

func (p *stubPublisher) BroadcastToUsers(stream string, userIDs []string, message realtime.Message) {
	p.calls = append(p.calls, recordedBroadcast{stream: stream, userIDs: userIDs, message: message})
}

func TestDispatcherPublishesTransitionsToPortfolioStream(t *testing.T) {
	env := newTestEnv(t)
	publisher := &stubPublisher{}
	env.dispatcher.SetRealtime(publisher)

	ctx := context.Background()
	owner := env.createUser(t, "owner")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	learner := env.createUser(t, "alice")
	expert := env.createUser(t, "bob")
	env.joinAsLearner(t, learner, group, badge)
	expertPortfolio := env.joinAsLearner(t, expert, group, badge)

	// Promote bob to expert so new requests have a reviewer audience.
	_, err := env.ledger.SubmitValidation(ctx, SubmitValidationInput{
		PortfolioID: expertPortfolio.ID,
		AuthorID:    learner.ID,
		Approved:    true,
		Summary:     "Approve",
	})
	require.NoError(t, err)

	publisher.calls = nil

	portfolio, err := env.portfolios.Find(ctx, learner.ID, badge.ID)
	require.NoError(t, err)
	_, err = env.portfolios.Request(ctx, portfolio.ID)
	require.NoError(t, err)

	require.Len(t, publisher.calls, 2)

	holder := publisher.calls[0]
	require.Equal(t, realtime.StreamPortfolios, holder.stream)
	require.Equal(t, []string{learner.ID}, holder.userIDs)
	require.Equal(t, "portfolio.transition", holder.message.Event)
	data, ok := holder.message.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, portfolio.ID, data["portfolio_id"])
	require.Equal(t, models.StatusRequested, data["validation_status"])

	reviewers := publisher.calls[1]
	require.Equal(t, realtime.StreamPortfolios, reviewers.stream)
	require.Equal(t, []string{expert.ID}, reviewers.userIDs)
}

func TestDispatcherSkipsPublishWithoutTransition(t *testing.T) {
	env := newTestEnv(t)
	publisher := &stubPublisher{}
	env.dispatcher.SetRealtime(publisher)

	owner := env.createUser(t, "owner")
	group, badge := env.createGroupWithBadge(t, owner, 1)
	learner := env.createUser(t, "alice")
	portfolio := env.joinAsLearner(t, learner, group, badge)

	publisher.calls = nil

	// An event whose statuses did not move pushes nothing.
	env.dispatcher.Dispatch(context.Background(), PortfolioEvent{
		PortfolioID: portfolio.ID,
		UserID:      learner.ID,
		BadgeID:     badge.ID,
		Transition: models.Transition{
			FromStatus: models.StatusIncomplete,
			ToStatus:   models.StatusIncomplete,
			FromIssue:  models.IssueUnissued,
			ToIssue:    models.IssueUnissued,
		},
		Reason: ReasonUserAction,
	})
	require.Empty(t, publisher.calls)
}
