package services

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/couentine/badgekit/internal/jobs"
	"github.com/couentine/badgekit/internal/models"
	"github.com/couentine/badgekit/internal/realtime"
	"github.com/couentine/badgekit/pkg/logger"
	"github.com/couentine/badgekit/pkg/metrics"
)

// EventReason distinguishes direct user actions, whose propagation runs inline
// so the caller sees its own change immediately, from bulk or administrative
// fan-out, which is always deferred to the queue.
type EventReason string

const (
	ReasonUserAction EventReason = "user"
	ReasonBulkAction EventReason = "bulk"
)

// Event names passed to the notifier.
const (
	EventPortfolioRequested = "portfolio.requested"
	EventPortfolioIssued    = "portfolio.issued"
	EventPortfolioRetracted = "portfolio.retracted"
)

// PropagationJobType identifies queued cache propagation work.
const PropagationJobType = "cache_propagation"

// PropagationJobPayload is the queued form of one propagation. It carries only
// identifiers: the handler re-reads current truth at execution time, so a
// stale snapshot can never be written back.
type PropagationJobPayload struct {
	UserID         string `json:"user_id"`
	BadgeID        string `json:"badge_id"`
	RecountPending bool   `json:"recount_pending"`
}

// PortfolioEvent is the typed fact a state-machine transition emits.
type PortfolioEvent struct {
	PortfolioID string
	UserID      string
	BadgeID     string
	ActorEmail  string
	Transition  models.Transition
	Reason      EventReason
}

// Notifier receives portfolio lifecycle events. Delivery is fire and forget.
type Notifier interface {
	NotifyPortfolioEvent(ctx context.Context, eventType, userID, badgeID, portfolioID string)
}

// AnalyticsRecorder receives flat analytics events. Best effort, non-blocking.
type AnalyticsRecorder interface {
	Record(ctx context.Context, eventName, actorEmail string, metadata map[string]any)
}

// RealtimePublisher pushes portfolio transition frames to connected clients.
// Satisfied by realtime.Hub.
type RealtimePublisher interface {
	BroadcastToUser(stream, userID string, message realtime.Message)
	BroadcastToUsers(stream string, userIDs []string, message realtime.Message)
}

// Dispatcher fans a portfolio transition out to its side effects.
type Dispatcher interface {
	Dispatch(ctx context.Context, event PortfolioEvent)
}

// EventDispatcher is the production Dispatcher: it schedules (or inlines)
// cache propagation and forwards notification and analytics events. All of
// its failure paths are logged, never surfaced, so a broken cache or sink
// cannot fail the originating request.
type EventDispatcher struct {
	propagation *PropagationService
	queue       *jobs.Queue
	notifier    Notifier
	analytics   AnalyticsRecorder
	realtime    RealtimePublisher
	log         *zap.Logger
}

// NewEventDispatcher constructs an EventDispatcher. The queue is optional:
// without one, every propagation runs inline. Notifier and analytics are
// attached separately because they depend on services constructed later.
func NewEventDispatcher(propagation *PropagationService, queue *jobs.Queue) (*EventDispatcher, error) {
	if propagation == nil {
		return nil, errors.New("event dispatcher: propagation service is required")
	}
	d := &EventDispatcher{
		propagation: propagation,
		queue:       queue,
		log:         logger.WithModule("dispatcher"),
	}
	if queue != nil {
		queue.Register(PropagationJobType, d.handlePropagationJob)
	}
	return d, nil
}

// SetNotifier attaches the notification sink.
func (d *EventDispatcher) SetNotifier(n Notifier) { d.notifier = n }

// SetAnalytics attaches the analytics sink.
func (d *EventDispatcher) SetAnalytics(a AnalyticsRecorder) { d.analytics = a }

// SetRealtime attaches the websocket publisher.
func (d *EventDispatcher) SetRealtime(p RealtimePublisher) { d.realtime = p }

// Dispatch applies or schedules propagation for the event and forwards it to
// the notification and analytics sinks.
func (d *EventDispatcher) Dispatch(ctx context.Context, event PortfolioEvent) {
	ctx = ensureContext(ctx)

	recount := event.Transition.PendingChanged()

	if event.Reason == ReasonUserAction || d.queue == nil {
		if err := d.propagation.Apply(ctx, event.UserID, event.BadgeID, recount); err != nil {
			d.log.Error("inline propagation failed",
				zap.String("user_id", event.UserID),
				zap.String("badge_id", event.BadgeID),
				zap.Error(err))
		}
	} else {
		payload := PropagationJobPayload{
			UserID:         event.UserID,
			BadgeID:        event.BadgeID,
			RecountPending: recount,
		}
		if _, err := d.queue.Enqueue(ctx, PropagationJobType, payload, jobs.EnqueueOptions{Queue: models.QueueBulk}); err != nil {
			d.log.Error("enqueue propagation failed",
				zap.String("user_id", event.UserID),
				zap.String("badge_id", event.BadgeID),
				zap.Error(err))
		}
	}

	if event.Transition.NewlyIssued {
		metrics.BadgesIssued.Inc()
	}
	if event.Transition.ToIssue == models.IssueRetracted && event.Transition.IssueChanged() {
		metrics.BadgesRetracted.Inc()
	}

	d.notify(ctx, event)
	d.record(ctx, event)
	d.publish(ctx, event)
}

// publish pushes the transition onto the portfolios stream: always to the
// holder, and to the badge's experts when a new review request needs their
// attention.
func (d *EventDispatcher) publish(ctx context.Context, event PortfolioEvent) {
	if d.realtime == nil {
		return
	}
	t := event.Transition
	if !t.StatusChanged() && !t.IssueChanged() {
		return
	}

	message := realtime.Message{
		Event: "portfolio.transition",
		Data: map[string]any{
			"portfolio_id":      event.PortfolioID,
			"user_id":           event.UserID,
			"badge_id":          event.BadgeID,
			"validation_status": t.ToStatus,
			"issue_status":      t.ToIssue,
		},
	}
	d.realtime.BroadcastToUser(realtime.StreamPortfolios, event.UserID, message)

	if t.ToStatus == models.StatusRequested && t.StatusChanged() {
		experts, err := d.propagation.BadgeExperts(ctx, event.BadgeID)
		if err != nil {
			d.log.Warn("loading badge experts for realtime publish failed",
				zap.String("badge_id", event.BadgeID), zap.Error(err))
			return
		}
		d.realtime.BroadcastToUsers(realtime.StreamPortfolios, experts, message)
	}
}

func (d *EventDispatcher) notify(ctx context.Context, event PortfolioEvent) {
	if d.notifier == nil {
		return
	}
	t := event.Transition
	switch {
	case t.ToStatus == models.StatusRequested && t.StatusChanged():
		d.notifier.NotifyPortfolioEvent(ctx, EventPortfolioRequested, event.UserID, event.BadgeID, event.PortfolioID)
	case t.NewlyIssued:
		d.notifier.NotifyPortfolioEvent(ctx, EventPortfolioIssued, event.UserID, event.BadgeID, event.PortfolioID)
	case t.ToIssue == models.IssueRetracted && t.IssueChanged():
		d.notifier.NotifyPortfolioEvent(ctx, EventPortfolioRetracted, event.UserID, event.BadgeID, event.PortfolioID)
	}
}

func (d *EventDispatcher) record(ctx context.Context, event PortfolioEvent) {
	if d.analytics == nil {
		return
	}
	metadata := map[string]any{
		"user_id":  event.UserID,
		"badge_id": event.BadgeID,
	}
	t := event.Transition
	switch {
	case t.NewlyIssued:
		d.analytics.Record(ctx, "badge issued", event.ActorEmail, metadata)
	case t.ToIssue == models.IssueRetracted && t.IssueChanged():
		d.analytics.Record(ctx, "badge retracted", event.ActorEmail, metadata)
	}
}

func (d *EventDispatcher) handlePropagationJob(ctx context.Context, raw []byte) error {
	var payload PropagationJobPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return d.propagation.Apply(ctx, payload.UserID, payload.BadgeID, payload.RecountPending)
}
