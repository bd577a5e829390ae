package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/couentine/badgekit/internal/jobs"
	"github.com/couentine/badgekit/internal/services"
	"github.com/couentine/badgekit/pkg/logger"
)

const (
	defaultStuckLease  = 10 * time.Minute
	defaultRebuildSpec = "0 3 * * *"
	defaultReaperSpec  = "*/10 * * * *"
)

// Maintainer coordinates background maintenance tasks: the nightly rebuild of
// badge and user caches from portfolio rows, and reclaiming propagation jobs
// whose worker died mid-run.
type Maintainer struct {
	propagation *services.PropagationService
	queue       *jobs.Queue
	cron        *cron.Cron
	now         func() time.Time
	log         *zap.Logger
	enabled     bool
	stuckLease  time.Duration

	rebuildSchedule string
	reaperSchedule  string
}

// Option customises the Maintainer.
type Option func(*Maintainer)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(m *Maintainer) {
		if c != nil {
			m.cron = c
		}
	}
}

// WithNow overrides the clock used for scheduling comparisons.
func WithNow(now func() time.Time) Option {
	return func(m *Maintainer) {
		if now != nil {
			m.now = now
		}
	}
}

// WithStuckLease adjusts how long a claimed job may run before the reaper
// returns it to the scheduled state.
func WithStuckLease(lease time.Duration) Option {
	return func(m *Maintainer) {
		if lease > 0 {
			m.stuckLease = lease
		}
	}
}

// WithRebuildSchedule overrides the cron specification for the cache rebuild.
func WithRebuildSchedule(spec string) Option {
	return func(m *Maintainer) {
		if spec != "" {
			m.rebuildSchedule = spec
		}
	}
}

// WithReaperSchedule overrides the cron specification for the stuck-job reaper.
func WithReaperSchedule(spec string) Option {
	return func(m *Maintainer) {
		if spec != "" {
			m.reaperSchedule = spec
		}
	}
}

// NewMaintainer constructs a Maintainer with sensible defaults. Any nil
// dependency results in the corresponding job being skipped.
func NewMaintainer(propagation *services.PropagationService, queue *jobs.Queue, opts ...Option) *Maintainer {
	m := &Maintainer{
		propagation:     propagation,
		queue:           queue,
		now:             time.Now,
		stuckLease:      defaultStuckLease,
		rebuildSchedule: defaultRebuildSpec,
		reaperSchedule:  defaultReaperSpec,
		log:             logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.cron == nil {
		m.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	m.enabled = m.propagation != nil || m.queue != nil

	return m
}

// Start registers maintenance jobs with the cron scheduler and launches it if
// at least one job is enabled.
func (m *Maintainer) Start() error {
	if !m.enabled {
		return nil
	}

	if m.propagation != nil {
		if _, err := m.cron.AddFunc(m.rebuildSchedule, func() {
			ctx := context.Background()
			if err := m.propagation.RebuildAll(ctx); err != nil {
				m.log.Warn("cache rebuild failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if m.queue != nil {
		if _, err := m.cron.AddFunc(m.reaperSchedule, func() {
			ctx := context.Background()
			reaped, err := m.queue.ReapStuck(ctx, m.stuckLease)
			if err != nil {
				m.log.Warn("job reaper failed", zap.Error(err))
				return
			}
			if reaped > 0 {
				m.log.Info("reclaimed stuck jobs", zap.Int64("count", reaped))
			}
		}); err != nil {
			return err
		}
	}

	m.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (m *Maintainer) Stop() context.Context {
	if m.cron == nil {
		return context.Background()
	}
	return m.cron.Stop()
}

// RunOnce executes all configured maintenance routines sequentially. Primarily
// used in tests and during graceful shutdown.
func (m *Maintainer) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if m.propagation != nil {
		if err := m.propagation.RebuildAll(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if m.queue != nil {
		if _, err := m.queue.ReapStuck(ctx, m.stuckLease); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}
