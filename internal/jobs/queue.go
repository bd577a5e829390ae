package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/couentine/badgekit/internal/models"
	"github.com/couentine/badgekit/pkg/logger"
	"github.com/couentine/badgekit/pkg/metrics"
)

// Handler processes one job payload. Handlers must be idempotent: a job that
// fails mid-run is retried from the start.
type Handler func(ctx context.Context, payload []byte) error

// Queue is a database-backed job queue. Jobs survive restarts and are retried
// with exponential backoff until they succeed or exhaust their attempts.
type Queue struct {
	db  *gorm.DB
	log *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	now func() time.Time
}

// NewQueue constructs a Queue using the provided database handle.
func NewQueue(db *gorm.DB) (*Queue, error) {
	if db == nil {
		return nil, errors.New("job queue: db is required")
	}
	return &Queue{
		db:       db,
		log:      logger.WithModule("jobs"),
		handlers: make(map[string]Handler),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register binds a handler to a job type. Enqueueing a type with no handler
// fails fast rather than parking an unprocessable row.
func (q *Queue) Register(jobType string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
}

func (q *Queue) handler(jobType string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// EnqueueOptions adjusts scheduling for a single job.
type EnqueueOptions struct {
	Queue       models.JobQueue
	Delay       time.Duration
	MaxAttempts int
}

// Enqueue persists a job for background execution and returns its id.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, ok := q.handler(jobType); !ok {
		return "", fmt.Errorf("job queue: no handler registered for %q", jobType)
	}

	var data datatypes.JSON
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("job queue: marshal payload: %w", err)
		}
		data = datatypes.JSON(raw)
	}

	queue := opts.Queue
	if queue == "" {
		queue = models.QueueInteractive
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	job := models.Job{
		Type:        jobType,
		Queue:       queue,
		Payload:     data,
		Status:      models.JobScheduled,
		RunAt:       q.now().Add(opts.Delay),
		MaxAttempts: maxAttempts,
	}
	if err := q.db.WithContext(ctx).Create(&job).Error; err != nil {
		return "", fmt.Errorf("job queue: enqueue %s: %w", jobType, err)
	}
	return job.ID, nil
}

// Depth returns the number of jobs waiting to run.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var count int64
	err := q.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("status = ?", models.JobScheduled).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("job queue: depth: %w", err)
	}
	metrics.JobQueueDepth.Set(float64(count))
	return count, nil
}

// claimNext atomically marks the oldest due job as running and returns it.
// The conditional update is the lock: only one worker wins the row.
func (q *Queue) claimNext(ctx context.Context) (*models.Job, error) {
	now := q.now()

	var job models.Job
	err := q.db.WithContext(ctx).
		Where("status = ? AND run_at <= ?", models.JobScheduled, now).
		Order("run_at asc").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("job queue: claim: %w", err)
	}

	res := q.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND status = ?", job.ID, models.JobScheduled).
		Updates(map[string]any{
			"status":    models.JobRunning,
			"locked_at": now,
			"attempts":  gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("job queue: lock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Another worker claimed it first.
		return nil, nil
	}

	job.Status = models.JobRunning
	job.LockedAt = &now
	job.Attempts++
	return &job, nil
}

// processOne claims and executes a single due job. It reports whether a job
// was found, so pollers can idle when the queue drains.
func (q *Queue) processOne(ctx context.Context) (bool, error) {
	job, err := q.claimNext(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	handler, ok := q.handler(job.Type)
	if !ok {
		q.fail(ctx, job, fmt.Errorf("no handler registered for %q", job.Type), false)
		return true, nil
	}

	if err := handler(ctx, job.Payload); err != nil {
		q.fail(ctx, job, err, job.Attempts < job.MaxAttempts)
		return true, nil
	}

	update := q.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"status":     models.JobDone,
			"locked_at":  nil,
			"last_error": "",
		})
	if update.Error != nil {
		return true, fmt.Errorf("job queue: complete: %w", update.Error)
	}
	metrics.JobsProcessed.WithLabelValues(job.Type, "done").Inc()
	return true, nil
}

func (q *Queue) fail(ctx context.Context, job *models.Job, cause error, retry bool) {
	fields := map[string]any{
		"locked_at":  nil,
		"last_error": cause.Error(),
	}
	if retry {
		fields["status"] = models.JobScheduled
		fields["run_at"] = q.now().Add(backoff(job.Attempts))
		metrics.JobsProcessed.WithLabelValues(job.Type, "retry").Inc()
		q.log.Warn("job failed, rescheduling",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempt", job.Attempts),
			zap.Error(cause))
	} else {
		fields["status"] = models.JobFailed
		metrics.JobsProcessed.WithLabelValues(job.Type, "failed").Inc()
		q.log.Error("job failed permanently",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempt", job.Attempts),
			zap.Error(cause))
	}

	if err := q.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", job.ID).
		Updates(fields).Error; err != nil {
		q.log.Error("job status update failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// backoff returns the delay before retry n runs again: 30s, 1m, 2m, 4m, ...
// capped at one hour.
func backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(math.Pow(2, float64(attempt-1))) * 30 * time.Second
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

// RunPending drains every currently due job, claiming and executing until none
// remain. Used by tests and the maintenance rebuild, which need queued work
// applied synchronously.
func (q *Queue) RunPending(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		processed, err := q.processOne(ctx)
		if err != nil {
			return err
		}
		if !processed {
			return nil
		}
	}
}

// ReapStuck reschedules jobs that have been locked longer than the lease.
// A worker that died mid-job leaves its row running forever otherwise.
func (q *Queue) ReapStuck(ctx context.Context, lease time.Duration) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cutoff := q.now().Add(-lease)
	res := q.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("status = ? AND locked_at < ?", models.JobRunning, cutoff).
		Updates(map[string]any{
			"status":    models.JobScheduled,
			"locked_at": nil,
			"run_at":    q.now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("job queue: reap: %w", res.Error)
	}
	return res.RowsAffected, nil
}
