package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	testutil "github.com/couentine/badgekit/internal/database/testutil"
	"github.com/couentine/badgekit/internal/jobs"
	"github.com/couentine/badgekit/internal/models"
	"github.com/couentine/badgekit/internal/services"
)

func seedRequestedPortfolio(t *testing.T, db *gorm.DB) (models.User, models.Badge) {
	t.Helper()

	user := models.User{Username: "rebuild-user", Email: "rebuild@example.com", Password: "hash"}
	require.NoError(t, db.Create(&user).Error)

	badge := models.Badge{GroupID: "group-1", Name: "Rebuild", Slug: "rebuild", Threshold: 1}
	require.NoError(t, db.Create(&badge).Error)

	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	portfolio := models.Portfolio{
		UserID:           user.ID,
		BadgeID:          badge.ID,
		ValidationStatus: models.StatusRequested,
		DateRequested:    &now,
	}
	require.NoError(t, db.Create(&portfolio).Error)

	return user, badge
}

func TestMaintainerRunOnceRebuildsCaches(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	user, badge := seedRequestedPortfolio(t, db)

	propagation, err := services.NewPropagationService(db)
	require.NoError(t, err)

	maintainer := NewMaintainer(propagation, nil)
	require.NoError(t, maintainer.RunOnce(context.Background()))

	var reloadedBadge models.Badge
	require.NoError(t, db.First(&reloadedBadge, "id = ?", badge.ID).Error)
	require.Equal(t, 1, reloadedBadge.PendingRequestCount)
	require.Contains(t, models.DecodeIDSet(reloadedBadge.LearnerUserIDs), user.ID)

	var reloadedUser models.User
	require.NoError(t, db.First(&reloadedUser, "id = ?", user.ID).Error)
	require.Contains(t, models.DecodeIDSet(reloadedUser.RequestedBadgeIDs), badge.ID)
}

func TestMaintainerRunOnceReapsStuckJobs(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	queue, err := jobs.NewQueue(db)
	require.NoError(t, err)
	queue.Register("propagation", func(ctx context.Context, payload []byte) error { return nil })

	id, err := queue.Enqueue(context.Background(), "propagation", map[string]any{"badge_id": "b-1"}, jobs.EnqueueOptions{})
	require.NoError(t, err)

	stale := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&models.Job{}).Where("id = ?", id).
		Updates(map[string]any{"status": models.JobRunning, "locked_at": stale}).Error)

	maintainer := NewMaintainer(nil, queue, WithStuckLease(10*time.Minute))
	require.NoError(t, maintainer.RunOnce(context.Background()))

	var job models.Job
	require.NoError(t, db.First(&job, "id = ?", id).Error)
	require.Equal(t, models.JobScheduled, job.Status)
	require.Nil(t, job.LockedAt)
}

func TestMaintainerStartRegistersJobs(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	propagation, err := services.NewPropagationService(db)
	require.NoError(t, err)

	queue, err := jobs.NewQueue(db)
	require.NoError(t, err)

	scheduler := cron.New(cron.WithLogger(cron.DiscardLogger))
	maintainer := NewMaintainer(propagation, queue,
		WithCron(scheduler),
		WithRebuildSchedule("0 3 * * *"),
		WithReaperSchedule("*/10 * * * *"),
	)

	require.NoError(t, maintainer.Start())
	require.Len(t, scheduler.Entries(), 2)

	stopCtx := maintainer.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop in time")
	}
}

func TestMaintainerDisabledWithoutDependencies(t *testing.T) {
	maintainer := NewMaintainer(nil, nil)
	require.NoError(t, maintainer.Start())
	require.NoError(t, maintainer.RunOnce(context.Background()))
}
