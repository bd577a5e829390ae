package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/couentine/badgekit/internal/monitoring"
)

// QueueObserver exposes the minimal queue state required to evaluate job health.
type QueueObserver interface {
	Depth(ctx context.Context) (int64, error)
}

const defaultQueueWarnDepth = 1000

// JobQueue returns a probe that reports the background job backlog. The probe
// degrades once the backlog exceeds warnDepth; processing still happens, but
// cache propagation is falling behind.
func JobQueue(queue QueueObserver, warnDepth int64) monitoring.Check {
	return monitoring.NewCheck("job_queue", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if queue == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDown,
				Details:  "job queue not configured",
				Duration: time.Since(start),
			}
		}

		depth, err := queue.Depth(ctx)
		if err != nil {
			return monitoring.ResultFromError("job_queue", err, time.Since(start))
		}

		limit := warnDepth
		if limit <= 0 {
			limit = defaultQueueWarnDepth
		}

		status := monitoring.StatusUp
		if depth > limit {
			status = monitoring.StatusDegraded
		}

		return monitoring.ProbeResult{
			Status:   status,
			Details:  fmt.Sprintf("%d pending jobs", depth),
			Duration: time.Since(start),
		}
	})
}
