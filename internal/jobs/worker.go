package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WorkerPool polls the queue from a fixed number of goroutines. Claiming is
// done through conditional updates, so pools on separate processes can share
// one jobs table safely.
type WorkerPool struct {
	queue        *Queue
	workers      int
	pollInterval time.Duration
	log          *zap.Logger
}

// NewWorkerPool constructs a pool over the queue. Non-positive workers or poll
// intervals fall back to defaults.
func NewWorkerPool(queue *Queue, workers int, pollInterval time.Duration) *WorkerPool {
	if workers <= 0 {
		workers = 2
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &WorkerPool{
		queue:        queue,
		workers:      workers,
		pollInterval: pollInterval,
		log:          queue.log,
	}
}

// Run blocks until ctx is cancelled, processing jobs as they become due.
func (p *WorkerPool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runWorker(ctx, id)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *WorkerPool) runWorker(ctx context.Context, id int) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain everything due before sleeping again.
		for {
			processed, err := p.queue.processOne(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Error("job processing error", zap.Int("worker", id), zap.Error(err))
				break
			}
			if !processed {
				break
			}
		}
	}
}
