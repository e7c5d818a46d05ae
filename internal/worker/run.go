package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"renderfarm/internal/metrics"
	"renderfarm/internal/models"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/worker/processor"
)

const defaultClaimTimeout = 5 * time.Second

// Run claims tasks until ctx ends, rendering up to d.Concurrency at once.
// Once ctx ends no new task is claimed and Run waits for in-flight tasks,
// which keep running to their own time limits.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	if d.Concurrency <= 0 {
		d.Concurrency = 1
	}
	if d.ClaimTimeout <= 0 {
		d.ClaimTimeout = defaultClaimTimeout
	}

	p := processor.New(processor.Deps{
		Status:           d.Tasks,
		Renderer:         d.Renderer,
		SP:               d.SP,
		WorkRoot:         d.WorkRoot,
		CleanupLocal:     d.CleanupLocal,
		PreRenderTimeout: d.PreRenderTimeout,
		RenderTimeout:    d.RenderTimeout,
		Log:              log,
	})

	slots := semaphore.NewWeighted(int64(d.Concurrency))
	var g errgroup.Group

	log.Info("worker started", "concurrency", d.Concurrency, "provider", d.SP.Provider())

	for {
		if err := slots.Acquire(ctx, 1); err != nil {
			break
		}

		task, ok, err := d.Tasks.Claim(ctx, d.ClaimTimeout)
		if err != nil {
			slots.Release(1)
			if ctx.Err() != nil {
				break
			}
			log.Warn("queue claim error, retrying", "error", err.Error())
			if sleepCtx(ctx, time.Second) != nil {
				break
			}
			continue
		}
		if !ok {
			slots.Release(1)
			continue
		}

		metrics.WorkerBusySlots.Inc()
		g.Go(func() error {
			defer slots.Release(1)
			defer metrics.WorkerBusySlots.Dec()
			runTask(ctx, p, task)
			return nil
		})
	}

	log.Info("worker stopping, waiting for in-flight tasks")
	_ = g.Wait()
	return ctx.Err()
}

func runTask(ctx context.Context, p *processor.Processor, task models.Task) {
	taskCtx := logger.ContextWithTaskID(logger.ContextWithJobID(context.WithoutCancel(ctx), task.JobID), task.ID)
	_, _ = p.Process(taskCtx, task)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
