package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// spawnWorkerPool spawns PoolSize worker goroutines
func (d *Dispatcher) spawnWorkerPool(ctx context.Context) {
	d.logger.Info("Spawning worker pool",
		slog.Int("pool_size", d.cfg.PoolSize),
		slog.Duration("per_task_timeout", d.cfg.PerTaskTimeout),
	)

	for i := 0; i < d.cfg.PoolSize; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx, i)
	}
}

// workerLoop takes one task at a time until the pool stops
func (d *Dispatcher) workerLoop(ctx context.Context, workerNum int) {
	defer d.wg.Done()

	logger := d.logger.With(slog.Int("worker_num", workerNum))
	logger.Debug("Worker goroutine started")

	for {
		select {
		case <-d.stopChan:
			logger.Debug("Worker goroutine stopping - pool stopped")
			return

		case <-ctx.Done():
			logger.Debug("Worker goroutine stopping - context canceled")
			return

		case t := <-d.tasks:
			t.done <- d.runTask(t, logger)
		}
	}
}

// runTask moves the job to Running, runs its collaborator chain under the
// per-task timeout and settles the cache entry it owns.
func (d *Dispatcher) runTask(t *task, logger *slog.Logger) *domain.Outcome {
	job := t.pending.Job()
	logger = logger.With(slog.String("job_id", job.ID), slog.String("kind", string(job.Kind)))

	if err := t.ctx.Err(); err != nil {
		t.pending.Release()
		_ = job.Fail(domain.NewTaskError(domain.CodeCanceled, err))
		return nil
	}

	if err := job.Transition(domain.JobStatusRunning); err != nil {
		logger.Error("Job is not dispatchable", slog.Any("error", err))
		t.pending.Release()
		return nil
	}
	d.recorder.JobStarted()
	defer d.recorder.JobStopped()

	taskCtx, cancel := context.WithTimeout(t.ctx, d.cfg.PerTaskTimeout)
	defer cancel()

	start := time.Now()
	out, err := d.execute(taskCtx, t.pending)
	if err != nil {
		t.pending.Release()
		taskErr := d.classify(t.ctx, taskCtx, err)
		_ = job.Fail(taskErr)
		logger.Error("Job failed",
			slog.String("code", string(taskErr.Code)),
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("error", err),
		)
		return nil
	}

	// Results produced while the batch is being canceled are discarded.
	if t.ctx.Err() != nil {
		t.pending.Release()
		_ = job.Fail(domain.NewTaskError(domain.CodeCanceled, t.ctx.Err()))
		return nil
	}

	if out.CacheLevel == "" {
		t.pending.Commit(t.ctx, out)
	}
	_ = job.Transition(domain.JobStatusSucceeded)
	logger.Debug("Job succeeded",
		slog.Bool("degraded", out.Degraded),
		slog.String("cache_level", out.CacheLevel),
		slog.Duration("elapsed", time.Since(start)),
	)
	return out
}

// classify maps a chain failure to the task error taxonomy
func (d *Dispatcher) classify(parent, taskCtx context.Context, err error) *domain.TaskError {
	var taskErr *domain.TaskError
	switch {
	case parent.Err() != nil:
		return domain.NewTaskError(domain.CodeCanceled, parent.Err())
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		return domain.NewTaskError(domain.CodeTaskTimeout, err)
	case errors.As(err, &taskErr):
		return taskErr
	case errors.Is(err, domain.ErrOcrUnavailable):
		return domain.NewTaskError(domain.CodeOcrUnavailable, err)
	}
	return domain.NewTaskError(domain.CodeCollaboratorUnavailable, err)
}
