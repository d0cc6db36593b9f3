// Package pipeline runs uploads through validation, decomposition, cache
// resolution, dispatch and aggregation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/correction-pipeline/internal/aggregate"
	"github.com/cuongbtq/correction-pipeline/internal/archive"
	"github.com/cuongbtq/correction-pipeline/internal/cache"
	"github.com/cuongbtq/correction-pipeline/internal/domain"
	"github.com/cuongbtq/correction-pipeline/internal/security"
	"github.com/cuongbtq/correction-pipeline/internal/worker"
)

// ErrBatchFinished is returned when canceling a batch that already ended
var ErrBatchFinished = errors.New("batch already finished")

// BatchStore persists deferred batch records
type BatchStore interface {
	Create(ctx context.Context, rec *domain.BatchRecord) error
	Update(ctx context.Context, rec *domain.BatchRecord) error
	// Get returns domain.ErrBatchNotFound for unknown ids
	Get(ctx context.Context, id string) (*domain.BatchRecord, error)
}

// Recorder receives per-job and per-batch outcomes
type Recorder interface {
	Succeeded()
	Failed(code string)
	BatchDone(healthy bool)
}

type nopRecorder struct{}

func (nopRecorder) Succeeded()     {}
func (nopRecorder) Failed(string)  {}
func (nopRecorder) BatchDone(bool) {}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithRecorder reports outcomes to r
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		p.recorder = r
	}
}

// WithIDGenerator overrides batch id generation
func WithIDGenerator(fn func() string) Option {
	return func(p *Pipeline) {
		p.newID = fn
	}
}

// Pipeline processes batches synchronously or in the background
type Pipeline struct {
	guard      *security.Guard
	decomposer *archive.Decomposer
	cache      *cache.Orchestrator
	dispatcher *worker.Dispatcher
	store      BatchStore
	recorder   Recorder
	logger     *slog.Logger
	newID      func() string

	// base outlives requests; deferred batches derive from it
	base     context.Context
	stopBase context.CancelFunc

	mu     sync.Mutex
	active map[string]*activeBatch
	wg     sync.WaitGroup
}

type activeBatch struct {
	cancel context.CancelFunc
	agg    *aggregate.Aggregator
}

// New creates a Pipeline
func New(guard *security.Guard, decomposer *archive.Decomposer, orchestrator *cache.Orchestrator, dispatcher *worker.Dispatcher, store BatchStore, logger *slog.Logger, opts ...Option) *Pipeline {
	base, stop := context.WithCancel(context.Background())
	p := &Pipeline{
		guard:      guard,
		decomposer: decomposer,
		cache:      orchestrator,
		dispatcher: dispatcher,
		store:      store,
		recorder:   nopRecorder{},
		logger:     logger.With(slog.String("component", "pipeline")),
		newID:      uuid.NewString,
		base:       base,
		stopBase:   stop,
		active:     make(map[string]*activeBatch),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs upload to completion and returns the aggregated result.
// Canceling ctx cancels every job that has not finished.
func (p *Pipeline) Process(ctx context.Context, upload security.Upload) (*domain.BatchResult, error) {
	batch, err := p.prepare(upload)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, batch, aggregate.New(batch))
}

// Submit validates and decomposes upload, then processes it in the
// background. Validation failures are returned before any record exists.
func (p *Pipeline) Submit(ctx context.Context, upload security.Upload) (*domain.BatchRecord, error) {
	batch, err := p.prepare(upload)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &domain.BatchRecord{
		ID:         batch.ID,
		Status:     domain.BatchStatusPending,
		TotalFiles: len(batch.Jobs),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := p.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create batch record: %w", err)
	}

	batchCtx, cancel := context.WithCancel(p.base)
	ab := &activeBatch{cancel: cancel, agg: aggregate.New(batch)}
	p.mu.Lock()
	p.active[batch.ID] = ab
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.finish(batch.ID)
		p.runDeferred(batchCtx, batch, ab, *rec)
	}()

	return rec, nil
}

func (p *Pipeline) runDeferred(ctx context.Context, batch *domain.Batch, ab *activeBatch, rec domain.BatchRecord) {
	// Records are written with a context of their own so a canceled batch
	// still reaches its final status.
	storeCtx := context.WithoutCancel(ctx)

	rec.Status = domain.BatchStatusRunning
	rec.UpdatedAt = time.Now().UTC()
	if err := p.store.Update(storeCtx, &rec); err != nil {
		p.logger.Error("Failed to mark batch running", slog.String("batch_id", rec.ID), slog.Any("error", err))
	}

	res, err := p.run(ctx, batch, ab.agg)
	rec.CompletedFiles = ab.agg.Completed()
	rec.UpdatedAt = time.Now().UTC()
	switch {
	case err != nil:
		rec.Status = domain.BatchStatusFailed
		rec.Error = err.Error()
	case ctx.Err() != nil:
		rec.Status = domain.BatchStatusCanceled
		rec.Result = res
	default:
		rec.Status = domain.BatchStatusCompleted
		rec.Result = res
	}

	if err := p.store.Update(storeCtx, &rec); err != nil {
		p.logger.Error("Failed to store batch result", slog.String("batch_id", rec.ID), slog.Any("error", err))
	}
}

func (p *Pipeline) finish(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ab, ok := p.active[id]; ok {
		ab.cancel()
		delete(p.active, id)
	}
}

// Status returns the record of a deferred batch with live progress
func (p *Pipeline) Status(ctx context.Context, id string) (*domain.BatchRecord, error) {
	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	ab, ok := p.active[id]
	p.mu.Unlock()
	if ok && !rec.Finished() {
		rec.CompletedFiles = ab.agg.Completed()
	}
	return rec, nil
}

// Cancel cancels a running deferred batch
func (p *Pipeline) Cancel(ctx context.Context, id string) error {
	p.mu.Lock()
	ab, ok := p.active[id]
	p.mu.Unlock()
	if ok {
		p.logger.Info("Canceling batch", slog.String("batch_id", id))
		ab.cancel()
		return nil
	}

	if _, err := p.store.Get(ctx, id); err != nil {
		return err
	}
	return ErrBatchFinished
}

// Shutdown cancels every deferred batch and waits for them to record
// their final status, or for ctx to end.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.stopBase()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain deferred batches: %w", ctx.Err())
	}
}

// prepare validates and decomposes upload into a batch
func (p *Pipeline) prepare(upload security.Upload) (*domain.Batch, error) {
	v, err := p.guard.Validate(upload)
	if err != nil {
		return nil, err
	}

	batch, err := p.decomposer.Decompose(p.newID(), v)
	if err != nil {
		var decompErr *domain.DecompositionError
		if !errors.As(err, &decompErr) || batch == nil || len(batch.Jobs) == 0 {
			return nil, err
		}
		// The batch proceeds with the jobs yielded before the abort.
		p.logger.Warn("Proceeding with partially decomposed batch",
			slog.String("batch_id", batch.ID),
			slog.Int("jobs", len(batch.Jobs)),
			slog.String("code", string(decompErr.Code)),
		)
	}
	return batch, nil
}

// run resolves every job concurrently and aggregates in position order
func (p *Pipeline) run(ctx context.Context, batch *domain.Batch, agg *aggregate.Aggregator) (*domain.BatchResult, error) {
	start := time.Now()

	// Jobs start in position order, each once the previous one settled its
	// cache claim, so among identical inputs the lowest position computes
	// and the rest hit its entry.
	var g errgroup.Group
	for _, job := range batch.Jobs {
		settled := make(chan struct{})
		g.Go(func() error {
			agg.Record(job.Position, p.runJob(ctx, job, func() { close(settled) }))
			return nil
		})
		<-settled
	}
	_ = g.Wait()

	res, err := agg.Aggregate()
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate batch %s: %w", batch.ID, err)
	}

	p.recorder.BatchDone(res.Healthy)
	p.logger.Info("Batch processed",
		slog.String("batch_id", batch.ID),
		slog.Int("jobs", res.Summary.TotalFilesProcessed),
		slog.Int("successful", res.Summary.Successful),
		slog.Int("failed", res.Summary.Failed),
		slog.Int("cache_hits", res.Summary.CacheHits),
		slog.Bool("healthy", res.Healthy),
		slog.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// runJob drives one job to a terminal status and returns its outcome, nil
// when it failed.
func (p *Pipeline) runJob(ctx context.Context, job *domain.Job, settled func()) *domain.Outcome {
	settle := sync.OnceFunc(settled)
	defer settle()

	out := p.resolve(ctx, job, settle)
	if out != nil {
		p.recorder.Succeeded()
	} else if job.Err != nil {
		p.recorder.Failed(string(job.Err.Code))
	}
	return out
}

func (p *Pipeline) resolve(ctx context.Context, job *domain.Job, settle func()) *domain.Outcome {
	// Entries found corrupted during decomposition arrive already failed.
	if job.Status.Terminal() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		_ = job.Fail(domain.NewTaskError(domain.CodeCanceled, err))
		return nil
	}

	out, pending, err := p.cache.Lookup(ctx, job, cache.OnSettled(settle))
	if err != nil {
		code := domain.CodeInternal
		if ctx.Err() != nil {
			code = domain.CodeCanceled
		}
		_ = job.Fail(domain.NewTaskError(code, err))
		return nil
	}

	if out != nil {
		_ = job.Transition(domain.JobStatusCacheHit)
		_ = job.Transition(domain.JobStatusSucceeded)
		return out
	}
	return p.dispatcher.Dispatch(ctx, pending)
}
