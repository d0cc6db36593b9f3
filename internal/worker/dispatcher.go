package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/correction-pipeline/internal/admission"
	"github.com/cuongbtq/correction-pipeline/internal/cache"
	"github.com/cuongbtq/correction-pipeline/internal/collaborator/correction"
	"github.com/cuongbtq/correction-pipeline/internal/collaborator/ocr"
	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// ErrStopped is returned for work submitted after Stop
var ErrStopped = errors.New("dispatcher stopped")

// Config holds dispatcher configuration
type Config struct {
	PoolSize       int
	PerTaskTimeout time.Duration
	Retry          RetryPolicy
}

// Collaborators are the external engines a task may call
type Collaborators struct {
	Corrector correction.Corrector
	OCR       ocr.Extractor
	// Fallback is used once the corrector gives up; nil surfaces the failure
	Fallback *correction.Fallback
}

// Recorder tracks jobs entering and leaving Running
type Recorder interface {
	JobStarted()
	JobStopped()
}

type nopRecorder struct{}

func (nopRecorder) JobStarted() {}
func (nopRecorder) JobStopped() {}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithRecorder reports Running transitions to r
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) {
		d.recorder = r
	}
}

type task struct {
	ctx     context.Context
	pending *cache.Pending
	done    chan *domain.Outcome
}

// Dispatcher runs cache-missed jobs on a bounded pool of worker goroutines
type Dispatcher struct {
	cfg       Config
	collab    Collaborators
	cache     *cache.Orchestrator
	admission *admission.Controller
	recorder  Recorder
	logger    *slog.Logger

	tasks    chan *task
	poolDone <-chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher; call Start before Dispatch
func NewDispatcher(cfg Config, collab Collaborators, orchestrator *cache.Orchestrator, controller *admission.Controller, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		collab:    collab,
		cache:     orchestrator,
		admission: controller,
		recorder:  nopRecorder{},
		logger:    logger.With(slog.String("component", "worker_dispatcher")),
		tasks:     make(chan *task),
		stopChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start spawns the worker pool
func (d *Dispatcher) Start(ctx context.Context) {
	d.poolDone = ctx.Done()
	d.spawnWorkerPool(ctx)
}

// Stop stops the pool and waits for in-flight tasks
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.logger.Info("Stopping worker pool")
		close(d.stopChan)
		d.wg.Wait()
		d.logger.Info("Worker pool stopped")
	})
}

// Dispatch runs the job behind p to a terminal status and returns its
// outcome, or nil when the job failed (the job carries the error). The job
// waits for an admission ticket and then for a free worker.
func (d *Dispatcher) Dispatch(ctx context.Context, p *cache.Pending) *domain.Outcome {
	job := p.Job()

	ticket, err := d.admission.Acquire(ctx)
	if err != nil {
		p.Release()
		_ = job.Fail(domain.NewTaskError(domain.CodeCanceled, err))
		return nil
	}
	defer ticket.Release()

	t := &task{ctx: ctx, pending: p, done: make(chan *domain.Outcome, 1)}
	select {
	case d.tasks <- t:
	case <-ctx.Done():
		p.Release()
		_ = job.Fail(domain.NewTaskError(domain.CodeCanceled, ctx.Err()))
		return nil
	case <-d.stopChan:
		p.Release()
		_ = job.Fail(domain.NewTaskError(domain.CodeCanceled, ErrStopped))
		return nil
	case <-d.poolDone:
		p.Release()
		_ = job.Fail(domain.NewTaskError(domain.CodeCanceled, ErrStopped))
		return nil
	}

	return <-t.done
}
