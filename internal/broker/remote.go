package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/cuongbtq/correction-pipeline/internal/collaborator/correction"
	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// RemoteCorrector implements correction.Corrector by publishing a Task and
// waiting for the Completion carrying the same task id.
type RemoteCorrector struct {
	transport Transport
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]chan Completion
}

// NewRemoteCorrector creates a RemoteCorrector; call Start before Correct
func NewRemoteCorrector(transport Transport, logger *slog.Logger) *RemoteCorrector {
	return &RemoteCorrector{
		transport: transport,
		logger:    logger.With(slog.String("component", "remote_corrector")),
		pending:   make(map[string]chan Completion),
	}
}

// Start subscribes to completions until ctx ends
func (r *RemoteCorrector) Start(ctx context.Context) error {
	deliveries, err := r.transport.Consume(ctx, RouteCompletions)
	if err != nil {
		return fmt.Errorf("failed to consume completions: %w", err)
	}

	go r.listen(ctx, deliveries)
	return nil
}

func (r *RemoteCorrector) listen(ctx context.Context, deliveries <-chan Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				r.logger.Warn("Completion channel closed")
				return
			}
			r.handle(d)
		}
	}
}

func (r *RemoteCorrector) handle(d Delivery) {
	defer func() {
		if err := d.Ack(); err != nil {
			r.logger.Warn("Failed to ACK completion", slog.Any("error", err))
		}
	}()

	var c Completion
	if err := json.Unmarshal(d.Body, &c); err != nil {
		r.logger.Error("Failed to parse completion JSON", slog.Any("error", err))
		return
	}
	if c.TaskID == "" {
		c.TaskID = d.CorrelationID
	}

	r.mu.Lock()
	ch, ok := r.pending[c.TaskID]
	delete(r.pending, c.TaskID)
	r.mu.Unlock()

	// Redelivered or abandoned tasks have no waiter.
	if !ok {
		r.logger.Debug("Dropping completion without waiter", slog.String("task_id", c.TaskID))
		return
	}
	ch <- c
}

// Correct publishes text as a task and waits for its completion
func (r *RemoteCorrector) Correct(ctx context.Context, text string) (correction.Result, error) {
	task := Task{TaskID: uuid.NewString(), Text: text}
	body, err := json.Marshal(task)
	if err != nil {
		return correction.Result{}, fmt.Errorf("failed to encode task: %w", err)
	}

	ch := make(chan Completion, 1)
	r.mu.Lock()
	r.pending[task.TaskID] = ch
	r.mu.Unlock()

	if err := r.transport.Publish(ctx, RouteTasks, task.TaskID, body); err != nil {
		r.forget(task.TaskID)
		if ctx.Err() != nil {
			return correction.Result{}, ctx.Err()
		}
		return correction.Result{}, domain.NewTransientError(fmt.Errorf("failed to publish task: %w", err))
	}

	select {
	case c := <-ch:
		if c.Failed() {
			err := errors.New(c.Error)
			if c.Transient {
				err = domain.NewTransientError(err)
			}
			return correction.Result{}, fmt.Errorf("remote correction failed: %w", err)
		}
		corrections := c.Corrections
		if corrections == nil {
			corrections = correction.Diff(text, c.CorrectedText)
		}
		return correction.Result{CorrectedText: c.CorrectedText, Corrections: corrections}, nil

	case <-ctx.Done():
		r.forget(task.TaskID)
		return correction.Result{}, ctx.Err()
	}
}

func (r *RemoteCorrector) forget(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, taskID)
}

// Pending returns the number of tasks awaiting completion
func (r *RemoteCorrector) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
