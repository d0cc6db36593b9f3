package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/correction-pipeline/internal/collaborator/correction"
	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// ServerConfig holds worker-side consumer configuration
type ServerConfig struct {
	PoolSize    int
	TaskTimeout time.Duration
}

// Server consumes correction tasks, runs them on a bounded goroutine pool
// and publishes completions.
type Server struct {
	cfg       ServerConfig
	transport Transport
	corrector correction.Corrector
	logger    *slog.Logger

	tasksChan chan *taskMessage
	wg        sync.WaitGroup
	stopChan  chan struct{}
	stopOnce  sync.Once
}

type taskMessage struct {
	task     Task
	delivery Delivery
}

// NewServer creates a Server
func NewServer(cfg ServerConfig, transport Transport, corrector correction.Corrector, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		transport: transport,
		corrector: corrector,
		logger:    logger.With(slog.String("component", "task_server")),
		tasksChan: make(chan *taskMessage, cfg.PoolSize),
		stopChan:  make(chan struct{}),
	}
}

// Start consumes tasks until ctx ends or the delivery channel closes
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting task server",
		slog.Int("pool_size", s.cfg.PoolSize),
		slog.Duration("task_timeout", s.cfg.TaskTimeout),
	)

	deliveries, err := s.transport.Consume(ctx, RouteTasks)
	if err != nil {
		return fmt.Errorf("failed to consume tasks: %w", err)
	}

	for i := 0; i < s.cfg.PoolSize; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx, i)
	}

	s.dispatchMessages(ctx, deliveries)
	return nil
}

// Stop stops the pool and waits for in-flight tasks
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping task server")
		close(s.stopChan)
		s.wg.Wait()
		s.logger.Info("Task server stopped")
	})
}

// dispatchMessages decodes deliveries and hands them to the pool
func (s *Server) dispatchMessages(ctx context.Context, deliveries <-chan Delivery) {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Message dispatcher stopped - context canceled")
			return

		case <-s.stopChan:
			return

		case d, ok := <-deliveries:
			if !ok {
				s.logger.Warn("Task delivery channel closed")
				return
			}

			var task Task
			if err := json.Unmarshal(d.Body, &task); err != nil {
				s.logger.Error("Failed to parse task JSON",
					slog.Any("error", err),
					slog.Int("body_size", len(d.Body)),
				)
				s.reject(d)
				continue
			}

			if _, err := uuid.Parse(task.TaskID); err != nil {
				s.logger.Error("Invalid task_id format - not a UUID",
					slog.String("task_id", task.TaskID),
					slog.Any("error", err),
				)
				s.reject(d)
				continue
			}

			select {
			case s.tasksChan <- &taskMessage{task: task, delivery: d}:
				s.logger.Debug("Task dispatched to worker pool", slog.String("task_id", task.TaskID))
			case <-ctx.Done():
				if err := d.Nack(true); err != nil {
					s.logger.Error("Failed to NACK task on shutdown", slog.Any("error", err))
				}
				return
			}
		}
	}
}

// reject drops a malformed message without requeue
func (s *Server) reject(d Delivery) {
	if err := d.Nack(false); err != nil {
		s.logger.Error("Failed to NACK malformed message", slog.Any("error", err))
	}
}

func (s *Server) workerLoop(ctx context.Context, workerNum int) {
	defer s.wg.Done()

	logger := s.logger.With(slog.Int("worker_num", workerNum))
	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case msg := <-s.tasksChan:
			s.processTask(ctx, msg, logger)
		}
	}
}

// processTask corrects one task and publishes its completion. The task is
// requeued only when the completion could not be published.
func (s *Server) processTask(ctx context.Context, msg *taskMessage, logger *slog.Logger) {
	logger = logger.With(slog.String("task_id", msg.task.TaskID))

	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	start := time.Now()
	completion := Completion{TaskID: msg.task.TaskID}
	res, err := s.corrector.Correct(taskCtx, msg.task.Text)
	if err != nil {
		completion.Error = err.Error()
		completion.Transient = domain.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
		logger.Error("Task failed",
			slog.Bool("transient", completion.Transient),
			slog.Any("error", err),
		)
	} else {
		completion.CorrectedText = res.CorrectedText
		completion.Corrections = res.Corrections
		logger.Debug("Task completed", slog.Duration("elapsed", time.Since(start)))
	}

	body, err := json.Marshal(completion)
	if err != nil {
		logger.Error("Failed to encode completion", slog.Any("error", err))
		s.reject(msg.delivery)
		return
	}

	if err := s.transport.Publish(ctx, RouteCompletions, msg.task.TaskID, body); err != nil {
		logger.Error("Failed to publish completion", slog.Any("error", err))
		if nackErr := msg.delivery.Nack(true); nackErr != nil {
			logger.Error("Failed to NACK task", slog.Any("error", nackErr))
		}
		return
	}

	if err := msg.delivery.Ack(); err != nil {
		logger.Error("Failed to ACK task", slog.Any("error", err))
	}
}
