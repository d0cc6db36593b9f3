package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/correction-pipeline/internal/broker"
	"github.com/cuongbtq/correction-pipeline/internal/collaborator/correction"
	"github.com/cuongbtq/correction-pipeline/internal/config"
	"github.com/cuongbtq/correction-pipeline/shared/logger"
	"github.com/cuongbtq/correction-pipeline/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, closeLog, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, cfg.Worker.PoolSize, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	var corrector correction.Corrector = correction.Rules{}
	if cfg.Correction.Endpoint != "" {
		corrector = correction.NewHTTPCorrector(cfg.Correction.Endpoint, cfg.Correction.Timeout, appLogger)
	} else {
		appLogger.Warn("No correction endpoint configured, using rule-based corrector")
	}

	transport := broker.NewAMQPTransport(rabbitClient, map[broker.Route]broker.AMQPBinding{
		broker.RouteTasks:       {RoutingKey: cfg.RabbitMQ.RoutingKey, Queue: cfg.RabbitMQ.Queue.Name},
		broker.RouteCompletions: {RoutingKey: cfg.RabbitMQ.ReplyQueue.Name, Queue: cfg.RabbitMQ.ReplyQueue.Name},
	}, cfg.App.Name, appLogger)

	server := broker.NewServer(broker.ServerConfig{
		PoolSize:    cfg.Worker.PoolSize,
		TaskTimeout: cfg.Worker.PerTaskTimeout,
	}, transport, corrector, appLogger)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error", slog.Any("error", err))
		return err
	case amqpErr := <-rabbitClient.NotifyClose():
		appLogger.Error("RabbitMQ channel closed", slog.Any("error", amqpErr))
		return fmt.Errorf("rabbitmq channel closed: %v", amqpErr)
	}

	// Cancel context to stop consuming
	cancel()

	// Give in-flight tasks time to finish
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		server.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initRabbitMQ connects to RabbitMQ, declares the task and reply queues and
// limits unacknowledged deliveries to the pool size.
func initRabbitMQ(cfg *config.RabbitMQConfig, poolSize int, logger *slog.Logger) (*rabbitmq.Client, error) {
	prefetch := cfg.Consumer.PrefetchCount
	if prefetch <= 0 {
		prefetch = poolSize
	}

	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		Queues: []rabbitmq.QueueBinding{
			{
				Name:       cfg.Queue.Name,
				RoutingKey: cfg.RoutingKey,
				Durable:    cfg.Queue.Durable,
				AutoDelete: cfg.Queue.AutoDelete,
				Exclusive:  cfg.Queue.Exclusive,
			},
			{
				Name:       cfg.ReplyQueue.Name,
				RoutingKey: cfg.ReplyQueue.Name,
				Durable:    cfg.ReplyQueue.Durable,
				AutoDelete: cfg.ReplyQueue.AutoDelete,
				Exclusive:  cfg.ReplyQueue.Exclusive,
			},
		},
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      prefetch,
	}, logger)
}
