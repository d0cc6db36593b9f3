package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cuongbtq/correction-pipeline/internal/admission"
	"github.com/cuongbtq/correction-pipeline/internal/api/handler"
	"github.com/cuongbtq/correction-pipeline/internal/api/router"
	"github.com/cuongbtq/correction-pipeline/internal/api/storage"
	"github.com/cuongbtq/correction-pipeline/internal/archive"
	"github.com/cuongbtq/correction-pipeline/internal/broker"
	"github.com/cuongbtq/correction-pipeline/internal/cache"
	"github.com/cuongbtq/correction-pipeline/internal/collaborator/correction"
	"github.com/cuongbtq/correction-pipeline/internal/collaborator/htmldoc"
	"github.com/cuongbtq/correction-pipeline/internal/collaborator/ocr"
	"github.com/cuongbtq/correction-pipeline/internal/config"
	"github.com/cuongbtq/correction-pipeline/internal/domain"
	"github.com/cuongbtq/correction-pipeline/internal/metrics"
	"github.com/cuongbtq/correction-pipeline/internal/pipeline"
	"github.com/cuongbtq/correction-pipeline/internal/security"
	"github.com/cuongbtq/correction-pipeline/internal/worker"
	"github.com/cuongbtq/correction-pipeline/shared/logger"
	"github.com/cuongbtq/correction-pipeline/shared/postgresql"
	"github.com/cuongbtq/correction-pipeline/shared/rabbitmq"
	"github.com/cuongbtq/correction-pipeline/shared/redis"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, closeLog, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("cache_store", cfg.Cache.Store),
		slog.String("correction_mode", cfg.Correction.Mode),
	)

	// Base context for background work, canceled on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	healthChecks := map[string]func(context.Context) error{}
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				appLogger.Error("Failed to close resource", slog.Any("error", err))
			}
		}
	}()

	// Cache store
	cacheStore, err := initCacheStore(cfg, appLogger, healthChecks, &closers)
	if err != nil {
		return fmt.Errorf("failed to initialize cache store: %w", err)
	}

	// Deferred batch store
	batchStore, err := initBatchStore(ctx, cfg, appLogger, healthChecks, &closers)
	if err != nil {
		return fmt.Errorf("failed to initialize batch store: %w", err)
	}

	// Correction collaborator
	corrector, err := initCorrector(ctx, cfg, appLogger, healthChecks, &closers)
	if err != nil {
		return fmt.Errorf("failed to initialize corrector: %w", err)
	}

	fallback, err := correction.NewFallback(cfg.Correction.Fallback)
	if err != nil {
		return fmt.Errorf("failed to initialize fallback: %w", err)
	}

	exts := domain.ExtensionSet{
		Image:   cfg.Limits.ImageExtensions,
		HTML:    cfg.Limits.HTMLExtensions,
		Text:    cfg.Limits.TextExtensions,
		Archive: domain.DefaultExtensions().Archive,
	}

	guard := security.NewGuard(security.Limits{
		MaxFileSize:           cfg.Limits.MaxFileSize,
		MaxArchiveFiles:       cfg.Limits.MaxArchiveFiles,
		MaxExtractSize:        cfg.Limits.MaxArchiveExtractSize,
		CompressionRatioLimit: cfg.Limits.CompressionRatioLimit,
	}, exts, appLogger)
	decomposer := archive.NewDecomposer(cfg.Limits.MaxArchiveFiles, cfg.Limits.MaxArchiveExtractSize, exts, appLogger)

	ttl := make(map[cache.Level]time.Duration, len(cfg.Cache.TTL))
	for level, d := range cfg.Cache.TTL {
		ttl[cache.Level(level)] = d
	}
	orchestrator := cache.NewOrchestrator(cacheStore, ttl, htmldoc.Segmenter{}, appLogger, cache.WithRecorder(m))

	controller := admission.NewController(admission.Config{
		RateLimitPerMinute: cfg.Admission.RateLimitPerMinute,
		RateLimitBurst:     cfg.Admission.RateLimitBurst,
		MaxRunning:         cfg.Admission.MaxRunning,
	}, appLogger)
	controller.Start()
	defer controller.Stop()

	dispatcher := worker.NewDispatcher(worker.Config{
		PoolSize:       cfg.Worker.PoolSize,
		PerTaskTimeout: cfg.Worker.PerTaskTimeout,
		Retry: worker.RetryPolicy{
			MaxAttempts: cfg.Worker.Retry.MaxAttempts,
			BaseDelay:   cfg.Worker.Retry.BaseDelay,
			MaxDelay:    cfg.Worker.Retry.MaxDelay,
			Multiplier:  cfg.Worker.Retry.Multiplier,
		},
	}, worker.Collaborators{
		Corrector: corrector,
		OCR: ocr.NewTesseract(ocr.Config{
			Tesseract:   cfg.OCR.Tesseract,
			Language:    cfg.OCR.Language,
			TessdataDir: cfg.OCR.TessdataDir,
		}, appLogger),
		Fallback: fallback,
	}, orchestrator, controller, appLogger, worker.WithRecorder(m))
	dispatcher.Start(ctx)

	pl := pipeline.New(guard, decomposer, orchestrator, dispatcher, batchStore, appLogger, pipeline.WithRecorder(m))

	// Initialize router
	r := initRouter(cfg, &handler.Dependencies{
		Logger:         appLogger,
		Service:        pl,
		Batches:        batchStore,
		Admission:      controller,
		Metrics:        m,
		Gatherer:       reg,
		HealthChecks:   healthChecks,
		ServiceName:    cfg.App.Name,
		CacheStore:     cfg.Cache.Store,
		CorrectionMode: cfg.Correction.Mode,
		MaxFileSize:    cfg.Limits.MaxFileSize,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-errChan:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
	}

	if err := pl.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Deferred batches did not drain", slog.Any("error", err))
	}

	dispatcher.Stop()
	cancel()

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*slog.Logger, func() error, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initCacheStore selects the store behind the cache orchestrator
func initCacheStore(cfg *config.Config, logger *slog.Logger, checks map[string]func(context.Context) error, closers *[]func() error) (cache.Store, error) {
	if !cfg.Cache.Enabled {
		logger.Warn("Cache disabled")
		return cache.NopStore{}, nil
	}

	switch cfg.Cache.Store {
	case config.StoreRedis:
		client, err := redis.NewClient(&redis.Config{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, client.Close)
		checks["redis"] = client.HealthCheck
		return cache.NewRedisStore(client.GetClient(), cfg.Redis.KeyPrefix), nil
	default:
		store := cache.NewMemoryStore(cfg.Cache.MaxEntries)
		store.Start()
		*closers = append(*closers, func() error {
			store.Stop()
			return nil
		})
		return store, nil
	}
}

type batchStore interface {
	storage.Store
	pipeline.BatchStore
}

// initBatchStore selects where deferred batch records live
func initBatchStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, checks map[string]func(context.Context) error, closers *[]func() error) (batchStore, error) {
	switch cfg.Batches.Store {
	case config.StorePostgres:
		client, err := postgresql.NewClient(&postgresql.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.Database,
			SSLMode:         cfg.Database.SSLMode,
			ApplicationName: cfg.App.Name,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		}, logger)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, client.Close)
		checks["postgres"] = client.HealthCheck

		store := storage.NewPostgresStore(client)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		go purgeBatches(ctx, store, cfg.Batches.Retention, logger)
		return store, nil
	default:
		store := storage.NewMemoryStore(cfg.Batches.Retention)
		store.Start()
		*closers = append(*closers, func() error {
			store.Stop()
			return nil
		})
		return store, nil
	}
}

// purgeBatches deletes finished batch records older than retention
func purgeBatches(ctx context.Context, store *storage.PostgresStore, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(min(retention, time.Hour))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Purge(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("Failed to purge batches", slog.Any("error", err))
				continue
			}
			if n > 0 {
				logger.Info("Purged expired batches", slog.Int64("count", n))
			}
		}
	}
}

// initCorrector reaches the correction model directly or across the broker
func initCorrector(ctx context.Context, cfg *config.Config, logger *slog.Logger, checks map[string]func(context.Context) error, closers *[]func() error) (correction.Corrector, error) {
	if cfg.Correction.Mode != config.CorrectionModeBroker {
		if cfg.Correction.Endpoint == "" {
			logger.Warn("No correction endpoint configured, using rule-based corrector")
			return correction.Rules{}, nil
		}
		return correction.NewHTTPCorrector(cfg.Correction.Endpoint, cfg.Correction.Timeout, logger), nil
	}

	client, err := initRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.ReplyQueue, 0, logger)
	if err != nil {
		return nil, err
	}
	*closers = append(*closers, client.Close)
	checks["rabbitmq"] = func(context.Context) error {
		if !client.IsConnected() {
			return fmt.Errorf("not connected to RabbitMQ")
		}
		return nil
	}

	transport := broker.NewAMQPTransport(client, amqpBindings(&cfg.RabbitMQ), cfg.App.Name, logger)
	remote := broker.NewRemoteCorrector(transport, logger)
	if err := remote.Start(ctx); err != nil {
		return nil, err
	}
	return remote, nil
}

// amqpBindings maps broker routes onto the configured exchange and queues
func amqpBindings(cfg *config.RabbitMQConfig) map[broker.Route]broker.AMQPBinding {
	return map[broker.Route]broker.AMQPBinding{
		broker.RouteTasks:       {RoutingKey: cfg.RoutingKey, Queue: cfg.Queue.Name},
		broker.RouteCompletions: {RoutingKey: cfg.ReplyQueue.Name, Queue: cfg.ReplyQueue.Name},
	}
}

// initRabbitMQ connects to RabbitMQ and declares the task queue plus the
// queue this service consumes from.
func initRabbitMQ(cfg *config.RabbitMQConfig, consumed config.QueueConfig, prefetch int, logger *slog.Logger) (*rabbitmq.Client, error) {
	queues := []rabbitmq.QueueBinding{{
		Name:       cfg.Queue.Name,
		RoutingKey: cfg.RoutingKey,
		Durable:    cfg.Queue.Durable,
		AutoDelete: cfg.Queue.AutoDelete,
		Exclusive:  cfg.Queue.Exclusive,
	}}
	if consumed.Name != cfg.Queue.Name {
		queues = append(queues, rabbitmq.QueueBinding{
			Name:       consumed.Name,
			RoutingKey: consumed.Name,
			Durable:    consumed.Durable,
			AutoDelete: consumed.AutoDelete,
			Exclusive:  consumed.Exclusive,
		})
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
		Queues:             queues,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      prefetch,
	}, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
