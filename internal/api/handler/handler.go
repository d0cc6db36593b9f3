package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/correction-pipeline/internal/admission"
	"github.com/cuongbtq/correction-pipeline/internal/api/storage"
	"github.com/cuongbtq/correction-pipeline/internal/domain"
	"github.com/cuongbtq/correction-pipeline/internal/metrics"
	"github.com/cuongbtq/correction-pipeline/internal/security"
	"github.com/prometheus/client_golang/prometheus"
)

// BatchService runs uploads through the correction pipeline
type BatchService interface {
	Process(ctx context.Context, upload security.Upload) (*domain.BatchResult, error)
	Submit(ctx context.Context, upload security.Upload) (*domain.BatchRecord, error)
	Status(ctx context.Context, id string) (*domain.BatchRecord, error)
	Cancel(ctx context.Context, id string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Service   BatchService
	Batches   storage.Store
	Admission *admission.Controller
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	// HealthChecks probes backing services by name for /health
	HealthChecks map[string]func(context.Context) error

	ServiceName    string
	CacheStore     string
	CorrectionMode string
	MaxFileSize    int64
}

// CorrectionHandler handles correction batch HTTP requests
type CorrectionHandler struct {
	logger      *slog.Logger
	service     BatchService
	batches     storage.Store
	metrics     *metrics.Metrics
	maxFileSize int64
}

// NewCorrectionHandler creates a new CorrectionHandler instance
func NewCorrectionHandler(deps *Dependencies) *CorrectionHandler {
	return &CorrectionHandler{
		logger:      deps.Logger.With(slog.String("component", "correction_handler")),
		service:     deps.Service,
		batches:     deps.Batches,
		metrics:     deps.Metrics,
		maxFileSize: deps.MaxFileSize,
	}
}
