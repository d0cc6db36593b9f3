package router

import (
	"net/http"

	"github.com/cuongbtq/correction-pipeline/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		resp := gin.H{
			"status":          "healthy",
			"service":         deps.ServiceName,
			"cache_store":     deps.CacheStore,
			"correction_mode": deps.CorrectionMode,
		}
		status := http.StatusOK
		if len(deps.HealthChecks) > 0 {
			checks := gin.H{}
			for name, check := range deps.HealthChecks {
				if err := check(c.Request.Context()); err != nil {
					checks[name] = err.Error()
					status = http.StatusServiceUnavailable
					resp["status"] = "unhealthy"
					continue
				}
				checks[name] = "ok"
			}
			resp["checks"] = checks
		}
		c.JSON(status, resp)
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	correctionHandler := handler.NewCorrectionHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		corrections := v1.Group("/corrections")
		{
			// POST /api/v1/corrections - Upload a file or archive
			corrections.POST("", RateLimitMiddleware(deps), correctionHandler.Upload)

			// GET /api/v1/corrections - List deferred batches
			corrections.GET("", correctionHandler.ListBatches)

			// GET /api/v1/corrections/:batch_id - Get batch status and result
			corrections.GET("/:batch_id", correctionHandler.GetBatch)

			// POST /api/v1/corrections/:batch_id/cancel - Cancel a batch
			corrections.POST("/:batch_id/cancel", correctionHandler.CancelBatch)
		}
	}

	return r
}
