package router

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/correction-pipeline/internal/api/handler"
	"github.com/cuongbtq/correction-pipeline/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// LoggerMiddleware tags each request with an X-Request-ID and logs it once
// it completes. 5xx responses log at error level, 4xx at warn.
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		c.Next()

		status := c.Writer.Status()
		attrs := []slog.Attr{
			slog.String("request_id", requestID),
			slog.Int("status", status),
			slog.String("method", c.Request.Method),
			slog.String("route", c.FullPath()),
			slog.String("path", c.Request.URL.Path),
			slog.String("ip", c.ClientIP()),
			slog.Duration("latency", time.Since(start)),
			slog.Int("body_size", c.Writer.Size()),
		}
		if batchID := c.Param("batch_id"); batchID != "" {
			attrs = append(attrs, slog.String("batch_id", batchID))
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}

		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		logger.LogAttrs(c.Request.Context(), level, "HTTP Request", attrs...)
	}
}

// CORSMiddleware allows browser clients to upload and poll from any origin
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Authorization, "+requestIDHeader)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Expose-Headers", "Retry-After, X-RateLimit-Limit, "+requestIDHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimitMiddleware admits uploads through the per-client token bucket.
// The client key is the client IP plus the route.
func RateLimitMiddleware(deps *handler.Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.Admission == nil {
			c.Next()
			return
		}

		key := c.ClientIP() + " " + c.FullPath()
		if err := deps.Admission.TryAdmit(key); err != nil {
			var rejected *domain.AdmissionRejected
			if !errors.As(err, &rejected) {
				rejected = &domain.AdmissionRejected{RetryAfter: time.Second}
			}
			if deps.Metrics != nil {
				deps.Metrics.Rejected("rate_limit")
			}
			handler.WriteRejected(c, rejected, deps.Admission.Limit())
			return
		}

		if deps.Metrics != nil {
			deps.Metrics.Admitted()
		}
		c.Next()
	}
}
