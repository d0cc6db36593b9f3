package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cuongbtq/correction-pipeline/internal/api/dto"
	"github.com/cuongbtq/correction-pipeline/internal/api/storage"
	"github.com/cuongbtq/correction-pipeline/internal/domain"
	"github.com/cuongbtq/correction-pipeline/internal/pipeline"
	"github.com/cuongbtq/correction-pipeline/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Upload handles POST /api/v1/corrections
// Runs the uploaded file or archive through the pipeline, synchronously or as a deferred batch
func (h *CorrectionHandler) Upload(c *gin.Context) {
	async, err := strconv.ParseBool(c.DefaultPostForm("async", "true"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "async must be a boolean"})
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		h.logger.Warn("Missing upload file", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "file is required"})
		return
	}

	upload := security.Upload{Filename: header.Filename, Size: header.Size}
	// Oversized uploads are rejected by the guard on their declared size
	// without being read.
	if header.Size <= h.maxFileSize {
		f, err := header.Open()
		if err != nil {
			h.logger.Error("Failed to open upload", slog.Any("error", err))
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "failed to read file"})
			return
		}
		upload.Data, err = io.ReadAll(io.LimitReader(f, h.maxFileSize+1))
		f.Close()
		if err != nil {
			h.logger.Error("Failed to read upload", slog.Any("error", err))
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "failed to read file"})
			return
		}
	}

	h.logger.Info("Upload received",
		slog.String("filename", upload.Filename),
		slog.Int64("size", upload.Size),
		slog.Bool("async", async),
	)

	if !async {
		res, err := h.service.Process(c.Request.Context(), upload)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}

	rec, err := h.service.Submit(c.Request.Context(), upload)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.SubmitResponse{BatchID: rec.ID, Status: rec.Status})
}

// GetBatch handles GET /api/v1/corrections/:batch_id
// Retrieves the record of a deferred batch with its result once finished
func (h *CorrectionHandler) GetBatch(c *gin.Context) {
	batchID, ok := h.batchID(c)
	if !ok {
		return
	}

	rec, err := h.service.Status(c.Request.Context(), batchID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBatchDTO(rec))
}

// ListBatches handles GET /api/v1/corrections
// Lists deferred batches newest first with cursor pagination
func (h *CorrectionHandler) ListBatches(c *gin.Context) {
	var req dto.ListBatchesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeBatchCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	recs, err := h.batches.List(c.Request.Context(), storage.BatchFilter{
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list batches", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to list batches"})
		return
	}

	hasMore := len(recs) > req.PageSize
	if hasMore {
		recs = recs[:req.PageSize]
	}

	resp := dto.ListBatchesResponse{Batches: make([]dto.BatchDTO, len(recs))}
	for i, rec := range recs {
		resp.Batches[i] = toBatchDTO(rec)
	}
	if hasMore {
		last := recs[len(recs)-1]
		resp.NextCursor = EncodeBatchCursor(&storage.BatchCursor{CreatedAt: last.CreatedAt, BatchID: last.ID})
	}

	c.JSON(http.StatusOK, resp)
}

// CancelBatch handles POST /api/v1/corrections/:batch_id/cancel
// Cancels every job of a deferred batch that has not finished
func (h *CorrectionHandler) CancelBatch(c *gin.Context) {
	batchID, ok := h.batchID(c)
	if !ok {
		return
	}

	if err := h.service.Cancel(c.Request.Context(), batchID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.SubmitResponse{BatchID: batchID, Status: domain.BatchStatusCanceled})
}

func (h *CorrectionHandler) batchID(c *gin.Context) (string, bool) {
	batchID := c.Param("batch_id")
	if _, err := uuid.Parse(batchID); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "batch_id must be a valid UUID"})
		return "", false
	}
	return batchID, true
}

// writeError maps pipeline errors onto HTTP statuses
func (h *CorrectionHandler) writeError(c *gin.Context, err error) {
	var (
		validationErr *domain.ValidationError
		decompErr     *domain.DecompositionError
		rejected      *domain.AdmissionRejected
	)

	switch {
	case errors.As(err, &validationErr):
		if h.metrics != nil {
			h.metrics.Rejected(string(validationErr.Code))
		}
		status := http.StatusBadRequest
		if validationErr.Code == domain.CodeFileTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, dto.ErrorResponse{
			Error:   "upload rejected",
			Code:    string(validationErr.Code),
			Message: validationErr.Detail,
		})
	case errors.As(err, &decompErr):
		c.JSON(http.StatusUnprocessableEntity, dto.ErrorResponse{
			Error:   "archive could not be decomposed",
			Code:    string(decompErr.Code),
			Message: decompErr.Error(),
		})
	case errors.As(err, &rejected):
		WriteRejected(c, rejected, 0)
	case errors.Is(err, domain.ErrBatchNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "batch not found"})
	case errors.Is(err, pipeline.ErrBatchFinished):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "batch already finished"})
	default:
		h.logger.Error("Request failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal error"})
	}
}

// WriteRejected aborts c with 429 and the retry hint in whole seconds
func WriteRejected(c *gin.Context, rejected *domain.AdmissionRejected, limit int) {
	retryAfter := int(math.Ceil(rejected.RetryAfter.Seconds()))
	c.Header("Retry-After", strconv.Itoa(max(retryAfter, 1)))
	if limit > 0 {
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, dto.ErrorResponse{
		Error:   "rate limit exceeded",
		Message: fmt.Sprintf("retry after %s", rejected.RetryAfter.Round(time.Second)),
	})
}

func toBatchDTO(rec *domain.BatchRecord) dto.BatchDTO {
	return dto.BatchDTO{
		BatchID:        rec.ID,
		Status:         rec.Status,
		TotalFiles:     rec.TotalFiles,
		CompletedFiles: rec.CompletedFiles,
		Result:         rec.Result,
		Error:          rec.Error,
		CreatedAt:      rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      rec.UpdatedAt.Format(time.RFC3339),
	}
}
