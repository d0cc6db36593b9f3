package correction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// maxResponseBytes caps how much of a model response is read
const maxResponseBytes = 16 << 20

// HTTPCorrector calls a correction model served over HTTP. The endpoint
// takes {"text": ...} and answers {"corrected_text": ..., "corrections": [...]};
// corrections are derived locally when the model omits them.
type HTTPCorrector struct {
	client   *http.Client
	endpoint string
	logger   *slog.Logger
}

// NewHTTPCorrector creates an HTTPCorrector
func NewHTTPCorrector(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPCorrector {
	return &HTTPCorrector{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		logger:   logger.With(slog.String("component", "http_corrector")),
	}
}

type correctRequest struct {
	Text string `json:"text"`
}

type correctResponse struct {
	CorrectedText *string             `json:"corrected_text"`
	Corrections   []domain.Correction `json:"corrections"`
}

// Correct sends text to the model. Network failures, 429 and 5xx answers
// are transient.
func (c *HTTPCorrector) Correct(ctx context.Context, text string) (Result, error) {
	reqID := uuid.NewString()
	start := time.Now()

	body, err := json.Marshal(correctRequest{Text: text})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", reqID)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		c.logger.Warn("Correction request failed",
			slog.String("req_id", reqID),
			slog.Any("error", err),
		)
		return Result{}, domain.NewTransientError(fmt.Errorf("failed to call correction model: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, domain.NewTransientError(fmt.Errorf("failed to read response: %w", err))
	}

	c.logger.Debug("Correction response",
		slog.String("req_id", reqID),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(raw)),
		slog.Duration("elapsed", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{}, domain.NewTransientError(fmt.Errorf("correction model returned status %d", resp.StatusCode))
	case resp.StatusCode/100 != 2:
		return Result{}, fmt.Errorf("correction model returned status %d", resp.StatusCode)
	}

	var out correctResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.CorrectedText == nil {
		return Result{}, errors.New("correction model response has no corrected_text")
	}

	res := Result{CorrectedText: *out.CorrectedText, Corrections: out.Corrections}
	if res.Corrections == nil {
		res.Corrections = Diff(text, res.CorrectedText)
	}
	return res, nil
}
