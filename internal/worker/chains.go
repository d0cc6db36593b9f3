package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/correction-pipeline/internal/cache"
	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// execute runs the collaborator chain for the job's kind
func (d *Dispatcher) execute(ctx context.Context, p *cache.Pending) (*domain.Outcome, error) {
	job := p.Job()
	switch job.Kind {
	case domain.KindText:
		return d.correctText(ctx, string(job.Payload))
	case domain.KindImage:
		return d.correctImage(ctx, p)
	case domain.KindHTML:
		return d.correctDocument(ctx, p)
	}
	return nil, fmt.Errorf("unknown job kind: %q", job.Kind)
}

func (d *Dispatcher) correctText(ctx context.Context, text string) (*domain.Outcome, error) {
	if strings.TrimSpace(text) == "" {
		return emptyOutcome(text), nil
	}

	res, err := d.correct(ctx, text)
	if err != nil {
		return nil, err
	}
	return &domain.Outcome{
		OriginalText:  text,
		CorrectedText: res.CorrectedText,
		Corrections:   res.Corrections,
		Degraded:      res.Degraded,
	}, nil
}

// correctImage extracts text, checks the ocr-extracted-text level and
// only then calls the corrector.
func (d *Dispatcher) correctImage(ctx context.Context, p *cache.Pending) (*domain.Outcome, error) {
	if d.collab.OCR == nil {
		return nil, domain.NewTaskError(domain.CodeOcrUnavailable, domain.ErrOcrUnavailable)
	}

	var text string
	attempts, err := retry(ctx, d.cfg.Retry, d.logRetry(p.Job(), "ocr"), func(ctx context.Context) error {
		var err error
		text, err = d.collab.OCR.ExtractText(ctx, p.Job().Payload)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, domain.NewTaskError(domain.CodeOcrUnavailable, fmt.Errorf("ocr failed after %d attempts: %w", attempts, err))
	}

	if strings.TrimSpace(text) == "" {
		return emptyOutcome(text), nil
	}

	hit, err := d.cache.LookupExtracted(ctx, p, text)
	if err != nil {
		return nil, err
	}
	if hit != nil {
		return hit, nil
	}

	return d.correctText(ctx, text)
}

// correctDocument corrects only the segments the cache did not have and
// rebuilds the document.
func (d *Dispatcher) correctDocument(ctx context.Context, p *cache.Pending) (*domain.Outcome, error) {
	if p.Document() == nil {
		return nil, fmt.Errorf("document of job %s could not be parsed", p.Job().ID)
	}

	missing := p.Missing()
	fresh := make(map[string]domain.SegmentResult, len(missing))
	for _, seg := range missing {
		res, err := d.correct(ctx, seg.Text)
		if err != nil {
			return nil, fmt.Errorf("failed to correct segment %s: %w", seg.ID, err)
		}
		fresh[seg.ID] = res
	}

	d.logger.Debug("Document segments corrected",
		slog.String("job_id", p.Job().ID),
		slog.Int("segments", len(p.Document().Segments())),
		slog.Int("dispatched", len(missing)),
	)
	return p.Assemble(fresh)
}

// correct calls the corrector with retries and applies the fallback once
// it gives up. Timeouts and cancellation are never masked by the fallback.
func (d *Dispatcher) correct(ctx context.Context, text string) (domain.SegmentResult, error) {
	var res domain.SegmentResult
	attempts, err := retry(ctx, d.cfg.Retry, d.logRetry(nil, "correction"), func(ctx context.Context) error {
		r, err := d.collab.Corrector.Correct(ctx, text)
		if err != nil {
			return err
		}
		res = domain.SegmentResult{CorrectedText: r.CorrectedText, Corrections: r.Corrections}
		return nil
	})
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, err
	}

	if fb, ok := d.collab.Fallback.Apply(ctx, text); ok {
		d.logger.Warn("Correction model unavailable, using fallback",
			slog.String("mode", d.collab.Fallback.Mode()),
			slog.Int("attempts", attempts),
			slog.Any("error", err),
		)
		return domain.SegmentResult{CorrectedText: fb.CorrectedText, Corrections: fb.Corrections, Degraded: true}, nil
	}
	return res, domain.NewTaskError(domain.CodeCollaboratorUnavailable,
		fmt.Errorf("correction failed after %d attempts: %w", attempts, err))
}

func (d *Dispatcher) logRetry(job *domain.Job, stage string) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		attrs := []any{
			slog.String("stage", stage),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		}
		if job != nil {
			attrs = append(attrs, slog.String("job_id", job.ID))
		}
		d.logger.Warn("Collaborator call failed, retrying", attrs...)
	}
}

func emptyOutcome(text string) *domain.Outcome {
	return &domain.Outcome{OriginalText: text, CorrectedText: "", Corrections: []domain.Correction{}}
}
