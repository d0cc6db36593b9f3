package correction

import (
	"context"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// Result is the output of one correction call
type Result struct {
	CorrectedText string              `json:"corrected_text"`
	Corrections   []domain.Correction `json:"corrections"`
}

// Corrector corrects a piece of text. Implementations mark retryable
// failures with domain.NewTransientError.
type Corrector interface {
	Correct(ctx context.Context, text string) (Result, error)
}

// CorrectorFunc adapts a function to Corrector
type CorrectorFunc func(ctx context.Context, text string) (Result, error)

// Correct calls f
func (f CorrectorFunc) Correct(ctx context.Context, text string) (Result, error) {
	return f(ctx, text)
}
