package correction

import (
	"context"
	"fmt"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// Fallback modes
const (
	FallbackNone        = "none"
	FallbackRules       = "rules"
	FallbackPassthrough = "passthrough"
)

// Fallback produces a degraded result once the model has given up
type Fallback struct {
	mode string
}

// NewFallback creates a Fallback for mode
func NewFallback(mode string) (*Fallback, error) {
	switch mode {
	case FallbackNone, FallbackRules, FallbackPassthrough:
		return &Fallback{mode: mode}, nil
	}
	return nil, fmt.Errorf("unknown fallback mode: %q", mode)
}

// Apply returns the degraded correction of text, or false when the mode
// surfaces the failure instead.
func (f *Fallback) Apply(ctx context.Context, text string) (Result, bool) {
	if f == nil {
		return Result{}, false
	}
	switch f.mode {
	case FallbackRules:
		res, err := Rules{}.Correct(ctx, text)
		return res, err == nil
	case FallbackPassthrough:
		return Result{CorrectedText: text, Corrections: []domain.Correction{}}, true
	}
	return Result{}, false
}

// Mode returns the configured mode
func (f *Fallback) Mode() string {
	if f == nil {
		return FallbackNone
	}
	return f.mode
}
