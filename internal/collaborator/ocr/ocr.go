package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// Extractor turns an image into text
type Extractor interface {
	ExtractText(ctx context.Context, image []byte) (string, error)
}

// Runner lets tests stub the tesseract binary
type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct {
	logger *slog.Logger
}

func (r execRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if err != nil {
		r.logger.Error("exec failed",
			slog.String("cmd", name),
			slog.Duration("duration", time.Since(start)),
			slog.String("stderr", truncate(errb.String(), 8<<10)),
			slog.Any("error", err),
		)
	} else {
		r.logger.Debug("exec ok",
			slog.String("cmd", name),
			slog.Duration("duration", time.Since(start)),
			slog.Int("stdout_bytes", out.Len()),
		)
	}
	return out.Bytes(), errb.Bytes(), err
}

// Config holds tesseract settings
type Config struct {
	Tesseract   string
	Language    string
	TessdataDir string
}

// Tesseract extracts text by piping the image through the tesseract CLI
type Tesseract struct {
	cfg    Config
	runner Runner
}

// NewTesseract creates a Tesseract extractor that shells out to cfg.Tesseract
func NewTesseract(cfg Config, logger *slog.Logger) *Tesseract {
	return NewTesseractWithRunner(cfg, execRunner{logger: logger.With(slog.String("component", "ocr"))})
}

// NewTesseractWithRunner creates a Tesseract extractor using runner
func NewTesseractWithRunner(cfg Config, runner Runner) *Tesseract {
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	return &Tesseract{cfg: cfg, runner: runner}
}

// ExtractText runs `tesseract stdin stdout -l <lang>`. A missing binary
// yields domain.ErrOcrUnavailable; a failing run is transient.
func (t *Tesseract) ExtractText(ctx context.Context, image []byte) (string, error) {
	args := []string{"stdin", "stdout", "-l", t.cfg.Language}
	if t.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.cfg.TessdataDir)
	}

	out, errb, err := t.runner.Run(ctx, image, t.cfg.Tesseract, args...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("%w: %v", domain.ErrOcrUnavailable, err)
		}
		return "", domain.NewTransientError(fmt.Errorf("tesseract: %w: %s", err, truncate(string(errb), 512)))
	}
	return Clean(string(out)), nil
}

// Clean drops page breaks and blank lines from tesseract output
func Clean(text string) string {
	text = strings.ReplaceAll(text, "\f", "\n")
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
