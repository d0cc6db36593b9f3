package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"path"
	"strings"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
	"github.com/cuongbtq/correction-pipeline/internal/security"
)

const macOSMetadataDir = "__MACOSX"

// Decomposer expands a validated upload into ordered jobs
type Decomposer struct {
	maxFiles   int
	maxExtract int64
	exts       domain.ExtensionSet
	logger     *slog.Logger
}

// NewDecomposer creates a Decomposer that yields at most maxFiles jobs and
// reads at most maxExtract bytes in total.
func NewDecomposer(maxFiles int, maxExtract int64, exts domain.ExtensionSet, logger *slog.Logger) *Decomposer {
	return &Decomposer{
		maxFiles:   maxFiles,
		maxExtract: maxExtract,
		exts:       exts,
		logger:     logger.With(slog.String("component", "archive_decomposer")),
	}
}

// Stats counts what a decomposition pass saw
type Stats struct {
	Entries   int
	Skipped   int
	TotalSize int64
}

// Jobs yields one job per processable file, in stored order. A non-nil
// error is always the final element and aborts the sequence as a
// *domain.DecompositionError. Iterating again restarts from the first entry.
func (d *Decomposer) Jobs(batchID string, v *security.Validated, stats *Stats) iter.Seq2[*domain.Job, error] {
	if stats == nil {
		stats = &Stats{}
	}
	if !v.IsArchive() {
		return func(yield func(*domain.Job, error) bool) {
			*stats = Stats{Entries: 1, TotalSize: int64(len(v.Data))}
			yield(domain.NewJob(batchID, 0, path.Base(v.Filename), v.Kind, v.Data), nil)
		}
	}
	return func(yield func(*domain.Job, error) bool) {
		*stats = Stats{}
		d.walk(batchID, v.Archive, stats, yield)
	}
}

func (d *Decomposer) walk(batchID string, zr *zip.Reader, stats *Stats, yield func(*domain.Job, error) bool) {
	position := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		stats.Entries++

		kind, ok := d.accept(f.Name)
		if !ok {
			stats.Skipped++
			d.logger.Debug("Skipping archive entry", slog.String("entry", f.Name))
			continue
		}

		if position >= d.maxFiles {
			stats.Skipped++
			d.logger.Warn("Archive job cap reached, ignoring entry",
				slog.String("entry", f.Name),
				slog.Int("max_files", d.maxFiles),
			)
			continue
		}

		job := domain.NewJob(batchID, position, path.Base(f.Name), kind, nil)
		data, err := readEntry(f)
		stats.TotalSize += int64(len(data))

		var openErr *entryOpenError
		switch {
		case errors.As(err, &openErr):
			yield(nil, &domain.DecompositionError{Code: domain.CodeArchiveCorrupted, Err: err})
			return
		case err != nil:
			d.logger.Warn("Corrupted archive entry",
				slog.String("entry", f.Name),
				slog.Any("error", err),
			)
			_ = job.Fail(domain.NewTaskError(domain.CodeArchiveCorrupted, err))
		case stats.TotalSize > d.maxExtract:
			yield(nil, &domain.DecompositionError{
				Code: domain.CodeExtractSizeExceeded,
				Err:  fmt.Errorf("entry %q pushes extraction past %d bytes", f.Name, d.maxExtract),
			})
			return
		default:
			job.Payload = data
		}

		position++
		if !yield(job, nil) {
			return
		}
	}
}

func (d *Decomposer) accept(name string) (domain.Kind, bool) {
	base := path.Base(name)
	if strings.HasPrefix(base, ".") {
		return "", false
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == macOSMetadataDir {
			return "", false
		}
	}
	return domain.KindForName(name, d.exts)
}

// entryOpenError means the local header could not be located or parsed,
// so the archive offsets themselves are untrustworthy.
type entryOpenError struct {
	name string
	err  error
}

func (e *entryOpenError) Error() string {
	return fmt.Sprintf("failed to open entry %q: %v", e.name, e.err)
}

func (e *entryOpenError) Unwrap() error {
	return e.err
}

// readEntry reads at most the declared size of f plus one byte, so an
// entry lying about its size is caught without inflating it fully.
func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if errors.Is(err, zip.ErrFormat) {
		return nil, &entryOpenError{name: f.Name, err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open entry: %w", err)
	}
	defer rc.Close()

	declared := int64(f.UncompressedSize64)
	data, err := io.ReadAll(io.LimitReader(rc, declared+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}
	if int64(len(data)) > declared {
		return nil, fmt.Errorf("entry holds more than its declared %d bytes", declared)
	}
	return data, nil
}

// Decompose collects every job into a batch. When decomposition aborts the
// batch keeps the jobs yielded so far and the DecompositionError is
// returned alongside it. An upload with no processable file is rejected
// with NoValidFiles.
func (d *Decomposer) Decompose(batchID string, v *security.Validated) (*domain.Batch, error) {
	batch := &domain.Batch{
		ID:                       batchID,
		DeclaredUncompressedSize: v.DeclaredUncompressedSize,
		DeclaredFileCount:        v.DeclaredFileCount,
	}

	var (
		stats   Stats
		lastErr error
	)
	for job, err := range d.Jobs(batchID, v, &stats) {
		if err != nil {
			lastErr = err
			break
		}
		batch.Jobs = append(batch.Jobs, job)
	}

	batch.TotalFiles = len(batch.Jobs)
	batch.SkippedFiles = stats.Skipped
	batch.TotalSize = stats.TotalSize
	batch.TotalEntries = stats.Entries

	if lastErr != nil {
		d.logger.Warn("Archive decomposition aborted",
			slog.String("batch_id", batchID),
			slog.Int("jobs", len(batch.Jobs)),
			slog.Any("error", lastErr),
		)
		return batch, lastErr
	}

	if len(batch.Jobs) == 0 {
		return nil, domain.NewValidationError(domain.CodeNoValidFiles,
			"no processable files among %d entries", stats.Entries)
	}

	d.logger.Debug("Archive decomposed",
		slog.String("batch_id", batchID),
		slog.Int("jobs", len(batch.Jobs)),
		slog.Int("skipped", stats.Skipped),
	)
	return batch, nil
}
