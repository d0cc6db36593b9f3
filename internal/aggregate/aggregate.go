// Package aggregate reassembles per-job outcomes into the batch response
package aggregate

import (
	"fmt"
	"slices"
	"sync"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// Aggregator collects the outcome of every job of one batch. Record may be
// called concurrently and in any order.
type Aggregator struct {
	batch *domain.Batch

	mu       sync.Mutex
	outcomes map[int]*domain.Outcome
}

// New creates an Aggregator for batch
func New(batch *domain.Batch) *Aggregator {
	return &Aggregator{
		batch:    batch,
		outcomes: make(map[int]*domain.Outcome, len(batch.Jobs)),
	}
}

// Record stores the outcome of the job at position. A nil outcome means the
// job failed and carries its own error.
func (a *Aggregator) Record(position int, out *domain.Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes[position] = out
}

// Completed returns the number of jobs recorded so far
func (a *Aggregator) Completed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.outcomes)
}

// Aggregate builds the response in position order. Every job must be
// terminal.
func (a *Aggregator) Aggregate() (*domain.BatchResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	jobs := slices.Clone(a.batch.Jobs)
	slices.SortFunc(jobs, func(x, y *domain.Job) int { return x.Position - y.Position })

	res := &domain.BatchResult{
		BatchID: a.batch.ID,
		Results: make([]domain.Result, 0, len(jobs)),
		Metadata: domain.Metadata{
			TotalEntries: a.batch.TotalEntries,
			ValidFiles:   len(jobs),
			SkippedFiles: a.batch.SkippedFiles,
			TotalSize:    a.batch.TotalSize,
		},
	}

	for _, job := range jobs {
		if !job.Status.Terminal() {
			return nil, fmt.Errorf("job %s is still %s", job.ID, job.Status)
		}
		r := result(job, a.outcomes[job.Position])

		res.Summary.TotalFilesProcessed++
		if r.Success {
			res.Summary.Successful++
			res.Summary.TotalCorrections += r.CorrectionsCount
		} else {
			res.Summary.Failed++
		}
		if r.CacheHit {
			res.Summary.CacheHits++
		}
		res.Results = append(res.Results, r)
	}
	res.Healthy = res.Summary.Successful > 0

	return res, nil
}

func result(job *domain.Job, out *domain.Outcome) domain.Result {
	r := domain.Result{
		Position:    job.Position,
		JobID:       job.ID,
		Filename:    job.Name,
		Kind:        job.Kind,
		Status:      job.Status,
		CacheHit:    job.FromCache(),
		Corrections: []domain.Correction{},
	}

	if job.Status == domain.JobStatusFailed || out == nil {
		if job.Err != nil {
			r.ErrorCode = job.Err.Code
			r.Error = job.Err.Error()
		}
		return r
	}

	r.Success = true
	// Images resolved by their OCR text run before hitting the cache.
	r.CacheHit = r.CacheHit || out.CacheLevel != ""
	r.CacheLevel = out.CacheLevel
	r.OriginalText = out.OriginalText
	r.CorrectedText = out.CorrectedText
	if out.Corrections != nil {
		r.Corrections = out.Corrections
	}
	r.CorrectionsCount = len(r.Corrections)
	r.OutputContent = string(out.Output)
	r.Degraded = out.Degraded
	return r
}
