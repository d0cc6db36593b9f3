package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// Pending tracks a job that missed the cache: the key it owns and, for
// documents, which segments were already cached.
type Pending struct {
	orchestrator *Orchestrator
	job          *domain.Job
	primary      *Key

	doc    domain.Document
	cached map[Key]domain.SegmentResult
	fresh  map[Key]domain.SegmentResult

	once sync.Once
}

// Job returns the job this pending lookup belongs to
func (p *Pending) Job() *domain.Job {
	return p.job
}

// Document returns the parsed document of an html job, nil otherwise
func (p *Pending) Document() domain.Document {
	return p.doc
}

// Missing returns one segment per distinct uncached segment text, in
// document order.
func (p *Pending) Missing() []domain.Segment {
	if p.doc == nil {
		return nil
	}

	var missing []domain.Segment
	seen := make(map[Key]bool)
	for _, seg := range p.doc.Segments() {
		key := KeyFor(LevelPartial, seg.Text)
		if _, ok := p.cached[key]; ok || seen[key] {
			continue
		}
		seen[key] = true
		missing = append(missing, seg)
	}
	return missing
}

// Assemble rebuilds the document from cached segments plus fresh, which
// is keyed by the ID of each segment returned from Missing.
func (p *Pending) Assemble(fresh map[string]domain.SegmentResult) (*domain.Outcome, error) {
	if p.doc == nil {
		return nil, fmt.Errorf("job %s has no parsed document", p.job.ID)
	}

	segments := p.doc.Segments()
	p.fresh = make(map[Key]domain.SegmentResult, len(fresh))
	for _, seg := range segments {
		if res, ok := fresh[seg.ID]; ok {
			p.fresh[KeyFor(LevelPartial, seg.Text)] = res
		}
	}

	out := &domain.Outcome{Corrections: []domain.Correction{}}
	replacements := make(map[string]string, len(segments))
	originals := make([]string, 0, len(segments))
	corrected := make([]string, 0, len(segments))
	offset := 0

	for _, seg := range segments {
		key := KeyFor(LevelPartial, seg.Text)
		res, ok := p.fresh[key]
		if !ok {
			res, ok = p.cached[key]
		}
		if !ok {
			return nil, fmt.Errorf("segment %s has no correction", seg.ID)
		}

		replacements[seg.ID] = res.CorrectedText
		originals = append(originals, seg.Text)
		corrected = append(corrected, res.CorrectedText)
		for _, c := range res.Corrections {
			c.Position += offset
			out.Corrections = append(out.Corrections, c)
		}
		offset += len(strings.Fields(seg.Text))
		out.Degraded = out.Degraded || res.Degraded
	}

	rendered, err := p.doc.Render(replacements)
	if err != nil {
		return nil, fmt.Errorf("failed to render document: %w", err)
	}

	out.OriginalText = strings.Join(originals, "\n")
	out.CorrectedText = strings.Join(corrected, "\n")
	out.Output = rendered
	return out, nil
}

// Commit writes a successful outcome under every key the job produced and
// wakes jobs waiting on it. Degraded results are not written, though fresh
// segments that were corrected normally still are. Only the first Commit
// or Release has any effect.
func (p *Pending) Commit(ctx context.Context, out *domain.Outcome) {
	p.once.Do(func() {
		o := p.orchestrator
		for key, res := range p.fresh {
			if res.Degraded {
				continue
			}
			o.put(ctx, key, Entry{CorrectedText: res.CorrectedText, Corrections: res.Corrections})
		}

		if p.primary != nil {
			if out != nil && !out.Degraded {
				o.put(ctx, *p.primary, Entry{
					OriginalText:  out.OriginalText,
					CorrectedText: out.CorrectedText,
					Corrections:   out.Corrections,
					Output:        out.Output,
				})
			}
			o.release(p.primary.String())
		}
	})
}

// Release gives up the owned key without writing anything
func (p *Pending) Release() {
	p.once.Do(func() {
		if p.primary != nil {
			p.orchestrator.release(p.primary.String())
		}
	})
}
