package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// Entry is the immutable value stored under a key
type Entry struct {
	OriginalText  string              `json:"original_text"`
	CorrectedText string              `json:"corrected_text"`
	Corrections   []domain.Correction `json:"corrections"`
	Output        []byte              `json:"output,omitempty"`
}

// Segmenter parses a structured payload into correctable segments
type Segmenter interface {
	Parse(payload []byte) (domain.Document, error)
}

// Recorder receives hit and miss counts per level
type Recorder interface {
	CacheHit(level string)
	CacheMiss(level string)
}

type nopRecorder struct{}

func (nopRecorder) CacheHit(string)  {}
func (nopRecorder) CacheMiss(string) {}

// Orchestrator resolves jobs against the multi-level cache and writes
// successful results back. Concurrent lookups of a key another job is
// computing wait for that job instead of duplicating the work.
type Orchestrator struct {
	store     Store
	ttl       map[Level]time.Duration
	segmenter Segmenter
	recorder  Recorder
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithRecorder reports hits and misses to r
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// NewOrchestrator creates an Orchestrator
func NewOrchestrator(store Store, ttl map[Level]time.Duration, segmenter Segmenter, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		ttl:       ttl,
		segmenter: segmenter,
		recorder:  nopRecorder{},
		logger:    logger.With(slog.String("component", "cache_orchestrator")),
		inflight:  make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// LookupOption configures a single Lookup
type LookupOption func(*lookupOptions)

type lookupOptions struct {
	settled func()
}

// OnSettled calls fn once the lookup has hit, claimed its key or started
// waiting on the job holding that key. Starting lookups one after another
// on settle hands out claims in start order.
func OnSettled(fn func()) LookupOption {
	return func(o *lookupOptions) {
		o.settled = fn
	}
}

// Lookup resolves job against the cache. It returns the cached outcome on
// a hit, or a Pending that must be committed or released exactly once on a
// miss. The error is non-nil only when ctx ends while waiting on another
// job computing the same key.
func (o *Orchestrator) Lookup(ctx context.Context, job *domain.Job, opts ...LookupOption) (*domain.Outcome, *Pending, error) {
	var lo lookupOptions
	for _, opt := range opts {
		opt(&lo)
	}
	settle := func() {}
	if lo.settled != nil {
		settle = sync.OnceFunc(lo.settled)
	}
	defer settle()

	p := &Pending{orchestrator: o, job: job}

	switch job.Kind {
	case domain.KindText:
		return o.lookupPrimary(ctx, p, KeyFor(LevelRawText, string(job.Payload)), settle)
	case domain.KindImage:
		// Keyable only once OCR text exists, see LookupExtracted.
		return nil, p, nil
	case domain.KindHTML:
		return o.lookupDocument(ctx, p, settle)
	}
	return nil, nil, fmt.Errorf("unknown job kind: %q", job.Kind)
}

// LookupExtracted resolves an image job once its OCR text is known. A miss
// leaves p owning the ocr-extracted-text key.
func (o *Orchestrator) LookupExtracted(ctx context.Context, p *Pending, text string) (*domain.Outcome, error) {
	out, _, err := o.lookupPrimary(ctx, p, KeyFor(LevelOCRText, text), func() {})
	if err != nil {
		return nil, err
	}
	if out != nil {
		p.Release()
	}
	return out, nil
}

func (o *Orchestrator) lookupPrimary(ctx context.Context, p *Pending, key Key, settle func()) (*domain.Outcome, *Pending, error) {
	for {
		if out, ok := o.fetch(ctx, key); ok {
			return out, nil, nil
		}

		wait, owned := o.claim(key.String())
		settle()
		if owned {
			// The previous owner may have committed between fetch and claim.
			if out, ok := o.fetch(ctx, key); ok {
				o.release(key.String())
				return out, nil, nil
			}
			o.recorder.CacheMiss(string(key.Level))
			p.primary = &key
			return nil, p, nil
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func (o *Orchestrator) lookupDocument(ctx context.Context, p *Pending, settle func()) (*domain.Outcome, *Pending, error) {
	doc, err := o.segmenter.Parse(p.job.Payload)
	if err != nil {
		o.logger.Warn("Failed to parse document for segment lookup",
			slog.String("job_id", p.job.ID),
			slog.Any("error", err),
		)
		return o.lookupPrimary(ctx, p, KeyFor(LevelFullDocument, string(p.job.Payload)), settle)
	}

	p.doc = doc
	p.cached = make(map[Key]domain.SegmentResult)
	segments := doc.Segments()
	for _, seg := range segments {
		key := KeyFor(LevelPartial, seg.Text)
		if _, seen := p.cached[key]; seen {
			continue
		}
		if entry, ok := o.get(ctx, key); ok {
			p.cached[key] = domain.SegmentResult{CorrectedText: entry.CorrectedText, Corrections: entry.Corrections}
		}
	}

	if len(segments) > 0 && len(p.Missing()) == 0 {
		out, err := p.Assemble(nil)
		if err == nil {
			out.CacheLevel = string(LevelPartial)
			o.recorder.CacheHit(string(LevelPartial))
			return out, nil, nil
		}
		o.logger.Warn("Failed to rebuild document from cached segments",
			slog.String("job_id", p.job.ID),
			slog.Any("error", err),
		)
	}
	o.recorder.CacheMiss(string(LevelPartial))

	return o.lookupPrimary(ctx, p, KeyFor(LevelFullDocument, string(p.job.Payload)), settle)
}

// fetch reads key and counts the hit
func (o *Orchestrator) fetch(ctx context.Context, key Key) (*domain.Outcome, bool) {
	entry, ok := o.get(ctx, key)
	if !ok {
		return nil, false
	}
	o.recorder.CacheHit(string(key.Level))
	return &domain.Outcome{
		OriginalText:  entry.OriginalText,
		CorrectedText: entry.CorrectedText,
		Corrections:   entry.Corrections,
		Output:        entry.Output,
		CacheLevel:    string(key.Level),
	}, true
}

// get reads key, treating any store failure as a miss
func (o *Orchestrator) get(ctx context.Context, key Key) (*Entry, bool) {
	raw, ok, err := o.store.Get(ctx, key.String())
	if err != nil {
		o.logger.Warn("Cache read failed, treating as miss",
			slog.String("level", string(key.Level)),
			slog.Any("error", err),
		)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		o.logger.Warn("Discarding undecodable cache entry",
			slog.String("level", string(key.Level)),
			slog.Any("error", err),
		)
		return nil, false
	}
	return &entry, true
}

// put writes entry, logging and swallowing store failures
func (o *Orchestrator) put(ctx context.Context, key Key, entry Entry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		o.logger.Warn("Failed to encode cache entry", slog.Any("error", err))
		return
	}
	if err := o.store.Set(ctx, key.String(), raw, o.ttl[key.Level]); err != nil {
		o.logger.Warn("Cache write failed",
			slog.String("level", string(key.Level)),
			slog.Any("error", err),
		)
		return
	}
	o.logger.Debug("Cache entry written", slog.String("level", string(key.Level)))
}

// claim registers the caller as the producer of key. When another job
// already is, it returns the channel closed on that job's commit or release.
func (o *Orchestrator) claim(key string) (<-chan struct{}, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if ch, busy := o.inflight[key]; busy {
		return ch, false
	}
	o.inflight[key] = make(chan struct{})
	return nil, true
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if ch, ok := o.inflight[key]; ok {
		close(ch)
		delete(o.inflight, key)
	}
}

// InFlight returns the number of keys currently being produced
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}
