package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/correction-pipeline/internal/admission"
	"github.com/cuongbtq/correction-pipeline/internal/cache"
	"github.com/cuongbtq/correction-pipeline/internal/collaborator/correction"
	"github.com/cuongbtq/correction-pipeline/internal/collaborator/htmldoc"
	"github.com/cuongbtq/correction-pipeline/internal/domain"
	"github.com/cuongbtq/correction-pipeline/shared/logger"
)

// fakeCorrector replaces "are" with "is" and counts calls
type fakeCorrector struct {
	calls atomic.Int32
	fn    func(ctx context.Context, call int32, text string) (correction.Result, error)
}

func (f *fakeCorrector) Correct(ctx context.Context, text string) (correction.Result, error) {
	call := f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, call, text)
	}
	fixed := strings.ReplaceAll(text, "are", "is")
	return correction.Result{CorrectedText: fixed, Corrections: correction.Diff(text, fixed)}, nil
}

type fakeOCR struct {
	text string
	err  error
}

func (f fakeOCR) ExtractText(context.Context, []byte) (string, error) {
	return f.text, f.err
}

// runningRecorder tracks the peak number of jobs in Running
type runningRecorder struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (r *runningRecorder) JobStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current++
	if r.current > r.peak {
		r.peak = r.current
	}
}

func (r *runningRecorder) JobStopped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current--
}

type testEnv struct {
	dispatcher   *Dispatcher
	orchestrator *cache.Orchestrator
}

type envOptions struct {
	poolSize   int
	maxRunning int
	timeout    time.Duration
	fallback   string
	ocr        *fakeOCR
	opts       []Option
}

func newTestEnv(t *testing.T, corrector correction.Corrector, o envOptions) *testEnv {
	t.Helper()

	if o.poolSize == 0 {
		o.poolSize = 2
	}
	if o.timeout == 0 {
		o.timeout = 5 * time.Second
	}
	if o.fallback == "" {
		o.fallback = correction.FallbackNone
	}
	fb, err := correction.NewFallback(o.fallback)
	require.NoError(t, err)

	log := logger.Discard()
	ttl := map[cache.Level]time.Duration{
		cache.LevelRawText:      time.Hour,
		cache.LevelOCRText:      time.Hour,
		cache.LevelPartial:      time.Hour,
		cache.LevelFullDocument: time.Hour,
	}
	orch := cache.NewOrchestrator(cache.NewMemoryStore(0), ttl, htmldoc.Segmenter{}, log)
	ctrl := admission.NewController(admission.Config{RateLimitPerMinute: 60, RateLimitBurst: 10, MaxRunning: o.maxRunning}, log)

	collab := Collaborators{Corrector: corrector, Fallback: fb}
	if o.ocr != nil {
		collab.OCR = *o.ocr
	}

	d := NewDispatcher(Config{
		PoolSize:       o.poolSize,
		PerTaskTimeout: o.timeout,
		Retry:          RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
	}, collab, orch, ctrl, log, o.opts...)
	d.Start(t.Context())
	t.Cleanup(d.Stop)

	return &testEnv{dispatcher: d, orchestrator: orch}
}

// run looks the job up and dispatches it on a miss
func (e *testEnv) run(t *testing.T, ctx context.Context, job *domain.Job) *domain.Outcome {
	t.Helper()
	out, p, err := e.orchestrator.Lookup(ctx, job)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, job.Transition(domain.JobStatusCacheHit))
		require.NoError(t, job.Transition(domain.JobStatusSucceeded))
		return out
	}
	return e.dispatcher.Dispatch(ctx, p)
}

// cached reports whether job would be served from cache, releasing any key it claims
func (e *testEnv) cached(t *testing.T, job *domain.Job) bool {
	t.Helper()
	out, p, err := e.orchestrator.Lookup(t.Context(), job)
	require.NoError(t, err)
	if p != nil {
		p.Release()
	}
	return out != nil
}

func textJob(position int, text string) *domain.Job {
	return domain.NewJob("batch", position, fmt.Sprintf("file%d.txt", position), domain.KindText, []byte(text))
}

func TestDispatcher_TextSucceedsAndCommits(t *testing.T) {
	corrector := &fakeCorrector{}
	env := newTestEnv(t, corrector, envOptions{})

	job := textJob(0, "This are a test.")
	out := env.run(t, t.Context(), job)

	require.NotNil(t, out)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
	assert.Equal(t, "This is a test.", out.CorrectedText)
	assert.Equal(t, []domain.Correction{{Original: "are", Replacement: "is", Position: 1}}, out.Corrections)
	assert.Empty(t, out.CacheLevel)

	second := textJob(1, "This  are a test.")
	hit := env.run(t, t.Context(), second)
	require.NotNil(t, hit)
	assert.True(t, second.FromCache())
	assert.Equal(t, string(cache.LevelRawText), hit.CacheLevel)
	assert.Equal(t, "This is a test.", hit.CorrectedText)
	assert.Equal(t, int32(1), corrector.calls.Load())
}

func TestDispatcher_EmptyTextSkipsCorrector(t *testing.T) {
	corrector := &fakeCorrector{}
	env := newTestEnv(t, corrector, envOptions{})

	job := textJob(0, "   \n ")
	out := env.run(t, t.Context(), job)

	require.NotNil(t, out)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
	assert.Empty(t, out.CorrectedText)
	assert.Empty(t, out.Corrections)
	assert.Zero(t, corrector.calls.Load())
}

func TestDispatcher_RunningNeverExceedsLimit(t *testing.T) {
	tests := []struct {
		name       string
		poolSize   int
		maxRunning int
		wantPeak   int
	}{
		{name: "pool width", poolSize: 2, wantPeak: 2},
		{name: "global running cap below pool width", poolSize: 4, maxRunning: 1, wantPeak: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &runningRecorder{}
			corrector := &fakeCorrector{fn: func(_ context.Context, _ int32, text string) (correction.Result, error) {
				time.Sleep(10 * time.Millisecond)
				return correction.Result{CorrectedText: text, Corrections: []domain.Correction{}}, nil
			}}
			env := newTestEnv(t, corrector, envOptions{
				poolSize:   tt.poolSize,
				maxRunning: tt.maxRunning,
				opts:       []Option{WithRecorder(rec)},
			})

			jobs := make([]*domain.Job, 8)
			var wg sync.WaitGroup
			for i := range jobs {
				jobs[i] = textJob(i, fmt.Sprintf("text number %d", i))
				wg.Add(1)
				go func(job *domain.Job) {
					defer wg.Done()
					env.run(t, t.Context(), job)
				}(jobs[i])
			}
			wg.Wait()

			for _, job := range jobs {
				assert.Equal(t, domain.JobStatusSucceeded, job.Status, job.Name)
			}
			assert.LessOrEqual(t, rec.peak, tt.wantPeak)
			assert.Zero(t, rec.current)
			assert.Equal(t, int32(len(jobs)), corrector.calls.Load())
		})
	}
}

func TestDispatcher_TimeoutIsNotRetried(t *testing.T) {
	corrector := &fakeCorrector{fn: func(ctx context.Context, _ int32, _ string) (correction.Result, error) {
		<-ctx.Done()
		return correction.Result{}, domain.NewTransientError(ctx.Err())
	}}
	env := newTestEnv(t, corrector, envOptions{timeout: 20 * time.Millisecond, fallback: correction.FallbackPassthrough})

	job := textJob(0, "This are slow.")
	out := env.run(t, t.Context(), job)

	assert.Nil(t, out)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.Err)
	assert.Equal(t, domain.CodeTaskTimeout, job.Err.Code)
	assert.Equal(t, int32(1), corrector.calls.Load())
	assert.False(t, env.cached(t, textJob(1, "This are slow.")))
}

func TestDispatcher_TransientFailureRetried(t *testing.T) {
	corrector := &fakeCorrector{fn: func(_ context.Context, call int32, text string) (correction.Result, error) {
		if call < 3 {
			return correction.Result{}, domain.NewTransientError(errors.New("model busy"))
		}
		return correction.Result{CorrectedText: "This is fine.", Corrections: correction.Diff(text, "This is fine.")}, nil
	}}
	env := newTestEnv(t, corrector, envOptions{})

	job := textJob(0, "This are fine.")
	out := env.run(t, t.Context(), job)

	require.NotNil(t, out)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
	assert.Equal(t, "This is fine.", out.CorrectedText)
	assert.Equal(t, int32(3), corrector.calls.Load())
}

func TestDispatcher_CorrectorExhausted(t *testing.T) {
	tests := []struct {
		name         string
		fallback     string
		wantStatus   domain.Status
		wantCode     domain.Code
		wantText     string
		wantDegraded bool
	}{
		{
			name:       "no fallback surfaces the failure",
			fallback:   correction.FallbackNone,
			wantStatus: domain.JobStatusFailed,
			wantCode:   domain.CodeCollaboratorUnavailable,
		},
		{
			name:         "rules fallback degrades",
			fallback:     correction.FallbackRules,
			wantStatus:   domain.JobStatusSucceeded,
			wantText:     "I dont know.",
			wantDegraded: true,
		},
		{
			name:         "passthrough fallback returns input",
			fallback:     correction.FallbackPassthrough,
			wantStatus:   domain.JobStatusSucceeded,
			wantText:     "I dont know.",
			wantDegraded: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			corrector := &fakeCorrector{fn: func(context.Context, int32, string) (correction.Result, error) {
				return correction.Result{}, domain.NewTransientError(errors.New("connection refused"))
			}}
			env := newTestEnv(t, corrector, envOptions{fallback: tt.fallback})

			job := textJob(0, "I dont know.")
			out := env.run(t, t.Context(), job)

			assert.Equal(t, tt.wantStatus, job.Status)
			assert.Equal(t, int32(3), corrector.calls.Load())
			if tt.wantCode != "" {
				require.NotNil(t, job.Err)
				assert.Equal(t, tt.wantCode, job.Err.Code)
				assert.Nil(t, out)
			} else {
				require.NotNil(t, out)
				assert.Equal(t, tt.wantDegraded, out.Degraded)
				if tt.fallback == correction.FallbackPassthrough {
					assert.Equal(t, tt.wantText, out.CorrectedText)
				}
			}
			assert.False(t, env.cached(t, textJob(1, "I dont know.")), "failed and degraded results are never cached")
		})
	}
}

func TestDispatcher_Image(t *testing.T) {
	t.Run("ocr unavailable", func(t *testing.T) {
		corrector := &fakeCorrector{}
		env := newTestEnv(t, corrector, envOptions{ocr: &fakeOCR{err: fmt.Errorf("failed to run tesseract: %w", domain.ErrOcrUnavailable)}})

		job := domain.NewJob("batch", 0, "scan.png", domain.KindImage, []byte("png"))
		out := env.run(t, t.Context(), job)

		assert.Nil(t, out)
		require.NotNil(t, job.Err)
		assert.Equal(t, domain.CodeOcrUnavailable, job.Err.Code)
		assert.Zero(t, corrector.calls.Load())
	})

	t.Run("no ocr engine configured", func(t *testing.T) {
		env := newTestEnv(t, &fakeCorrector{}, envOptions{})

		job := domain.NewJob("batch", 0, "scan.png", domain.KindImage, []byte("png"))
		env.run(t, t.Context(), job)

		require.NotNil(t, job.Err)
		assert.Equal(t, domain.CodeOcrUnavailable, job.Err.Code)
	})

	t.Run("same extracted text hits ocr level", func(t *testing.T) {
		corrector := &fakeCorrector{}
		env := newTestEnv(t, corrector, envOptions{ocr: &fakeOCR{text: "They are here."}})

		first := domain.NewJob("batch", 0, "a.png", domain.KindImage, []byte("first image"))
		out := env.run(t, t.Context(), first)
		require.NotNil(t, out)
		assert.Equal(t, "They is here.", out.CorrectedText)
		assert.Empty(t, out.CacheLevel)

		second := domain.NewJob("batch", 1, "b.png", domain.KindImage, []byte("second image"))
		hit := env.run(t, t.Context(), second)
		require.NotNil(t, hit)
		assert.Equal(t, domain.JobStatusSucceeded, second.Status)
		assert.Equal(t, string(cache.LevelOCRText), hit.CacheLevel)
		assert.Equal(t, "They is here.", hit.CorrectedText)
		assert.Equal(t, int32(1), corrector.calls.Load())
	})

	t.Run("blank image produces empty result", func(t *testing.T) {
		corrector := &fakeCorrector{}
		env := newTestEnv(t, corrector, envOptions{ocr: &fakeOCR{text: "  "}})

		job := domain.NewJob("batch", 0, "blank.png", domain.KindImage, []byte("png"))
		out := env.run(t, t.Context(), job)

		require.NotNil(t, out)
		assert.Equal(t, domain.JobStatusSucceeded, job.Status)
		assert.Empty(t, out.Corrections)
		assert.Zero(t, corrector.calls.Load())
	})
}

func TestDispatcher_HTMLDispatchesOnlyChangedSegments(t *testing.T) {
	corrector := &fakeCorrector{}
	env := newTestEnv(t, corrector, envOptions{})

	original := `<html><body><p>We are here.</p><p>They are there.</p></body></html>`
	job := domain.NewJob("batch", 0, "page.html", domain.KindHTML, []byte(original))
	out := env.run(t, t.Context(), job)

	require.NotNil(t, out)
	assert.Equal(t, int32(2), corrector.calls.Load())
	assert.Contains(t, string(out.Output), "<p>We is here.</p>")
	assert.Contains(t, string(out.Output), "<p>They is there.</p>")

	edited := `<html><body><p>We are here.</p><p>You are everywhere.</p></body></html>`
	next := domain.NewJob("batch", 1, "page.html", domain.KindHTML, []byte(edited))
	out = env.run(t, t.Context(), next)

	require.NotNil(t, out)
	assert.Equal(t, int32(3), corrector.calls.Load())
	assert.Contains(t, string(out.Output), "<p>We is here.</p>")
	assert.Contains(t, string(out.Output), "<p>You is everywhere.</p>")
}

func TestDispatcher_Cancellation(t *testing.T) {
	t.Run("canceled before dispatch", func(t *testing.T) {
		corrector := &fakeCorrector{}
		env := newTestEnv(t, corrector, envOptions{})

		ctx, cancel := context.WithCancel(t.Context())
		_, p, err := env.orchestrator.Lookup(ctx, textJob(0, "This are a test."))
		require.NoError(t, err)
		cancel()

		assert.Nil(t, env.dispatcher.Dispatch(ctx, p))
		require.NotNil(t, p.Job().Err)
		assert.Equal(t, domain.CodeCanceled, p.Job().Err.Code)
		assert.Zero(t, corrector.calls.Load())
		assert.Zero(t, env.orchestrator.InFlight())
	})

	t.Run("canceled while running", func(t *testing.T) {
		started := make(chan struct{})
		corrector := &fakeCorrector{fn: func(ctx context.Context, _ int32, _ string) (correction.Result, error) {
			close(started)
			<-ctx.Done()
			return correction.Result{}, ctx.Err()
		}}
		env := newTestEnv(t, corrector, envOptions{fallback: correction.FallbackPassthrough})

		ctx, cancel := context.WithCancel(t.Context())
		go func() {
			<-started
			cancel()
		}()

		job := textJob(0, "This are a test.")
		out := env.run(t, ctx, job)

		assert.Nil(t, out)
		assert.Equal(t, domain.JobStatusFailed, job.Status)
		require.NotNil(t, job.Err)
		assert.Equal(t, domain.CodeCanceled, job.Err.Code)
		assert.Zero(t, env.orchestrator.InFlight())
		assert.False(t, env.cached(t, textJob(1, "This are a test.")))
	})

	t.Run("stopped dispatcher", func(t *testing.T) {
		env := newTestEnv(t, &fakeCorrector{}, envOptions{})
		env.dispatcher.Stop()

		job := textJob(0, "This are a test.")
		assert.Nil(t, env.run(t, t.Context(), job))
		require.NotNil(t, job.Err)
		assert.Equal(t, domain.CodeCanceled, job.Err.Code)
		assert.ErrorIs(t, job.Err, ErrStopped)
	})
}
