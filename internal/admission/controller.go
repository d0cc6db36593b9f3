package admission

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// Config holds the admission limits
type Config struct {
	RateLimitPerMinute int
	RateLimitBurst     int
	// MaxRunning caps jobs in Running state process-wide; 0 disables the cap
	MaxRunning int
}

const minBucketIdle = time.Minute

// Controller gates work entering the pipeline. It holds one token bucket
// per client key and a process-wide cap on running jobs. Buckets left idle
// long enough to refill completely are dropped.
type Controller struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	buckets *ttlcache.Cache[string, *rate.Limiter]

	running *semaphore.Weighted
	active  atomic.Int64
}

// NewController creates a Controller
func NewController(cfg Config, logger *slog.Logger) *Controller {
	return newController(cfg, logger, bucketIdle(cfg))
}

func newController(cfg Config, logger *slog.Logger, idle time.Duration) *Controller {
	c := &Controller{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "admission_controller")),
		now:     time.Now,
		buckets: ttlcache.New(ttlcache.WithTTL[string, *rate.Limiter](idle)),
	}
	if cfg.MaxRunning > 0 {
		c.running = semaphore.NewWeighted(int64(cfg.MaxRunning))
	}
	return c
}

// TryAdmit takes one token from the bucket of clientKey. When the bucket
// is empty it returns *domain.AdmissionRejected with the time until the
// next token.
func (c *Controller) TryAdmit(clientKey string) error {
	now := c.now()
	r := c.bucket(clientKey).ReserveN(now, 1)
	if !r.OK() {
		return &domain.AdmissionRejected{RetryAfter: time.Minute}
	}

	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		c.logger.Warn("Admission rejected",
			slog.String("client", clientKey),
			slog.Duration("retry_after", delay),
		)
		return &domain.AdmissionRejected{RetryAfter: delay}
	}
	return nil
}

// bucketIdle is how long a bucket may go unused before it is dropped. A
// dropped bucket would have refilled to its burst by then, so recreating it
// admits exactly what the old one would have.
func bucketIdle(cfg Config) time.Duration {
	if cfg.RateLimitPerMinute <= 0 {
		return minBucketIdle
	}
	refill := time.Duration(cfg.RateLimitBurst) * time.Minute / time.Duration(cfg.RateLimitPerMinute)
	return max(refill, minBucketIdle)
}

// Start runs idle-bucket cleanup until Stop
func (c *Controller) Start() {
	go c.buckets.Start()
}

// Stop ends idle-bucket cleanup
func (c *Controller) Stop() {
	c.buckets.Stop()
}

func (c *Controller) bucket(clientKey string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Get extends the bucket's idle deadline.
	if item := c.buckets.Get(clientKey); item != nil {
		return item.Value()
	}
	l := rate.NewLimiter(rate.Limit(float64(c.cfg.RateLimitPerMinute)/60), c.cfg.RateLimitBurst)
	c.buckets.Set(clientKey, l, ttlcache.DefaultTTL)
	return l
}

// Clients returns the number of client buckets currently held
func (c *Controller) Clients() int {
	return c.buckets.Len()
}

// Limit returns the configured requests per minute
func (c *Controller) Limit() int {
	return c.cfg.RateLimitPerMinute
}

// Ticket is one unit of the running-jobs budget
type Ticket struct {
	c    *Controller
	once sync.Once
}

// Release returns the ticket's slot. Releasing twice is a no-op.
func (t *Ticket) Release() {
	t.once.Do(func() {
		t.c.active.Add(-1)
		if t.c.running != nil {
			t.c.running.Release(1)
		}
	})
}

// Acquire blocks until a running slot is free or ctx ends
func (c *Controller) Acquire(ctx context.Context) (*Ticket, error) {
	if c.running != nil {
		if err := c.running.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	c.active.Add(1)
	return &Ticket{c: c}, nil
}

// Running returns the number of tickets currently held
func (c *Controller) Running() int {
	return int(c.active.Load())
}
