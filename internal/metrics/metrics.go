package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "correction_pipeline"

// Metrics exposes pipeline counters. The zero value is not usable; create
// one with New.
type Metrics struct {
	admitted    prometheus.Counter
	rejected    *prometheus.CounterVec
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	succeeded   prometheus.Counter
	failed      *prometheus.CounterVec
	running     prometheus.Gauge
	batches     *prometheus.CounterVec
}

// New creates the pipeline metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admitted_total",
			Help:      "Requests admitted by the rate limiter.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Uploads and requests rejected before any job ran, by reason.",
		}, []string{"reason"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits by level.",
		}, []string{"level"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses by level.",
		}, []string{"level"}),
		succeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_succeeded_total",
			Help:      "Jobs that reached Succeeded.",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Jobs that reached Failed, by error code.",
		}, []string{"code"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs currently in Running state.",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches finished, by health.",
		}, []string{"healthy"}),
	}

	reg.MustRegister(m.admitted, m.rejected, m.cacheHits, m.cacheMisses, m.succeeded, m.failed, m.running, m.batches)
	return m
}

// Admitted counts an admitted request
func (m *Metrics) Admitted() {
	m.admitted.Inc()
}

// Rejected counts a rejection for reason
func (m *Metrics) Rejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

// CacheHit counts a hit at level
func (m *Metrics) CacheHit(level string) {
	m.cacheHits.WithLabelValues(level).Inc()
}

// CacheMiss counts a miss at level
func (m *Metrics) CacheMiss(level string) {
	m.cacheMisses.WithLabelValues(level).Inc()
}

// JobStarted tracks a job entering Running
func (m *Metrics) JobStarted() {
	m.running.Inc()
}

// JobStopped tracks a job leaving Running
func (m *Metrics) JobStopped() {
	m.running.Dec()
}

// Succeeded counts a succeeded job
func (m *Metrics) Succeeded() {
	m.succeeded.Inc()
}

// Failed counts a failed job by code
func (m *Metrics) Failed(code string) {
	m.failed.WithLabelValues(code).Inc()
}

// BatchDone counts a finished batch
func (m *Metrics) BatchDone(healthy bool) {
	label := "false"
	if healthy {
		label = "true"
	}
	m.batches.WithLabelValues(label).Inc()
}
