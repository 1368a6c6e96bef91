package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeConfirmed = "confirmed"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Config configures metric labels.
type Config struct {
	ServiceName string
	Environment string
}

// BufferMetrics captures hot-path and reconciliation health for the usage buffer.
type BufferMetrics struct {
	registry      *prometheus.Registry
	trackTotal    *prometheus.CounterVec
	flushRuns     *prometheus.CounterVec
	flushEvents   *prometheus.CounterVec
	flushDuration *prometheus.HistogramVec
	flushErrors   *prometheus.CounterVec
	syncRuns      *prometheus.CounterVec
	gcDeleted     prometheus.Counter
	jobDuration   *prometheus.HistogramVec
	jobErrors     *prometheus.CounterVec
}

// New builds buffer metrics on a dedicated registry so several buffers can coexist in one process.
func New(cfg Config) *BufferMetrics {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "usagebuffer"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &BufferMetrics{
		registry: prometheus.NewRegistry(),
		trackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "usagebuffer_track_total",
			Help:        "Usage increments recorded locally by feature.",
			ConstLabels: constLabels,
		}, []string{"feature"}),
		flushRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "usagebuffer_flush_runs_total",
			Help:        "Flush executions by trigger and result.",
			ConstLabels: constLabels,
		}, []string{"trigger", "result"}),
		flushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "usagebuffer_flush_events_total",
			Help:        "Events processed by flush, by remote outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "usagebuffer_flush_duration_seconds",
			Help:        "Flush latency including remote round trips.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: constLabels,
		}, []string{"trigger"}),
		flushErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "usagebuffer_flush_errors_total",
			Help:        "Remote group failures left for the next flush pass.",
			ConstLabels: constLabels,
		}, []string{"trigger"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "usagebuffer_sync_runs_total",
			Help:        "Baseline reconciliations against the authoritative store.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		gcDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "usagebuffer_gc_deleted_total",
			Help:        "Synced events purged after the retention window.",
			ConstLabels: constLabels,
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "usagebuffer_job_duration_seconds",
			Help:        "Scheduler job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "usagebuffer_job_errors_total",
			Help:        "Scheduler job failures by reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
	}

	m.registry.MustRegister(
		m.trackTotal,
		m.flushRuns,
		m.flushEvents,
		m.flushDuration,
		m.flushErrors,
		m.syncRuns,
		m.gcDeleted,
		m.jobDuration,
		m.jobErrors,
	)
	return m
}

// Registry exposes the underlying registry for scraping or pushing.
func (m *BufferMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *BufferMetrics) IncTrack(feature string) {
	if m == nil {
		return
	}
	m.trackTotal.WithLabelValues(strings.TrimSpace(feature)).Inc()
}

func (m *BufferMetrics) ObserveFlush(trigger string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "partial"
	}
	m.flushRuns.WithLabelValues(trigger, result).Inc()
	m.flushDuration.WithLabelValues(trigger).Observe(elapsed.Seconds())
}

func (m *BufferMetrics) AddFlushEvents(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.flushEvents.WithLabelValues(outcome).Add(float64(count))
}

func (m *BufferMetrics) IncFlushError(trigger string) {
	if m == nil {
		return
	}
	m.flushErrors.WithLabelValues(trigger).Inc()
}

func (m *BufferMetrics) IncSync(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "error"
	}
	m.syncRuns.WithLabelValues(result).Inc()
}

func (m *BufferMetrics) AddGCDeleted(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.gcDeleted.Add(float64(count))
}

func (m *BufferMetrics) ObserveJob(job string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

const (
	JobReasonTimeout   = "deadline_exceeded"
	JobReasonLeaseHeld = "lease_held"
	JobReasonError     = "error"
)

func (m *BufferMetrics) IncJobError(job, reason string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, reason).Inc()
}
