package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns every gradesync metric. A nil *Manager is valid and records
// nothing, so components can be built without instrumentation in tests.
type Manager struct {
	namespace string
	subsystem string
	buckets   []float64
	registry  *prometheus.Registry

	runs              *prometheus.CounterVec
	studentsScored    *prometheus.CounterVec
	unmatched         *prometheus.CounterVec
	rejected          *prometheus.CounterVec
	missingSubmission *prometheus.CounterVec
	uploads           *prometheus.CounterVec
	uploadPolls       prometheus.Counter
	uploadDuration    prometheus.Histogram
	exportPolls       prometheus.Counter
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// NewManager builds a Manager on its own registry unless WithRegistry is given.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace: "gradesync",
		buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		registry:  prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.init()
	return m
}

func (m *Manager) init() {
	auto := promauto.With(m.registry)
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		}, labels)
	}

	m.runs = counterVec("reconcile_runs_total", "Reconciliation runs by score source and outcome.", "source", "outcome")
	m.studentsScored = counterVec("students_scored_total", "Students given a final score.", "source")
	m.unmatched = counterVec("unmatched_identities_total", "Raw score identities that matched no roster handle.", "source")
	m.rejected = counterVec("rejected_rows_total", "Raw score rows rejected as malformed or superseded.", "source")
	m.missingSubmission = counterVec("missing_submission_data_total", "Scored students without submission timing.", "source")
	m.uploads = counterVec("uploads_total", "Bulk grade uploads by outcome.", "outcome")

	m.uploadPolls = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "upload_progress_polls_total", Help: "Progress polls issued while waiting for bulk grade updates.",
	})
	m.uploadDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "upload_duration_seconds", Help: "Time from bulk update request to job completion.",
		Buckets: m.buckets,
	})
	m.exportPolls = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "survey_export_polls_total", Help: "Progress polls issued while waiting for survey exports.",
	})
	m.httpRequests = counterVec("http_requests_total", "HTTP requests by route, method and status.", "route", "method", "status_code")
	m.httpDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "http_request_duration_seconds", Help: "HTTP request latency by route.",
		Buckets: m.buckets,
	}, []string{"route", "method"})
}

// RecordRun counts one run of source ending in outcome (ok, review, failed).
func (m *Manager) RecordRun(source, outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(source, outcome).Inc()
}

// ObserveResult adds the report sizes of a finished reconciliation.
func (m *Manager) ObserveResult(source string, scored, unmatched, rejected, missingSubmission int) {
	if m == nil {
		return
	}
	m.studentsScored.WithLabelValues(source).Add(float64(scored))
	m.unmatched.WithLabelValues(source).Add(float64(unmatched))
	m.rejected.WithLabelValues(source).Add(float64(rejected))
	m.missingSubmission.WithLabelValues(source).Add(float64(missingSubmission))
}

// RecordUploadPoll counts one progress poll.
func (m *Manager) RecordUploadPoll() {
	if m == nil {
		return
	}
	m.uploadPolls.Inc()
}

// RecordExportPoll counts one survey export poll.
func (m *Manager) RecordExportPoll() {
	if m == nil {
		return
	}
	m.exportPolls.Inc()
}

// ObserveUpload records an upload outcome and how long it took.
func (m *Manager) ObserveUpload(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
	m.uploadDuration.Observe(d.Seconds())
}

// Middleware records request count and latency keyed by the chi route pattern.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// Registry returns the registry the metrics live on.
func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var (
	defaultOnce sync.Once
	defaultMgr  *Manager
)

// Default returns the process-wide manager used by the binaries.
func Default() *Manager {
	defaultOnce.Do(func() { defaultMgr = NewManager() })
	return defaultMgr
}
