// Package metrics exposes the worker's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/illmade-knight/go-contentsync/pkg/updater"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "contentsync"

// Metrics records update sessions, content lookups and HTTP traffic.
type Metrics struct {
	sessionsStarted  *prometheus.CounterVec
	sessionsDropped  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	archiveBytes     prometheus.Histogram
	contentLookups   *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeRequests   prometheus.Gauge
}

var _ updater.MetricsRecorder = (*Metrics)(nil)

// New registers the worker metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	promFactory := promauto.With(reg)
	return &Metrics{
		sessionsStarted: promFactory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Update and clear sessions started.",
		}, []string{"kind"}),
		sessionsDropped: promFactory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_dropped_total",
			Help:      "Requests dropped because a session was already active.",
		}, []string{"kind"}),
		sessionsFinished: promFactory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Sessions finished, labelled by outcome.",
		}, []string{"kind", "outcome"}),
		sessionDuration: promFactory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of update and clear sessions.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		archiveBytes: promFactory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_size_bytes",
			Help:      "Size of downloaded content packages.",
			Buckets:   prometheus.ExponentialBuckets(1<<16, 4, 10),
		}),
		contentLookups: promFactory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_lookups_total",
			Help:      "Content requests served from the cache, labelled by result.",
		}, []string{"result"}),
		requestDuration: promFactory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests handled by the worker.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"status", "method", "route"}),
		activeRequests: promFactory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Current in-flight HTTP requests.",
		}),
	}
}

// RegisterClientGauge exposes the number of attached clients, read from
// count at scrape time.
func RegisterClientGauge(reg prometheus.Registerer, count func() int) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "attached_clients",
		Help:      "Clients currently attached over websocket.",
	}, func() float64 { return float64(count()) })
}

func (m *Metrics) SessionStarted(kind updater.SessionKind) {
	m.sessionsStarted.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) SessionDropped(kind updater.SessionKind) {
	m.sessionsDropped.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) SessionFinished(kind updater.SessionKind, outcome string, duration time.Duration) {
	m.sessionsFinished.WithLabelValues(string(kind), outcome).Inc()
	m.sessionDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func (m *Metrics) ArchiveDownloaded(bytes int) {
	m.archiveBytes.Observe(float64(bytes))
}

// ContentLookup counts a content request by result: hit or miss.
func (m *Metrics) ContentLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.contentLookups.WithLabelValues(result).Inc()
}

type responseInterceptor struct {
	http.ResponseWriter
	status int
}

func (w *responseInterceptor) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *responseInterceptor) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware records request counts and durations. route labels the
// handler so paths with keys do not explode cardinality.
func (m *Metrics) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.activeRequests.Inc()
		defer m.activeRequests.Dec()

		interceptor := &responseInterceptor{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(interceptor, r)

		m.requestDuration.With(prometheus.Labels{
			"status": strconv.Itoa(interceptor.status),
			"method": r.Method,
			"route":  route,
		}).Observe(time.Since(start).Seconds())
	})
}
