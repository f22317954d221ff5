// Package observability exposes Prometheus metrics for ingestion, aggregation,
// checkpoints and the HTTP API.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trustlens/trustlens/pkg/types"
)

const namespace = "trustlens"

// Metrics holds the collectors of one engine instance. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	recorded       *prometheus.CounterVec
	duplicates     prometheus.Counter
	conflicts      prometheus.Counter
	fatal          prometheus.Counter
	appendErrors   *prometheus.CounterVec
	appendDuration prometheus.Histogram
	redeliveryLen  prometheus.Gauge
	trendDays      prometheus.Gauge
	checkpoints    *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors on a private registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		recorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_recorded_total",
			Help:      "Evaluations applied to the aggregates, by action.",
		}, []string{"action"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_duplicate_total",
			Help:      "Record calls ignored because the event id was already applied.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_conflicts_total",
			Help:      "Day rollup updates retried after a concurrent eviction.",
		}),
		fatal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_fatal_total",
			Help:      "Record calls that exhausted their retries.",
		}),
		appendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_append_errors_total",
			Help:      "Event store append failures, by error code.",
		}, []string{"code"}),
		appendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_append_duration_seconds",
			Help:      "Durable append latency including fsync.",
			Buckets:   prometheus.DefBuckets,
		}),
		redeliveryLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "redelivery_pending",
			Help:      "Durably stored events waiting to be applied to the aggregates.",
		}),
		trendDays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trend_days",
			Help:      "Day rollups currently held by the trend index.",
		}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint saves, by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed, by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.recorded,
		m.duplicates,
		m.conflicts,
		m.fatal,
		m.appendErrors,
		m.appendDuration,
		m.redeliveryLen,
		m.trendDays,
		m.checkpoints,
		m.httpRequests,
		m.httpDuration,
	)
	for _, a := range types.Actions {
		m.recorded.WithLabelValues(string(a))
	}
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Recorded implements aggregate.Observer.
func (m *Metrics) Recorded(action types.Action) {
	if m == nil {
		return
	}
	m.recorded.WithLabelValues(string(action)).Inc()
}

// Duplicate implements aggregate.Observer.
func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// Conflict implements aggregate.Observer.
func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// Fatal implements aggregate.Observer.
func (m *Metrics) Fatal() {
	if m == nil {
		return
	}
	m.fatal.Inc()
}

// AppendFinished records the latency of one append and, when code is not
// empty, the failure.
func (m *Metrics) AppendFinished(d time.Duration, code string) {
	if m == nil {
		return
	}
	m.appendDuration.Observe(d.Seconds())
	if code != "" {
		m.appendErrors.WithLabelValues(code).Inc()
	}
}

// SetRedeliveryPending sets the redelivery queue length.
func (m *Metrics) SetRedeliveryPending(n int) {
	if m == nil {
		return
	}
	m.redeliveryLen.Set(float64(n))
}

// SetTrendDays sets the number of day rollups held.
func (m *Metrics) SetTrendDays(n int) {
	if m == nil {
		return
	}
	m.trendDays.Set(float64(n))
}

// CheckpointSaved counts a checkpoint attempt.
func (m *Metrics) CheckpointSaved(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.checkpoints.WithLabelValues(result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests and observes durations under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
