// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const maxLabelLength = 64

// Metrics holds every collector registered for one run.
type Metrics struct {
	registry *prometheus.Registry

	fetchAttempts     *prometheus.CounterVec
	pages             prometheus.Counter
	pagesFailed       prometheus.Counter
	measurements      *prometheus.CounterVec
	unknownFields     *prometheus.CounterVec
	stations          *prometheus.CounterVec
	itemsSkipped      *prometheus.CounterVec
	runDuration       prometheus.Histogram
	rateLimitDelay    *prometheus.HistogramVec
	httpRequests      *prometheus.CounterVec
	httpRequestTiming *prometheus.HistogramVec
}

// New registers the ingestion collectors on reg. A nil reg gets a fresh registry
// that also carries the Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		fetchAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weather_ingest_fetch_attempts_total",
				Help: "Fetch attempts against the remote service, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		pages: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "weather_ingest_pages_total",
				Help: "Measurement pages processed.",
			},
		),
		pagesFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "weather_ingest_pages_failed_total",
				Help: "Measurement pages whose write failed and were skipped.",
			},
		),
		measurements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weather_ingest_measurements_total",
				Help: "Measurement rows handed to the store, labeled by result.",
			},
			[]string{"result"},
		),
		unknownFields: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weather_ingest_unknown_fields_total",
				Help: "Remote fields with no matching column, labeled by field.",
			},
			[]string{"field"},
		),
		stations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weather_ingest_stations_total",
				Help: "Stations whose measurements were walked, labeled by result.",
			},
			[]string{"result"},
		),
		itemsSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weather_ingest_items_skipped_total",
				Help: "Remote items skipped before reaching the store, labeled by reason.",
			},
			[]string{"reason"},
		),
		runDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "weather_ingest_run_duration_seconds",
				Help:    "Wall-clock duration of ingestion runs.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),
		rateLimitDelay: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "weather_ingest_rate_limit_delay_seconds",
				Help:    "Time requests waited for a rate limit token, labeled by host.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weather_ingest_http_requests_total",
				Help: "Requests served by the metrics endpoint, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestTiming: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "weather_ingest_http_request_duration_seconds",
				Help:    "Latency of requests served by the metrics endpoint, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an http.Handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveFetchAttempt counts one fetch attempt.
func (m *Metrics) ObserveFetchAttempt(outcome string) {
	m.fetchAttempts.WithLabelValues(SanitizeLabel(outcome)).Inc()
}

// ObserveUnknownField counts a remote key that has no column.
func (m *Metrics) ObserveUnknownField(key string) {
	m.unknownFields.WithLabelValues(SanitizeLabel(key)).Inc()
}

// ObservePage counts a processed page and its write results.
func (m *Metrics) ObservePage(written, ignored, rejected int) {
	m.pages.Inc()
	m.ObserveMeasurements(written, ignored, rejected)
}

// ObservePageFailed counts a page that could not be stored.
func (m *Metrics) ObservePageFailed() {
	m.pagesFailed.Inc()
}

// ObserveMeasurements adds write results to the measurement counter.
func (m *Metrics) ObserveMeasurements(written, ignored, rejected int) {
	if written > 0 {
		m.measurements.WithLabelValues("written").Add(float64(written))
	}
	if ignored > 0 {
		m.measurements.WithLabelValues("ignored").Add(float64(ignored))
	}
	if rejected > 0 {
		m.measurements.WithLabelValues("rejected").Add(float64(rejected))
	}
}

// ObserveStation counts a station by result ("done" or "failed").
func (m *Metrics) ObserveStation(result string) {
	m.stations.WithLabelValues(result).Inc()
}

// ObserveItemsSkipped counts items dropped for reason.
func (m *Metrics) ObserveItemsSkipped(reason string, n int) {
	if n <= 0 {
		return
	}
	m.itemsSkipped.WithLabelValues(reason).Add(float64(n))
}

// ObserveRunDuration records how long a run took.
func (m *Metrics) ObserveRunDuration(d time.Duration) {
	m.runDuration.Observe(d.Seconds())
}

// ObserveRateLimitDelay records how long a request waited for a token.
func (m *Metrics) ObserveRateLimitDelay(host string, d time.Duration) {
	m.rateLimitDelay.WithLabelValues(SanitizeLabel(host)).Observe(d.Seconds())
}

// ObserveHTTPRequest records a request served by the metrics endpoint.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, fmt.Sprint(code)).Inc()
	m.httpRequestTiming.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Push sends the registry to a Prometheus Pushgateway under job.
func (m *Metrics) Push(ctx context.Context, gatewayURL, job string, groupings map[string]string) error {
	pusher := push.New(gatewayURL, job).Gatherer(m.registry)
	for k, v := range groupings {
		pusher = pusher.Grouping(k, v)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}

// SanitizeLabel bounds an untrusted label value. It lowercases, replaces
// characters outside [a-z0-9_] with '_' and truncates. Empty input maps to "unknown".
func SanitizeLabel(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range raw {
		if b.Len() >= maxLabelLength {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
