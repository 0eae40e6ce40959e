package observability

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callflow_engine"

// Metrics stores Prometheus collectors used by the API and the call loop.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	callsPlacedTotal       *prometheus.CounterVec
	callPlaceDuration      *prometheus.HistogramVec
	callOutcomesTotal      *prometheus.CounterVec
	callsInflight          prometheus.Gauge
	retryScheduledTotal    *prometheus.CounterVec
	escalationsTotal       *prometheus.CounterVec
	workflowDispatchTotal  *prometheus.CounterVec
	leaseContentionTotal   prometheus.Counter
	recoveredAttemptsTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(registry)

	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	histogramVec := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}

	return &Metrics{
		registry: registry,

		httpRequestsTotal: counterVec("http_requests_total",
			"HTTP requests handled, by method, route and status.", "method", "path", "status"),
		httpRequestDuration: histogramVec("http_request_duration_seconds",
			"HTTP request latency by method and route.", prometheus.DefBuckets, "method", "path"),

		callsPlacedTotal: counterVec("calls_placed_total",
			"Outbound calls accepted by the voice provider.", "campaign_kind"),
		callPlaceDuration: histogramVec("call_place_duration_seconds",
			"Voice provider placement latency by campaign kind.", prometheus.ExponentialBuckets(0.01, 2, 12), "campaign_kind"),
		callOutcomesTotal: counterVec("call_outcomes_total",
			"Classified call outcomes.", "outcome"),
		callsInflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_inflight",
			Help:      "Calls awaiting an outcome in this process.",
		}),
		retryScheduledTotal: counterVec("retry_scheduled_total",
			"Follow-up attempts scheduled, by the outcome that caused them.", "outcome"),
		escalationsTotal: counterVec("escalations_total",
			"Contacts handed to manual follow-up.", "reason"),
		workflowDispatchTotal: counterVec("workflow_dispatch_total",
			"Workflow dispatches by kind and result.", "kind", "result"),
		leaseContentionTotal: counter("lease_contention_total",
			"Call messages skipped because another worker held the contact lease."),
		recoveredAttemptsTotal: counter("recovered_attempts_total",
			"Orphaned attempts finalized by the recovery sweep."),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncCallPlaced(campaignKind string) {
	if m == nil {
		return
	}
	m.callsPlacedTotal.WithLabelValues(normalizeLabel(campaignKind)).Inc()
}

func (m *Metrics) ObserveCallPlaceDuration(campaignKind string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.callPlaceDuration.WithLabelValues(normalizeLabel(campaignKind)).Observe(seconds)
}

func (m *Metrics) IncCallOutcome(outcome string) {
	if m == nil {
		return
	}
	m.callOutcomesTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncCallsInFlight() {
	if m == nil {
		return
	}
	m.callsInflight.Inc()
}

func (m *Metrics) DecCallsInFlight() {
	if m == nil {
		return
	}
	m.callsInflight.Dec()
}

func (m *Metrics) IncRetryScheduled(outcome string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncEscalation(reason string) {
	if m == nil {
		return
	}
	m.escalationsTotal.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncWorkflowDispatch(kind string, result string) {
	if m == nil {
		return
	}
	m.workflowDispatchTotal.WithLabelValues(normalizeLabel(kind), normalizeLabel(result)).Inc()
}

func (m *Metrics) IncLeaseContention() {
	if m == nil {
		return
	}
	m.leaseContentionTotal.Inc()
}

func (m *Metrics) IncRecoveredAttempt() {
	if m == nil {
		return
	}
	m.recoveredAttemptsTotal.Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
