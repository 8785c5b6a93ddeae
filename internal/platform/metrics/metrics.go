package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stitch_pipeline"

// Metrics holds Prometheus collectors for the readiness pipeline.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       *prometheus.CounterVec
	errorsTotal         prometheus.Counter
	apiErrorsTotal      *prometheus.CounterVec
	rotationsTotal      *prometheus.CounterVec
	rotationLatency     prometheus.Histogram
	preparationsTotal   *prometheus.CounterVec
	preparationDuration prometheus.Histogram
	emergenciesTotal    *prometheus.CounterVec
	degradationsTotal   *prometheus.CounterVec
	invariantViolations prometheus.Counter
	activeUsers         prometheus.Gauge
	usersByHealth       *prometheus.GaugeVec
	cacheEntries        prometheus.Gauge
	cacheHitRate        prometheus.Gauge
	queuedJobs          prometheus.Gauge
}

// New creates and registers the pipeline metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests received by method and route",
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		apiErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "Pipeline errors returned to API callers by error kind",
		}, []string{"kind"}),
		rotationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "Rotation attempts by outcome",
		}, []string{"outcome"}),
		rotationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rotation_latency_seconds",
			Help:      "Latency of successful rotations",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		}),
		preparationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preparations_total",
			Help:      "Finished background preparation jobs by outcome",
		}, []string{"outcome"}),
		preparationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "preparation_duration_seconds",
			Help:      "Time from request to stored unit for background preparation",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		emergenciesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_preparations_total",
			Help:      "Emergency preparations by outcome",
		}, []string{"outcome"}),
		degradationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degradations_total",
			Help:      "Applied degradation strategies by degradation type",
		}, []string{"type"}),
		invariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Channel invariant violations that required state correction",
		}),
		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_users",
			Help:      "Number of initialized user pipelines",
		}),
		usersByHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "users_by_health",
			Help:      "Number of user pipelines per system health level",
		}, []string{"health"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Prepared units currently cached",
		}),
		cacheHitRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_hit_rate",
			Help:      "Ratio of readiness queries that found a prepared unit",
		}),
		queuedJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_jobs",
			Help:      "Preparation jobs waiting for a runner",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.apiErrorsTotal,
		m.rotationsTotal,
		m.rotationLatency,
		m.preparationsTotal,
		m.preparationDuration,
		m.emergenciesTotal,
		m.degradationsTotal,
		m.invariantViolations,
		m.activeUsers,
		m.usersByHealth,
		m.cacheEntries,
		m.cacheHitRate,
		m.queuedJobs,
	)
	return m
}

// IncRequests increments the request counter for method and route pattern.
func (m *Metrics) IncRequests(method, route string) {
	m.requestsTotal.WithLabelValues(method, route).Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncRotations counts a rotation attempt.
func (m *Metrics) IncRotations(outcome string) {
	m.rotationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRotationLatency records the latency of a successful rotation.
func (m *Metrics) ObserveRotationLatency(d time.Duration) {
	m.rotationLatency.Observe(d.Seconds())
}

// IncPreparations counts a finished preparation job.
func (m *Metrics) IncPreparations(outcome string) {
	m.preparationsTotal.WithLabelValues(outcome).Inc()
}

// ObservePreparationDuration records how long a successful job took.
func (m *Metrics) ObservePreparationDuration(d time.Duration) {
	m.preparationDuration.Observe(d.Seconds())
}

// IncEmergencies counts an emergency preparation.
func (m *Metrics) IncEmergencies(outcome string) {
	m.emergenciesTotal.WithLabelValues(outcome).Inc()
}

// IncAPIErrors counts a pipeline error returned by the HTTP layer.
func (m *Metrics) IncAPIErrors(kind string) {
	m.apiErrorsTotal.WithLabelValues(kind).Inc()
}

// IncDegradations counts an applied degradation strategy.
func (m *Metrics) IncDegradations(kind string) {
	m.degradationsTotal.WithLabelValues(kind).Inc()
}

// IncInvariantViolations counts a corrected invariant violation.
func (m *Metrics) IncInvariantViolations() {
	m.invariantViolations.Inc()
}

// SetActiveUsers sets the active users gauge.
func (m *Metrics) SetActiveUsers(n int) {
	m.activeUsers.Set(float64(n))
}

// SetUsersByHealth sets the per-health user gauges.
func (m *Metrics) SetUsersByHealth(counts map[string]int) {
	for health, n := range counts {
		m.usersByHealth.WithLabelValues(health).Set(float64(n))
	}
}

// SetCache sets the cache size and hit-rate gauges.
func (m *Metrics) SetCache(entries int, hitRate float64) {
	m.cacheEntries.Set(float64(entries))
	m.cacheHitRate.Set(hitRate)
}

// SetQueuedJobs sets the queued jobs gauge.
func (m *Metrics) SetQueuedJobs(n int) {
	m.queuedJobs.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
