// Package metrics provides Prometheus metrics collection for the build
// analysis pipeline.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/r3e-network/drone-analyzer/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics exposed by the butler process.
type Metrics struct {
	// Outbound HTTP to the Drone API (C2).
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Errors across all components.
	ErrorsTotal *prometheus.CounterVec

	// HTTP interaction cache (C1).
	CacheHitsTotal  *prometheus.CounterVec
	CacheMissTotal  *prometheus.CounterVec
	CacheEntryCount prometheus.Gauge

	// Job queue broker (C3) / worker pool (C4).
	QueueDepth        *prometheus.GaugeVec
	JobsProcessedTotal *prometheus.CounterVec

	// Rule engine (C6).
	RuleMatchesTotal *prometheus.CounterVec

	// Database (C1/C7).
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Process health.
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered against
// the default Prometheus registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance registered against a custom
// registerer, primarily for test isolation.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drone_api_requests_total",
				Help: "Total number of requests issued to the Drone API",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "drone_api_request_duration_seconds",
				Help:    "Drone API request duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drone_api_requests_in_flight",
				Help: "Current number of in-flight Drone API requests",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "butler_errors_total",
				Help: "Total number of errors by type and operation",
			},
			[]string{"service", "type", "operation"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_cache_hits_total",
				Help: "Total number of HTTP interaction cache hits",
			},
			[]string{"method"},
		),
		CacheMissTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_cache_misses_total",
				Help: "Total number of HTTP interaction cache misses",
			},
			[]string{"method"},
		),
		CacheEntryCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_cache_entries",
				Help: "Current number of stored HTTP interactions",
			},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "job_queue_depth",
				Help: "Current depth of a job queue socket",
			},
			[]string{"socket"},
		),
		JobsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_processed_total",
				Help: "Total number of jobs processed by the worker pool",
			},
			[]string{"status"},
		),

		RuleMatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rule_matches_total",
				Help: "Total number of rule matches by rule name and action",
			},
			[]string{"rule", "action"},
		),

		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.CacheHitsTotal,
			m.CacheMissTotal,
			m.CacheEntryCount,
			m.QueueDepth,
			m.JobsProcessedTotal,
			m.RuleMatchesTotal,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an outbound Drone API request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error by type and operation.
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordCacheHit records an HTTP interaction cache hit.
func (m *Metrics) RecordCacheHit(method string) {
	m.CacheHitsTotal.WithLabelValues(method).Inc()
}

// RecordCacheMiss records an HTTP interaction cache miss.
func (m *Metrics) RecordCacheMiss(method string) {
	m.CacheMissTotal.WithLabelValues(method).Inc()
}

// SetCacheEntryCount sets the current count of stored interactions.
func (m *Metrics) SetCacheEntryCount(count int) {
	m.CacheEntryCount.Set(float64(count))
}

// SetQueueDepth records the current depth of a named socket queue.
func (m *Metrics) SetQueueDepth(socket string, depth int) {
	m.QueueDepth.WithLabelValues(socket).Set(float64(depth))
}

// RecordJobProcessed records a job completion by status (ok/failed).
func (m *Metrics) RecordJobProcessed(status string) {
	m.JobsProcessedTotal.WithLabelValues(status).Inc()
}

// RecordRuleMatch records a rule firing and the action it produced.
func (m *Metrics) RecordRuleMatch(rule, action string) {
	m.RuleMatchesTotal.WithLabelValues(rule, action).Inc()
}

// RecordDatabaseQuery records a database query.
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections.
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight Drone API request counter.
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight Drone API request counter.
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
//   - production: disabled unless explicitly enabled via METRICS_ENABLED
//   - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance, returning the existing one if
// already initialized.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance, lazily creating one under an
// "unknown" service name if Init was never called.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
