package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency. Generative calls dominate; expect seconds, not milliseconds.
	HTTPRequestDuration *prometheus.HistogramVec

	HTTPRequestsInFlight prometheus.Gauge

	// Pipeline runs by outcome (cached, answered, apology, clarification).
	QueriesTotal *prometheus.CounterVec

	// End-to-end pipeline latency by outcome.
	QueryDuration *prometheus.HistogramVec

	// Classifier decisions by complexity and deciding rule.
	ClassificationsTotal *prometheus.CounterVec

	// Generative backend calls by stage (intent, synthesis) and status. Watch for: error ratio.
	GenerativeCallsTotal *prometheus.CounterVec

	// Generative backend latency. Watch for: p99 near the 45s call timeout.
	GenerativeCallDuration *prometheus.HistogramVec

	// Deterministic substitutions by stage and reason (disabled, unavailable, simple, call_failure, parse_failure).
	FallbacksTotal *prometheus.CounterVec

	// OpenWeatherMap API call rate. Watch for: error vs success ratio.
	WeatherAPICallsTotal *prometheus.CounterVec

	WeatherAPIDuration *prometheus.HistogramVec

	// Knowledge store operations by op (add, retrieve) and status.
	KnowledgeStoreOpsTotal *prometheus.CounterVec

	// Response cache hits. Hit rate = hits / queries.
	CacheHitsTotal *prometheus.CounterVec

	CacheErrorsTotal *prometheus.CounterVec

	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Concurrent misses on the same cache key. Watch for: duplicate synthesis work.
	CacheStampedeDetectedTotal prometheus.Counter

	// Callers that shared another caller's in-flight pipeline run.
	CoalescedQueriesTotal prometheus.Counter

	// Queries per resolved city (allow-list; others go to "other").
	QueriesByCityTotal *prometheus.CounterVec

	RateLimitDeniedTotal prometheus.Counter

	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// 0 closed, 1 open, 2 half-open.
	CircuitBreakerState *prometheus.GaugeVec

	KnowledgeSeedTotal prometheus.Counter

	KnowledgeSeedErrorsTotal prometheus.Counter

	// trackedLocations is built from config; used to resolve location for metrics.
	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queriesTotal",
			Help: "Total number of pipeline runs by outcome",
		},
		[]string{"outcome"},
	)
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queryDurationSeconds",
			Help:    "End-to-end pipeline latency in seconds",
			Buckets: []float64{.001, .01, .1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)
	ClassificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classificationsTotal",
			Help: "Query complexity classifications by result and deciding rule",
		},
		[]string{"complexity", "reason"},
	)
	GenerativeCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generativeCallsTotal",
			Help: "Total number of generative backend calls",
		},
		[]string{"stage", "status"},
	)
	GenerativeCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generativeCallDurationSeconds",
			Help:    "Generative backend latency in seconds (per call)",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 45},
		},
		[]string{"stage"},
	)
	FallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallbacksTotal",
			Help: "Deterministic path substitutions by stage and reason",
		},
		[]string{"stage", "reason"},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeatherMap API calls",
		},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	KnowledgeStoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowledgeStoreOpsTotal",
			Help: "Knowledge store operations by op and status",
		},
		[]string{"op", "status"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of response cache hits",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Response cache backend errors by operation and category",
		},
		[]string{"op", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Response cache operation latency in seconds",
			Buckets: []float64{.0001, .001, .005, .01, .05, .1, .5},
		},
		[]string{"op", "status"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Cache misses observed while another miss for the same key was in progress",
		},
	)
	CoalescedQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coalescedQueriesTotal",
			Help: "Queries answered by sharing an identical in-flight pipeline run",
		},
	)
	QueriesByCityTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queriesByCityTotal",
			Help: "Queries by resolved city (allow-list; others use city=other)",
		},
		[]string{"city"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	KnowledgeSeedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "knowledgeSeedTotal",
			Help: "Knowledge store seeding runs",
		},
	)
	KnowledgeSeedErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "knowledgeSeedErrorsTotal",
			Help: "Knowledge store seeding runs with at least one failed city",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		QueriesTotal, QueryDuration, ClassificationsTotal,
		GenerativeCallsTotal, GenerativeCallDuration, FallbacksTotal,
		WeatherAPICallsTotal, WeatherAPIDuration,
		KnowledgeStoreOpsTotal,
		CacheHitsTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		CacheStampedeDetectedTotal, CoalescedQueriesTotal,
		QueriesByCityTotal,
		RateLimitDeniedTotal,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		KnowledgeSeedTotal, KnowledgeSeedErrorsTotal,
	)
}

// RecordFallback counts a deterministic substitution.
func RecordFallback(stage, reason string) {
	FallbacksTotal.WithLabelValues(stage, reason).Inc()
}

// RecordKnowledgeOp counts a knowledge store operation.
func RecordKnowledgeOp(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	KnowledgeStoreOpsTotal.WithLabelValues(op, status).Inc()
}

// RecordCircuitBreakerTransition counts a transition and updates the state gauge.
// stateValue follows circuitbreaker.State ordering.
func RecordCircuitBreakerTransition(component, from, to string, stateValue int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(stateValue))
}

// SetTrackedLocations sets the allow-list for city metrics. Non-tracked cities increment "other".
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[normalizeLocationForMetrics(loc)] = struct{}{}
	}
}

// RecordCityQuery records a query resolved to the given city.
func RecordCityQuery(city string) {
	QueriesByCityTotal.WithLabelValues(MetricLocationLabel(city)).Inc()
}

// MetricLocationLabel returns the normalized city if tracked, else "other".
func MetricLocationLabel(city string) string {
	loc := normalizeLocationForMetrics(city)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc] // nil map read is safe in Go
	trackedLocationsMu.RUnlock()
	if ok {
		return loc
	}
	return "other"
}

func normalizeLocationForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
