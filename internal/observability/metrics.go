package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream fetches by status. Watch for: error vs success ratio.
	UpstreamFetchesTotal *prometheus.CounterVec

	// Upstream latency per fetch. Watch for: p95 approaching fetch timeout.
	UpstreamFetchDuration *prometheus.HistogramVec

	// Retry attempts for upstream fetches. Watch for: high retries = unstable upstream.
	UpstreamRetriesTotal prometheus.Counter

	// Failed fetches by error category (client.CategorizeError).
	UpstreamErrorsTotal *prometheus.CounterVec

	// Cache lookups by namespace kind and result (hit, miss, expired).
	CacheLookupsTotal *prometheus.CounterVec

	// Cache writes by namespace kind and result (ok, error). Errors are swallowed; watch for quota/backend issues.
	CacheWritesTotal *prometheus.CounterVec

	// Responses by policy and source (network, static, dynamic, synthetic). Synthetic share = offline pain.
	CacheResponsesTotal *prometheus.CounterVec

	// Background revalidations by result (success, not_ok, error, shared).
	RevalidationsTotal *prometheus.CounterVec

	// Background revalidations currently running.
	RevalidationsInFlight prometheus.Gauge

	// Concurrent revalidations of the same key when a new one starts. Watch for: values > 1 = duplicate work.
	RevalidationConcurrency prometheus.Histogram

	// Cache warming runs. Watch for: warming frequency.
	CacheWarmingTotal prometheus.Counter

	// Cache warming duration. Watch for: slow precache on install.
	CacheWarmingDurationSeconds prometheus.Histogram

	// Cache warming runs with at least one failed URL.
	CacheWarmingErrorsTotal prometheus.Counter

	// Offline store operations by table, op and result. Watch for: result=error (storage failure).
	StoreOperationsTotal *prometheus.CounterVec

	// Seconds since last successful sync per table, refreshed on Freshness reads.
	StoreDataAgeSeconds *prometheus.GaugeVec

	// 1 when online, 0 when offline.
	ConnectivityOnline prometheus.Gauge

	// Connectivity transitions by new state.
	ConnectivityTransitionsTotal *prometheus.CounterVec

	// Open notification sessions.
	NotifySessions prometheus.Gauge

	// Notifications delivered by type.
	NotificationsSentTotal *prometheus.CounterVec

	// Control messages by type and result.
	ControlMessagesTotal *prometheus.CounterVec

	// Namespaces removed by activation sweep or CLEAR_CACHE.
	CacheNamespacesDeletedTotal *prometheus.CounterVec

	// Sync runs by table and result.
	SyncRunsTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state per upstream (0 closed, 1 half-open, 2 open).
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	lifecycleGaugeOnce sync.Once
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
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)

	UpstreamFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamFetchesTotal",
			Help: "Total number of upstream fetches",
		},
		[]string{"status"},
	)

	UpstreamFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamFetchDurationSeconds",
			Help:    "Upstream fetch latency in seconds (per attempt)",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)

	UpstreamRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upstreamRetriesTotal",
			Help: "Total number of retry attempts for upstream fetches",
		},
	)

	UpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamErrorsTotal",
			Help: "Failed upstream fetches by error category",
		},
		[]string{"category"},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheLookupsTotal",
			Help: "Cache lookups by namespace kind and result",
		},
		[]string{"cacheType", "result"},
	)

	CacheWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheWritesTotal",
			Help: "Cache writes by namespace kind and result",
		},
		[]string{"cacheType", "result"},
	)

	CacheResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheResponsesTotal",
			Help: "Responses served by policy and source",
		},
		[]string{"policy", "source"},
	)

	RevalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revalidationsTotal",
			Help: "Background revalidations by result",
		},
		[]string{"result"},
	)

	RevalidationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "revalidationsInFlight",
			Help: "Background revalidations currently running",
		},
	)

	RevalidationConcurrency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "revalidationConcurrency",
			Help:    "Concurrent revalidations of the same key observed when one starts",
			Buckets: []float64{1, 2, 3, 5, 10, 20},
		},
	)

	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Total number of cache warming runs",
		},
	)

	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed URL",
		},
	)

	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeOperationsTotal",
			Help: "Offline store operations by table, operation and result",
		},
		[]string{"table", "op", "result"},
	)

	StoreDataAgeSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "storeDataAgeSeconds",
			Help: "Seconds since the last successful sync per table",
		},
		[]string{"table"},
	)

	ConnectivityOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "connectivityOnline",
			Help: "1 when the upstream is reachable, 0 otherwise",
		},
	)

	ConnectivityTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connectivityTransitionsTotal",
			Help: "Connectivity transitions by new state",
		},
		[]string{"state"},
	)

	NotifySessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifySessions",
			Help: "Open notification sessions",
		},
	)

	NotificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notificationsSentTotal",
			Help: "Notifications delivered to sessions by type",
		},
		[]string{"type"},
	)

	ControlMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlMessagesTotal",
			Help: "Control messages handled by type and result",
		},
		[]string{"type", "result"},
	)

	CacheNamespacesDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheNamespacesDeletedTotal",
			Help: "Cache namespaces deleted by reason",
		},
		[]string{"reason"},
	)

	SyncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncRunsTotal",
			Help: "Offline data sync runs by table and result",
		},
		[]string{"table", "result"},
	)

	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamFetchesTotal, UpstreamFetchDuration, UpstreamRetriesTotal, UpstreamErrorsTotal,
		CacheLookupsTotal, CacheWritesTotal, CacheResponsesTotal,
		RevalidationsTotal, RevalidationsInFlight, RevalidationConcurrency,
		CacheWarmingTotal, CacheWarmingDurationSeconds, CacheWarmingErrorsTotal,
		StoreOperationsTotal, StoreDataAgeSeconds,
		ConnectivityOnline, ConnectivityTransitionsTotal,
		NotifySessions, NotificationsSentTotal, ControlMessagesTotal,
		CacheNamespacesDeletedTotal, SyncRunsTotal,
		RateLimitDeniedTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
	)
}

// RegisterLifecycleStateGauge exposes the cache lifecycle state as a gauge.
// Call once from main after the lifecycle manager exists.
func RegisterLifecycleStateGauge(state func() float64) {
	lifecycleGaugeOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "cacheLifecycleState",
					Help: "Cache lifecycle state (0 idle, 1 installing, 2 activating, 3 active)",
				},
				state,
			),
		)
	})
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
