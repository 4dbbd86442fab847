package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestMetrics_Usable verifies that all Prometheus metrics can be used without
// panic, ensuring label dimensions match usage across packages.
func TestMetrics_Usable(t *testing.T) {
	// Route uses path template to avoid cardinality (e.g. /offline/points/{id})
	HTTPRequestsTotal.WithLabelValues("GET", "/offline/points/{id}", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/offline/points/{id}").Observe(0.01)
	UpstreamFetchesTotal.WithLabelValues("success").Inc()
	UpstreamFetchDuration.WithLabelValues("error").Observe(0.1)
	UpstreamErrorsTotal.WithLabelValues("timeout").Inc()
	CacheLookupsTotal.WithLabelValues("static", "hit").Inc()
	CacheWritesTotal.WithLabelValues("dynamic", "error").Inc()
	CacheResponsesTotal.WithLabelValues("network-first", "synthetic").Inc()
	RevalidationsTotal.WithLabelValues("success").Inc()
	RevalidationConcurrency.Observe(2)
	StoreOperationsTotal.WithLabelValues("weather", "save", "ok").Inc()
	StoreDataAgeSeconds.WithLabelValues("alerts").Set(30)
	ConnectivityTransitionsTotal.WithLabelValues("offline").Inc()
	NotificationsSentTotal.WithLabelValues("DATA_REFRESHED").Inc()
	ControlMessagesTotal.WithLabelValues("SKIP_WAITING", "ok").Inc()
	CacheNamespacesDeletedTotal.WithLabelValues("sweep").Inc()
	SyncRunsTotal.WithLabelValues("points", "error").Inc()
	CircuitBreakerState.WithLabelValues("upstream").Set(0)
	CircuitBreakerTransitionsTotal.WithLabelValues("upstream", "closed", "open").Inc()
}

// TestRegisterLifecycleStateGauge_Idempotent verifies repeated registration does not panic.
func TestRegisterLifecycleStateGauge_Idempotent(t *testing.T) {
	RegisterLifecycleStateGauge(func() float64 { return 3 })
	RegisterLifecycleStateGauge(func() float64 { return 0 })
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format with correct HTTP status and metric output.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx").Inc()
	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "httpRequestsTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}
