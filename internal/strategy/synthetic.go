package strategy

import (
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/kjstillabower/offline-resilience/internal/models"
)

const offlinePage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>Offline</title></head>
<body><main><h1>Offline</h1><p>You are offline and this page has not been saved yet. Saved safety information is still available.</p></main></body>
</html>
`

func synthetic(status int, contentType string, body []byte) models.Response {
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	h.Set("Cache-Control", "no-store")
	return models.Response{Status: status, Header: h, Body: body, CapturedAt: time.Now()}
}

// jsonError is the synthetic response for API-shaped requests: {"error": msg}.
func jsonError(status int, msg string) models.Response {
	body, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		body = []byte(`{"error":"unavailable"}`)
	}
	return synthetic(status, "application/json", body)
}

// offlineResponse is the last-resort 503: an HTML page for navigations,
// plain text otherwise.
func offlineResponse(r *http.Request) models.Response {
	if isNavigation(r) {
		return synthetic(http.StatusServiceUnavailable, "text/html; charset=utf-8", []byte(offlinePage))
	}
	return synthetic(http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("Offline"))
}

// emptyUnavailable is the passthrough failure response. Third-party assets
// are rarely JSON, so the body stays empty.
func emptyUnavailable() models.Response {
	return synthetic(http.StatusServiceUnavailable, "", nil)
}

// isNavigation reports whether r is a top-level page load.
func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
