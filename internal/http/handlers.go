package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/offline-resilience/internal/connectivity"
	"github.com/kjstillabower/offline-resilience/internal/lifecycle"
	"github.com/kjstillabower/offline-resilience/internal/models"
	"github.com/kjstillabower/offline-resilience/internal/observability"
	"github.com/kjstillabower/offline-resilience/internal/offline"
	"github.com/kjstillabower/offline-resilience/internal/service"
	"github.com/kjstillabower/offline-resilience/internal/traffic"
	"github.com/kjstillabower/offline-resilience/internal/validation"
)

const maxBodyBytes = 64 << 10

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	Version string
	// DegradedWindow and DegradedErrorPct mark the gateway degraded when the
	// upstream failure rate within the window reaches the percentage.
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// StaleAfter is the age at which synced offline data is reported stale.
	StaleAfter time.Duration
	// CachePing, when set, checks cache backend reachability.
	CachePing func() error
}

// Controller answers control messages and reports the cache lifecycle state.
// Implemented by lifecycle.Manager.
type Controller interface {
	HandleControl(ctx context.Context, msg models.ControlMessage) any
	State() lifecycle.State
}

// Sessions serves page sessions. Implemented by notify.Hub.
type Sessions interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Count() int
}

// Deps are the Handler's collaborators. Syncer may be nil.
type Deps struct {
	Engine     http.Handler
	Store      *offline.Store
	Controller Controller
	Sessions   Sessions
	Monitor    *connectivity.Monitor
	Syncer     *service.Syncer
	Health     HealthConfig
	Logger     *zap.Logger
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Deps
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Health.DegradedWindow <= 0 {
		d.Health.DegradedWindow = time.Minute
	}
	if d.Health.StaleAfter <= 0 {
		d.Health.StaleAfter = time.Hour
	}
	return &Handler{Deps: d}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result, checks := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.Logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	resp := map[string]any{
		"status":    result.status,
		"service":   "offline-resilience",
		"version":   h.Health.Version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.Sessions != nil {
		resp["sessions"] = h.Sessions.Count()
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > degraded backend > offline > degraded upstream > healthy.
// Offline is reported with 200: the gateway keeps serving from cache.
func (h *Handler) computeHealthStatus(ctx context.Context) (healthResult, map[string]string) {
	checks := map[string]string{
		"cache":        "healthy",
		"store":        "healthy",
		"connectivity": "online",
		"upstream":     "healthy",
	}
	if h.Controller != nil {
		checks["lifecycle"] = h.Controller.State().String()
	}

	cacheDown := h.Health.CachePing != nil && h.Health.CachePing() != nil
	if cacheDown {
		checks["cache"] = "unhealthy"
	}
	storeDown := h.Store != nil && h.Store.Err() != nil
	if storeDown {
		checks["store"] = "unhealthy"
	}
	online := h.Monitor == nil || h.Monitor.IsOnline()
	if !online {
		checks["connectivity"] = "offline"
	}
	counts := traffic.Window(h.Health.DegradedWindow)
	upstreamBad := h.Health.DegradedErrorPct > 0 && counts.Fetches() > 0 &&
		counts.FailurePct() >= float64(h.Health.DegradedErrorPct)
	if upstreamBad {
		checks["upstream"] = "unhealthy"
	}

	switch {
	case lifecycle.IsShuttingDown():
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}, checks
	case cacheDown:
		return healthResult{"degraded", http.StatusServiceUnavailable, "cache_unreachable"}, checks
	case storeDown:
		return healthResult{"degraded", http.StatusServiceUnavailable, "store_unavailable"}, checks
	case !online:
		return healthResult{"offline", http.StatusOK, "connectivity"}, checks
	case upstreamBad:
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}, checks
	default:
		return healthResult{"healthy", http.StatusOK, ""}, checks
	}
}

// PostControl handles POST /sw/control: the HTTP form of the websocket control channel.
func (h *Handler) PostControl(w http.ResponseWriter, r *http.Request) {
	var msg models.ControlMessage
	if err := decodeBody(w, r, &msg); err != nil || msg.Type == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_CONTROL", "body must be a control message with a type")
		return
	}
	reply := h.Controller.HandleControl(r.Context(), msg)
	status := http.StatusOK
	if res, ok := reply.(lifecycle.ControlResult); ok && !res.Success {
		switch res.Error {
		case lifecycle.ErrNoSuchCache.Error():
			status = http.StatusNotFound
		default:
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, reply)
}

// dataEnvelope wraps offline data with how fresh it is.
type dataEnvelope struct {
	Data      any               `json:"data"`
	Freshness offline.Freshness `json:"freshness"`
}

// GetWeather handles GET /offline/weather.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	weather := h.Store.GetWeather(r.Context())
	if weather == nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no weather stored")
		return
	}
	h.writeData(w, r, models.TableWeather, weather)
}

// GetAlerts handles GET /offline/alerts.
func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.Store.GetAlerts(r.Context())
	if alerts == nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no alerts stored")
		return
	}
	h.writeData(w, r, models.TableAlerts, alerts)
}

// GetPoints handles GET /offline/points. The list may be empty.
func (h *Handler) GetPoints(w http.ResponseWriter, r *http.Request) {
	h.writeData(w, r, models.TablePoints, h.Store.GetMapPoints(r.Context()))
}

// GetPoint handles GET /offline/points/{id}.
func (h *Handler) GetPoint(w http.ResponseWriter, r *http.Request) {
	p := h.Store.GetMapPoint(r.Context(), mux.Vars(r)["id"])
	if p == nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no such point")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) writeData(w http.ResponseWriter, r *http.Request, table models.Table, v any) {
	writeJSON(w, http.StatusOK, dataEnvelope{
		Data:      v,
		Freshness: h.Store.Freshness(r.Context(), table, h.Health.StaleAfter),
	})
}

// GetSync handles GET /offline/sync.
func (h *Handler) GetSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	freshness := make([]offline.Freshness, 0, len(models.Tables))
	for _, t := range models.Tables {
		freshness = append(freshness, h.Store.Freshness(ctx, t, h.Health.StaleAfter))
	}
	resp := map[string]any{
		"metadata":  h.Store.SyncMetadata(ctx),
		"freshness": freshness,
	}
	if h.Syncer != nil {
		last, at := h.Syncer.Last()
		if !at.IsZero() {
			resp["lastRun"] = map[string]any{"results": last, "finishedAt": at.UTC().Format(time.RFC3339)}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// PostSync handles POST /offline/sync: runs a sync now.
func (h *Handler) PostSync(w http.ResponseWriter, r *http.Request) {
	if h.Syncer == nil {
		writeError(w, r, http.StatusNotFound, "SYNC_DISABLED", "sync is not configured")
		return
	}
	results, err := h.Syncer.Sync(r.Context())
	switch {
	case errors.Is(err, service.ErrOffline):
		writeError(w, r, http.StatusServiceUnavailable, "OFFLINE", "sync skipped while offline")
	case err != nil && results == nil:
		writeError(w, r, http.StatusGatewayTimeout, "SYNC_TIMEOUT", err.Error())
	case err != nil:
		observability.LoggerFrom(r.Context(), h.Logger).Debug("manual sync incomplete", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"results": results, "error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

// GetChecklist handles GET /offline/checklist.
func (h *Handler) GetChecklist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Store.Prefs().Checklist(r.Context()))
}

// PutChecklist handles PUT /offline/checklist.
func (h *Handler) PutChecklist(w http.ResponseWriter, r *http.Request) {
	var c offline.Checklist
	if err := decodeBody(w, r, &c); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CHECKLIST", "body must be an object of objects of booleans")
		return
	}
	if !h.Store.Prefs().SaveChecklist(r.Context(), c) {
		writeError(w, r, http.StatusInternalServerError, "STORAGE_FAILURE", "checklist not saved")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSetting handles GET /offline/settings/{key}.
func (h *Handler) GetSetting(w http.ResponseWriter, r *http.Request) {
	key, err := validation.ValidateSettingKey(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_KEY", err.Error())
		return
	}
	var raw json.RawMessage
	if !h.Store.Prefs().Setting(r.Context(), key, &raw) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no such setting")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// PutSetting handles PUT /offline/settings/{key}. The body is any JSON value.
func (h *Handler) PutSetting(w http.ResponseWriter, r *http.Request) {
	key, err := validation.ValidateSettingKey(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_KEY", err.Error())
		return
	}
	var raw json.RawMessage
	if err := decodeBody(w, r, &raw); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_SETTING", "body must be JSON")
		return
	}
	if !h.Store.Prefs().SaveSetting(r.Context(), key, raw) {
		writeError(w, r, http.StatusInternalServerError, "STORAGE_FAILURE", "setting not saved")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PostTestOffline handles POST /test/offline: forces the gateway offline.
func (h *Handler) PostTestOffline(w http.ResponseWriter, r *http.Request) {
	h.Monitor.ForceOffline()
	h.writeConnectivity(w, "force_offline")
}

// DeleteTestOffline handles DELETE /test/offline: clears the override.
func (h *Handler) DeleteTestOffline(w http.ResponseWriter, r *http.Request) {
	h.Monitor.ClearOverride()
	h.writeConnectivity(w, "clear_override")
}

func (h *Handler) writeConnectivity(w http.ResponseWriter, action string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"action":   action,
		"online":   h.Monitor.IsOnline(),
		"override": h.Monitor.Overridden(),
	})
}

// decodeBody decodes a bounded JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error body with the request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}
