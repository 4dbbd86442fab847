package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/offline-resilience/internal/observability"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// Limiter rate-limits proxied traffic and manual syncs. Nil disables it.
	Limiter *rate.Limiter
	// RequestTimeout bounds proxied requests. Zero disables it.
	RequestTimeout time.Duration
	// TestingMode exposes /test/offline.
	TestingMode bool
}

// NewRouter mounts the gateway's own endpoints and sends every other request
// through the engine. Gateway endpoints only answer origin-form requests;
// absolute-form proxy requests always reach the engine.
func NewRouter(h *Handler, opts RouterOptions) *mux.Router {
	router := mux.NewRouter()
	// Proxied paths are forwarded as sent.
	router.SkipClean(true)
	router.Use(CorrelationIDMiddleware(h.Logger))
	router.Use(MetricsMiddleware)

	local := router.MatcherFunc(isLocalRequest).Subrouter()
	local.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	local.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	if h.Sessions != nil {
		local.HandleFunc("/ws", h.Sessions.ServeWS).Methods(http.MethodGet)
	}
	if h.Controller != nil {
		local.HandleFunc("/sw/control", h.PostControl).Methods(http.MethodPost)
	}

	if h.Store != nil {
		off := local.PathPrefix("/offline").Subrouter()
		off.HandleFunc("/weather", h.GetWeather).Methods(http.MethodGet)
		off.HandleFunc("/alerts", h.GetAlerts).Methods(http.MethodGet)
		off.HandleFunc("/points", h.GetPoints).Methods(http.MethodGet)
		off.HandleFunc("/points/{id}", h.GetPoint).Methods(http.MethodGet)
		off.HandleFunc("/sync", h.GetSync).Methods(http.MethodGet)
		off.Handle("/sync", chain(http.HandlerFunc(h.PostSync), RateLimitMiddleware(opts.Limiter))).Methods(http.MethodPost)
		off.HandleFunc("/checklist", h.GetChecklist).Methods(http.MethodGet)
		off.HandleFunc("/checklist", h.PutChecklist).Methods(http.MethodPut)
		off.HandleFunc("/settings/{key}", h.GetSetting).Methods(http.MethodGet)
		off.HandleFunc("/settings/{key}", h.PutSetting).Methods(http.MethodPut)
	}

	if opts.TestingMode && h.Monitor != nil {
		h.Logger.Warn("Testing mode enabled; /test/offline endpoint exposed")
		local.HandleFunc("/test/offline", h.PostTestOffline).Methods(http.MethodPost)
		local.HandleFunc("/test/offline", h.DeleteTestOffline).Methods(http.MethodDelete)
	}

	if h.Engine != nil {
		proxy := chain(h.Engine, RateLimitMiddleware(opts.Limiter))
		if opts.RequestTimeout > 0 {
			proxy = chain(proxy, TimeoutMiddleware(opts.RequestTimeout))
		}
		router.PathPrefix("/").Handler(proxy).Name("proxy")
	}
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no route")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return router
}

// isLocalRequest reports whether r was sent in origin form, i.e. to the gateway itself.
func isLocalRequest(r *http.Request, _ *mux.RouteMatch) bool {
	return r.URL.Host == ""
}

// chain wraps h with mw, outermost first.
func chain(h http.Handler, mw ...mux.MiddlewareFunc) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// Server returns an http.Server for handler with the gateway's timeouts.
// WriteTimeout stays zero so websocket sessions are not cut off.
func Server(addr string, handler http.Handler, logger *zap.Logger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}
}
