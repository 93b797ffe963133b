// Package admin implements the operator-facing HTTP surface: health checks,
// a point-in-time view of registered agents, and Prometheus metrics. It binds
// to its own address, separate from the two tunnel listeners, and carries no
// authentication — operators are expected to keep it off the public network.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ridgewire/tunnel/internal/router"
)

// NewRouter builds the Chi mux serving /healthz, /agents, and /metrics. The
// metrics handler is passed in rather than constructed here, since the
// Prometheus registry lives in internal/metrics and this package has no
// other reason to depend on it; a nil handler falls back to the default
// global registry for standalone use (e.g. tests).
func NewRouter(r *router.Router, logger *zap.Logger, metricsHandler http.Handler) http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(auditRequests(logger))
	mux.Use(middleware.Recoverer)

	mux.Get("/healthz", healthHandler(r))
	mux.Get("/agents", agentsHandler(r))

	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	mux.Handle("/metrics", metricsHandler)

	return mux
}

// healthHandler reports liveness plus the current agent count, so a plain
// curl can distinguish "process is up" from "process is up but has no
// agents" without scraping /metrics.
func healthHandler(r *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		respondJSON(w, map[string]any{
			"status":           "ok",
			"agents_connected": r.AgentCount(),
		})
	}
}

// agentsHandler returns a point-in-time snapshot of every registered agent.
func agentsHandler(r *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		respondJSON(w, r.Snapshot())
	}
}

// respondJSON writes a 200 response with payload nested under a "data" key,
// the one response shape this read-only surface ever produces — there is no
// write path here to need a matching error envelope.
func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": payload})
}

// auditRequests logs one line per request through this surface: method,
// path, resulting status and byte count, and the Chi request ID so a line
// here can be cross-referenced against an agent session's own logs. Chi's
// middleware.RequestID must run earlier in the chain for the ID to be set.
func auditRequests(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("admin request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
