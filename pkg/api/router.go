// Package api is the status/admin HTTP surface: health and status
// endpoints, Prometheus metrics, and the replication sync endpoint.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/projection"
	"github.com/r0nw4lk3r31/tillcore/pkg/replication"
	"github.com/r0nw4lk3r31/tillcore/pkg/store"
)

// Deps are the components the router exposes. Replication, Gatherer and
// Engine may be nil; the corresponding endpoints degrade gracefully.
type Deps struct {
	Store       *store.TieredStore
	Engine      projection.Engine
	Replication *replication.Server
	Gatherer    prometheus.Gatherer
	Role        string
	StartedAt   time.Time
}

// NewRouter builds the chi router with the standard middleware stack.
//
// Routes:
//   - GET /healthz - liveness probe
//   - GET /status  - role, uptime, connected clients, per-tier stats
//   - GET /metrics - Prometheus metrics (when a gatherer is wired)
//   - GET /sync    - replication websocket endpoint (master mode)
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", statusHandler(deps))

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	if deps.Replication != nil {
		// The sync endpoint handles its own lifecycle; no timeout
		// middleware on a long-lived websocket.
		r.Get("/sync", deps.Replication.Handler())
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/healthz", http.StatusTemporaryRedirect)
	})

	return r
}

// statusResponse is the /status body.
type statusResponse struct {
	Role        string                       `json:"role"`
	StartedAt   time.Time                    `json:"startedAt"`
	Uptime      string                       `json:"uptime"`
	Clients     []replication.SyncClientInfo `json:"clients,omitempty"`
	ClientCount int                          `json:"clientCount"`
	Store       *store.Stats                 `json:"store,omitempty"`
	Projections []string                     `json:"projections,omitempty"`
}

func statusHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			Role:      deps.Role,
			StartedAt: deps.StartedAt,
			Uptime:    time.Since(deps.StartedAt).Round(time.Second).String(),
		}
		if deps.Replication != nil {
			resp.Clients = deps.Replication.Clients()
			resp.ClientCount = len(resp.Clients)
		}
		if deps.Store != nil {
			stats := deps.Store.Stats(r.Context())
			resp.Store = &stats
		}
		if deps.Engine != nil {
			resp.Projections = deps.Engine.List()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("encode response failed", "error", err)
	}
}

// requestLogger logs requests through the process logger instead of chi's
// default stdlib logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debug("http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}
