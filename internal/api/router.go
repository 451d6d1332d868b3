package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zps-zest/zest/internal/api/handlers"
	"github.com/zps-zest/zest/internal/api/middleware"
	"github.com/zps-zest/zest/internal/config"
	"github.com/zps-zest/zest/internal/telemetry"
)

// Options carries the optional pieces of the router.
type Options struct {
	// Bridge serves the chat UI WebSocket on /ws. Nil leaves it unmounted.
	Bridge http.Handler
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	Metrics  *telemetry.Metrics
}

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Metrics(opts.Metrics))
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Auth.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.Auth.APIKeys).Middleware)

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Post("/", h.CreateSession)
			r.Route("/{sessionId}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.DeleteSession)
				r.Post("/messages", h.SendMessage)
				r.Get("/history", h.SessionHistory)
				r.Post("/new", h.NewConversation)
				r.Post("/responses", h.CompleteResponse)
			})
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", h.ListApprovals)
			r.Get("/{approvalId}", h.GetApproval)
			r.Post("/{approvalId}", h.DecideApproval)
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", h.ListWorkflows)
			r.Post("/{workflow}/runs", h.StartRun)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Get("/{runId}", h.GetRun)
			r.Delete("/{runId}", h.CancelRun)
		})

		r.Get("/tools", h.ListTools)
		r.Get("/events", h.ListEvents)
	})

	r.Post("/mcp", h.MCPEndpoint)

	if opts.Bridge != nil {
		r.Handle("/ws", opts.Bridge)
	}

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "zest",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "zest",
		})
	}
}
