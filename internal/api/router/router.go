package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/arch2code/internal/archive"
	"github.com/wolfman30/arch2code/internal/chat"
	"github.com/wolfman30/arch2code/internal/conversation"
	httpmiddleware "github.com/wolfman30/arch2code/internal/http/middleware"
	"github.com/wolfman30/arch2code/internal/observability/metrics"
	"github.com/wolfman30/arch2code/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger   *logging.Logger
	Sessions *conversation.Handler
	// Artifacts serves archived code. Nil leaves the routes unmounted.
	Artifacts          *archive.Handler
	MetricsHandler     http.Handler
	StatsGatherer      prometheus.Gatherer
	AuthSecret         string
	CORSAllowedOrigins []string
	// RateLimiter guards the routes that call the model. Nil disables it.
	RateLimiter *httpmiddleware.RateLimiter
	// Ready is checked by /health; nil means always ready.
	Ready func(ctx context.Context) error
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.Ready))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		public.Get("/v1/stats", statsHandler(cfg.StatsGatherer))
		if cfg.Sessions != nil {
			public.With(middleware.Compress(5)).Get("/v1/catalog", cfg.Sessions.Catalog)
		}
	})

	if cfg.Sessions == nil {
		return r
	}

	r.Route("/v1/sessions", func(sessions chi.Router) {
		if cfg.AuthSecret != "" {
			sessions.Use(httpmiddleware.BearerJWT(cfg.AuthSecret))
		}
		sessions.Post("/", cfg.Sessions.CreateSession)
		sessions.Route("/{id}", func(session chi.Router) {
			session.Get("/", cfg.Sessions.GetSession)
			session.Delete("/", cfg.Sessions.ClearSession)
			if cfg.Artifacts != nil {
				session.Get("/artifacts", cfg.Artifacts.List)
				session.Get("/artifacts/{artifactID}", cfg.Artifacts.Get)
			}

			session.Group(func(model chi.Router) {
				if cfg.RateLimiter != nil {
					model.Use(httpmiddleware.RateLimit(cfg.RateLimiter))
				}
				model.Post("/diagram", cfg.Sessions.UploadDiagram)
				model.Post("/messages", cfg.Sessions.PostMessage)
			})
			// A socket carries many model calls; the handler limits each
			// frame when built with conversation.WithFrameLimiter.
			session.Get("/stream", cfg.Sessions.Stream)
		})
	})

	return r
}

func healthHandler(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, body := http.StatusOK, map[string]string{"status": "ok"}
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body = map[string]string{"status": "unavailable", "error": err.Error()}
			}
		}
		writeJSON(w, status, body)
	}
}

func statsHandler(gatherer prometheus.Gatherer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		phase := r.URL.Query().Get("phase")
		switch chat.Phase(phase) {
		case "", chat.PhaseExplain, chat.PhaseGenerate, chat.PhaseUpdate:
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "phase must be explain, generate or update"})
			return
		}
		writeJSON(w, http.StatusOK, metrics.SnapshotLatency(gatherer, phase))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
