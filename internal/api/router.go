package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nikhilbhutani/mediaingest/internal/api/handlers"
	"github.com/nikhilbhutani/mediaingest/internal/api/middleware"
	"github.com/nikhilbhutani/mediaingest/internal/auth"
	"github.com/nikhilbhutani/mediaingest/internal/config"
)

type Router struct {
	mux         *chi.Mux
	cfg         *config.Config
	submissions handlers.SubmissionService
	checks      map[string]handlers.Pinger
	metrics     http.Handler
	jwt         *auth.JWTMiddleware
}

// NewRouter wires the HTTP surface. checks are probed by /readyz; metrics may
// be nil to disable /metrics.
func NewRouter(cfg *config.Config, submissions handlers.SubmissionService, checks map[string]handlers.Pinger, metrics http.Handler) *Router {
	rt := &Router{
		mux:         chi.NewRouter(),
		cfg:         cfg,
		submissions: submissions,
		checks:      checks,
		metrics:     metrics,
	}
	if cfg.Auth.JWTSecret != "" {
		rt.jwt = auth.NewJWTMiddleware(cfg.Auth.JWTSecret)
	}
	return rt
}

func (rt *Router) Setup(ctx context.Context) http.Handler {
	r := rt.mux

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(rt.cfg.Server.AllowedOrigins))

	// Health endpoints (no auth)
	health := handlers.NewHealthHandler(rt.checks)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)
	if rt.metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.metrics)
	}

	rl := middleware.NewRateLimiter(ctx, rt.cfg.Server.RateLimitRPS, rt.cfg.Server.RateLimitBurst)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rl.Limit)
		if rt.jwt != nil {
			r.Use(rt.jwt.Authenticate)
		}

		subH := handlers.NewSubmissionHandler(rt.submissions, rt.cfg.Ingest.MaxUploadBytes)
		r.Route("/submissions", func(r chi.Router) {
			r.With(rt.require(auth.PermSubmissionsWrite)).Post("/", subH.Upload)
			r.With(rt.require(auth.PermSubmissionsRead)).Get("/{id}", subH.Get)
			r.With(rt.require(auth.PermSubmissionsRead)).Get("/{id}/events", subH.Events)
			r.With(rt.require(auth.PermSubmissionsWrite)).Post("/{id}/cancel", subH.Cancel)
		})
	})

	return r
}

// require enforces perm only when authentication is enabled.
func (rt *Router) require(perm auth.Permission) func(http.Handler) http.Handler {
	if rt.jwt == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return auth.RequirePermission(perm)
}
