package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatmesh/internal/api/middleware"
	"github.com/eldtechnologies/chatmesh/internal/cachekey"
	"github.com/eldtechnologies/chatmesh/internal/config"
	"github.com/eldtechnologies/chatmesh/internal/handlers"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg *config.Config, h *handlers.Handler, rdb *redis.Client, keys cachekey.Space, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Metrics first so every request is counted.
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))
	r.Use(middleware.ValidateRequest)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	limiter := middleware.NewRateLimiter(rdb, keys, logger, middleware.RateLimiterConfig{
		Whitelist:        cfg.RateLimitWhitelist,
		AutoBlockEnabled: cfg.RateLimitAutoBlock,
	})
	r.Use(limiter.Middleware)

	// Clients carry bearer tokens, never cookies.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.AdminTokenHeader},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Post("/auth/register", h.Register)
	r.Post("/auth/verify", h.Verify)
	r.Post("/auth/login", h.Login)
	r.Get("/users/{id}", h.GetUser)
	r.Get("/announcements", h.GetAnnouncements)

	// Login happens over the socket itself.
	r.Get("/ws", h.WebSocket)

	// Authenticated routes (bearer token)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireUser(h.Auth))

		r.Post("/auth/logout", h.Logout)
		r.Get("/me/sessions", h.MySessions)
		r.Put("/me/key", h.PublishKey)

		r.Post("/sessions", h.CreateSession)
		r.Post("/sessions/{id}/join", h.JoinSession)
		r.Post("/sessions/{id}/leave", h.LeaveSession)
		r.Get("/sessions/{id}/members", h.SessionMembers)
		r.Get("/sessions/{id}/messages", h.GetMessages)
		r.Post("/sessions/{id}/messages", h.PostMessage)
		r.Post("/messages/{id}/recall", h.RecallMessage)
	})

	// Operator routes
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequireAdminToken(cfg.AdminToken))

		r.Get("/runtime", h.GetRuntime)
		r.Put("/runtime", h.UpdateRuntime)
		r.Post("/announcements", h.PostAnnouncement)
		r.Put("/users/{id}/ban", h.ServerBan)
		r.Get("/stats", h.Stats)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.Error(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.Error(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}
