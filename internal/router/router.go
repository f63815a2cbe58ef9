package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"rentalhub-sale-api/internal/handler"
	"rentalhub-sale-api/internal/middleware"
)

// Config holds the configuration for creating a router.
type Config struct {
	Handler             *handler.Handler
	TransitionHandler   *handler.TransitionHandler
	NotificationHandler *handler.NotificationHandler
	AdminHandler        *handler.AdminHandler
	AuthMiddleware      func(http.Handler) http.Handler
	Logger              *zap.Logger
	// MetricsHandler defaults to the Prometheus default registry.
	MetricsHandler http.Handler
}

// New creates and configures the HTTP router.
func New(cfg Config) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}

	r := chi.NewRouter()

	// Global middleware stack (applies to ALL routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-API-Key", "X-Actor-ID", "X-Actor-Role"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", cfg.MetricsHandler)

	r.Route("/api/v1", func(r chi.Router) {
		// PUBLIC routes (no auth required)
		if cfg.Handler != nil {
			r.Get("/health", cfg.Handler.Health)
			r.Get("/ready", cfg.Handler.Ready)
		}

		// AUTHENTICATED routes
		r.Group(func(r chi.Router) {
			if cfg.AuthMiddleware != nil {
				r.Use(cfg.AuthMiddleware)
			}

			if h := cfg.TransitionHandler; h != nil {
				r.Post("/items/{item_id}/eligibility", h.CheckEligibility)
				r.Post("/claims/{claim_id}/return", h.HandleReturn)

				r.Route("/transitions", func(r chi.Router) {
					r.Post("/", h.Initiate)
					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", h.Status)
						r.Get("/audit", h.AuditTrail)
						r.Post("/approve", h.Approve)
						r.Post("/reject", h.Reject)
						r.Post("/confirm", h.Confirm)
						r.Post("/rollback", h.Rollback)
						r.Post("/cancel", h.Cancel)
					})
				})
			}

			if h := cfg.NotificationHandler; h != nil {
				r.Route("/notifications/{id}", func(r chi.Router) {
					r.Post("/response", h.Respond)
					r.Post("/delivered", h.Delivered)
					r.Post("/read", h.Read)
				})
			}

			if cfg.AdminHandler != nil {
				r.Get("/admin/stats", cfg.AdminHandler.GetStats)
			}
		})
	})

	return r
}
