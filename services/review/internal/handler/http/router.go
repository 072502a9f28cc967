package http

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/campusmart/marketplace/pkg/health"
	"github.com/campusmart/marketplace/pkg/middleware"
)

// Services bundles the use cases exposed over HTTP.
type Services struct {
	Reviews    ReviewService
	Helpful    HelpfulService
	Ratings    RatingService
	Recomputer Recomputer
}

// RouterConfig holds the HTTP-level settings of the review service.
type RouterConfig struct {
	ServiceName       string
	ModeratorRoles    []string
	PprofAllowedCIDRs []string
	RatingMaxAgeSecs  int

	// Per-caller budget for review writes and helpful marks; zero disables.
	WriteRatePerMinute int
	WriteBurst         int
}

// NewRouter creates a chi router with all review service routes registered.
func NewRouter(svc Services, healthHandler *health.Handler, cfg RouterConfig, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	moderators := make([]string, 0, len(cfg.ModeratorRoles))
	for _, role := range cfg.ModeratorRoles {
		moderators = append(moderators, strings.ToLower(strings.TrimSpace(role)))
	}

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	r.Use(middleware.GatewayIdentity)
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics(cfg.ServiceName))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())
	middleware.RegisterPprof(r, cfg.PprofAllowedCIDRs, logger)

	throttle := func(next http.Handler) http.Handler { return next }
	if cfg.WriteRatePerMinute > 0 {
		throttle = middleware.NewRateLimiter(cfg.WriteRatePerMinute, cfg.WriteBurst, 10*time.Minute, logger).Handler
	}

	reviews := NewReviewHandler(svc.Reviews, svc.Helpful, logger)
	ratings := NewRatingHandler(svc.Ratings, svc.Recomputer, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.Route("/subjects/{subjectType}", func(r chi.Router) {
			r.With(middleware.CacheControl(cfg.RatingMaxAgeSecs)).Get("/ratings", ratings.GetAggregates)

			r.Route("/{subjectId}", func(r chi.Router) {
				r.With(middleware.RequireRole(moderators...)).Post("/", ratings.InitSubject)
				r.With(middleware.CacheControl(cfg.RatingMaxAgeSecs)).Get("/rating", ratings.GetAggregate)
				r.Get("/reviews", reviews.ListBySubject)
				r.With(middleware.RequireUser, throttle).Post("/reviews", reviews.Create)
			})
		})

		r.Route("/reviews/{reviewId}", func(r chi.Router) {
			r.Get("/", reviews.Get)
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireUser, throttle)
				r.Patch("/", reviews.Update)
				r.Delete("/", reviews.Delete)
				r.Post("/helpful", reviews.MarkHelpful)
			})
		})

		r.With(middleware.RequireUser).Get("/users/me/reviews", reviews.ListMine)

		r.With(middleware.RequireRole(moderators...)).
			Post("/admin/subjects/{subjectType}/{subjectId}/recompute", ratings.Recompute)
	})

	return r
}
