/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:    Unique ID per request for tracing
  2. RealIP:       Client IP from X-Forwarded-For / X-Real-IP
  3. Logger:       Request logging
  4. Recoverer:    Panic recovery (500 instead of crash)
  5. CORS:         Cross-origin requests for frontend
  6. RateLimit:    Per-IP token bucket (429)
  7. Authenticate: Bearer token → caller (401), all routes but /api/health

ROUTE GROUPS:
  /api/health              Liveness (public)
  /api/lessons/*           Lesson lifecycle and obligations
  /api/obligation-config   Obligation weights
  /api/salaries/*          Monthly salary records
  /api/admin/*             Teachers, rollup, missed-lesson sweep
  /api/scenarios/*         Demo scenarios (only when a seeder is configured)

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Authentication and rate limiting
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures the middleware around the handlers.
type RouterOptions struct {
	Resolver    TokenResolver
	CORSOrigins []string
	Limiter     *RateLimiter
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: !containsWildcard(origins),
	}))
	if opts.Limiter != nil {
		r.Use(opts.Limiter.Middleware)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(opts.Resolver))

			// Lesson routes
			r.Route("/lessons", func(r chi.Router) {
				r.Get("/", h.ListLessons)
				r.Post("/", h.CreateLesson)
				r.Get("/statistics", h.GetStatistics)
				r.Get("/{id}", h.GetLesson)
				r.Post("/{id}/start", h.StartLesson)
				r.Post("/{id}/complete", h.CompleteLesson)
				r.Post("/{id}/cancel", h.CancelLesson)
				r.Post("/{id}/missed", h.MarkLessonMissed)
				r.Post("/{id}/obligations/{type}", h.MarkObligation)
			})

			// Obligation weights
			r.Get("/obligation-config", h.GetObligationConfig)
			r.Put("/obligation-config", h.UpdateObligationConfig)

			// Salary routes
			r.Route("/salaries/{teacherId}/{year}/{month}", func(r chi.Router) {
				r.Get("/", h.GetSalary)
				r.Post("/recalculate", h.RecalculateSalary)
				r.Post("/pay", h.PaySalary)
			})

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Put("/teachers/{id}", h.SaveTeacher)
				r.Post("/salaries/recalculate", h.RecalculateMonth)
				r.Post("/lessons/sweep-missed", h.SweepMissed)
			})

			// Scenario routes
			if h.Seeder != nil {
				r.Route("/scenarios", func(r chi.Router) {
					r.Get("/", h.ListScenarios)
					r.Post("/load", h.LoadScenario)
				})
			}
		})
	})

	return r
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
