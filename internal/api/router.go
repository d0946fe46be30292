package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docvault/docvault/internal/api/handlers"
	"github.com/docvault/docvault/internal/api/middleware"
	"github.com/docvault/docvault/internal/auth"
	"github.com/docvault/docvault/internal/tenant"
)

type Deps struct {
	Health    *handlers.HealthHandler
	Auth      *handlers.AuthHandler
	Documents *handlers.DocumentHandler
	Search    *handlers.SearchHandler
	Admin     *handlers.AdminHandler
	JWT       *auth.JWTMiddleware
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Get("/healthz", d.Health.Liveness)
	r.Get("/readyz", d.Health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	limiter := middleware.NewRateLimiter(120, 20)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", d.Auth.Signup)
			r.Post("/login", d.Auth.Login)
			r.Post("/refresh", d.Auth.Refresh)
			r.Post("/logout", d.Auth.Logout)
		})

		r.Group(func(r chi.Router) {
			r.Use(d.JWT.Authenticate)
			r.Use(limiter.Middleware)

			r.Route("/documents", func(r chi.Router) {
				r.With(auth.Require(tenant.ActionUploadDocument)).Post("/", d.Documents.Upload)
				r.Get("/", d.Documents.List)
				r.Get("/{id}", d.Documents.Get)
				r.Get("/{id}/status", d.Documents.Status)
				r.With(auth.Require(tenant.ActionDeleteDocument)).Delete("/{id}", d.Documents.Delete)
				r.With(auth.Require(tenant.ActionUploadDocument)).Post("/{id}/reingest", d.Documents.Reingest)
			})

			r.With(auth.Require(tenant.ActionSearch)).Post("/search", d.Search.Search)

			r.Route("/admin", func(r chi.Router) {
				r.With(auth.Require(tenant.ActionRotateKey)).Post("/keys/rotate", d.Admin.RotateKey)
				r.With(auth.Require(tenant.ActionViewAudit)).Get("/search-logs", d.Admin.SearchLogs)
				r.With(auth.Require(tenant.ActionRotateKey)).Delete("/tenant", d.Admin.DeleteTenant)
			})
		})
	})

	return r
}
