// Package http exposes reconciliation runs over a chi router.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mind-engage/gradesync/internal/auth"
	"github.com/mind-engage/gradesync/internal/metrics"
	"github.com/mind-engage/gradesync/internal/rbac"
	"github.com/mind-engage/gradesync/pkg/reconcile"
)

type Deps struct {
	Auth     *auth.Service
	Importer Importer
	Runs     Runs
	Metrics  *metrics.Manager
	Defaults reconcile.Options

	CORSOrigins []string
	// Ready reports whether dependencies (database) are reachable.
	Ready func(ctx context.Context) error
	// Timeout bounds each request; imports poll remote exports so it is long.
	Timeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	if d.Timeout <= 0 {
		d.Timeout = 10 * time.Minute
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(d.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length", "Content-Disposition", "X-Run-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/auth/login", auth.LoginHandler(d.Auth))

	r.Group(func(pr chi.Router) {
		pr.Use(auth.JWTMiddleware(d.Auth))
		pr.Use(middleware.Timeout(d.Timeout))

		pr.With(rbac.Require(rbac.PermRunsPreview)).
			Post("/reconcile/preview", PreviewHandler(d.Importer, d.Defaults))

		pr.With(rbac.Require(rbac.PermRunsImport)).
			Post("/courses/{courseID}/self-grading", SelfGradingHandler(d.Importer, d.Defaults))
		pr.With(rbac.Require(rbac.PermRunsImport)).
			Post("/courses/{courseID}/matlab", MatlabHandler(d.Importer, d.Defaults))

		pr.With(rbac.Require(rbac.PermRunsView)).
			Get("/runs", ListRunsHandler(d.Runs))
		pr.With(rbac.Require(rbac.PermRunsView)).
			Get("/runs/{runID}", GetRunHandler(d.Runs))
		pr.With(rbac.Require(rbac.PermRunsView)).
			Get("/runs/{runID}/scores", RunScoresHandler(d.Runs))
		pr.With(rbac.Require(rbac.PermRunsView)).
			Get("/runs/{runID}/scores.csv", RunScoresCSVHandler(d.Runs))

		pr.With(rbac.Require(rbac.PermRunsUpload)).
			Post("/runs/{runID}/upload", UploadRunHandler(d.Importer))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}
	return r
}
