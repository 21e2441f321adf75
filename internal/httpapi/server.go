// Package httpapi is the operational HTTP surface of inferq: job
// submission and inspection, status, probes, metrics and the live event
// stream.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inferq/internal/jobs"
	"inferq/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Submit(ctx context.Context, d jobs.Descriptor) (*jobs.Job, error)
	Job(ctx context.Context, id string) (*jobs.Job, error)
	Jobs(ctx context.Context, status jobs.Status, limit int) ([]*jobs.Job, error)
	Cancel(ctx context.Context, id string) (*jobs.Job, error)
	Status(ctx context.Context) types.StatusResponse
	Ready() bool
}

// EventStreamer is implemented by services that can serve GET /events.
type EventStreamer interface {
	EventStream() http.Handler
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(accessLog)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Group(func(r chi.Router) {
		// Compression for JSON endpoints
		r.Use(middleware.Compress(5))

		r.Post("/jobs", submitHandler(svc))
		r.Get("/jobs", listHandler(svc))
		r.Get("/jobs/{id}", getHandler(svc))
		r.Delete("/jobs/{id}", cancelHandler(svc))

		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := requestContext(r)
			defer cancel()
			writeJSON(w, http.StatusOK, svc.Status(ctx))
		})
	})

	if es, ok := svc.(EventStreamer); ok {
		if h := es.EventStream(); h != nil {
			r.Get("/events", h.ServeHTTP)
		}
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}
