// Package app assembles the HTTP surface and background loops shared by the
// server and worker binaries.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/leadgen-engine/internal/adapter/httpserver"
	"github.com/fairyhunter13/leadgen-engine/internal/adapter/observability"
	"github.com/fairyhunter13/leadgen-engine/internal/config"
	"github.com/fairyhunter13/leadgen-engine/internal/service/ratelimiter"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces. Empty
// input means any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// RateLimit enforces a shared per-caller budget on mutating endpoints. The
// key is the authenticated user when present, the client IP otherwise.
func RateLimit(limiter ratelimiter.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-User-ID")
			if key == "" {
				key, _ = splitHostOnly(r.RemoteAddr)
			}
			allowed, retryAfter, _ := limiter.Allow(r.Context(), key)
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", retryAfter.Round(time.Second).String())
				}
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func splitHostOnly(addr string) (string, bool) {
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		return addr[:i], true
	}
	return addr, false
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
// limiter may be nil, in which case an in-process per-IP limit applies.
func BuildRouter(cfg config.Config, srv *httpserver.Server, limiter ratelimiter.Limiter, ready http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/v1/jobs", func(jr chi.Router) {
		jr.Group(func(wr chi.Router) {
			if limiter != nil {
				wr.Use(RateLimit(limiter))
			} else {
				wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			}
			wr.Post("/", srv.SubmitJob)
			wr.Post("/{id}/cancel", srv.CancelJob)
			wr.Post("/{id}/retry", srv.RetryJob)
		})
		jr.Get("/", srv.ListJobs)
		jr.Get("/{id}", srv.GetJob)
		jr.Get("/{id}/export", srv.ExportJob)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	if ready != nil {
		r.Get("/readyz", ready)
	} else {
		r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	}

	return otelhttp.NewHandler(httpserver.SecurityHeaders(r), "leadgen-api")
}
