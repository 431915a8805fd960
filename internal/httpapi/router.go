// Package httpapi wires the main proxy listener: chi router, the full
// middleware stack, and the dispatch-backed proxy route.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basher83/oauth-gateway/internal/config"
	"github.com/basher83/oauth-gateway/internal/dispatch"
	"github.com/basher83/oauth-gateway/internal/httpmw"
	"github.com/basher83/oauth-gateway/internal/obslog"
	"github.com/basher83/oauth-gateway/internal/obsmetrics"
	"github.com/basher83/oauth-gateway/internal/pool"
)

// defaultRatePerMinute and defaultRateWindow bound the fixed safety-net
// rate limiter sitting alongside the configured concurrency limit; unlike
// the concurrency limit, these are not spec-configurable.
const (
	defaultRatePerMinute = 600
	defaultRateWindow    = time.Minute
)

// Options bundles what NewRouter needs beyond the static config.
type Options struct {
	Config       *config.Config
	Loop         *dispatch.Loop
	PoolHealthFn func() pool.Health
	TracingName  string
	RedisAddr    string
}

// NewRouter builds the main proxy listener's router:
// request id, optional tracing, metrics, CORS, request logging, recovery,
// security headers — then the dispatch-backed proxy route behind the
// concurrency limit and the rate limit, with /healthz, /readyz, /metrics
// mounted outside any limiter.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(httpmw.RequestID)
	if opts.TracingName != "" {
		r.Use(tracing(opts.TracingName))
	}
	r.Use(obsmetrics.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "anthropic-beta", "anthropic-version"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Use(httpmw.RequestLogger(obslog.Log))
	r.Use(chimiddleware.Recoverer)
	r.Use(httpmw.SecurityHeaders)

	// Operational endpoints: never subject to the concurrency limit or the
	// rate limiter.
	r.Get("/healthz", healthzHandler)
	r.Get("/readyz", readyzHandler(opts.PoolHealthFn))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Throttle(opts.Config.ConcurrencyLimit))
		r.Use(rateLimitMiddleware(opts.RedisAddr, defaultRatePerMinute, defaultRateWindow))
		r.HandleFunc("/*", newProxyHandler(opts.Loop))
	})

	return r
}
