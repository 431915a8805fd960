// Package obsmetrics exposes the gateway's Prometheus metrics: an HTTP
// RED triple plus pool-specific counters and gauges.
package obsmetrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// durationBuckets are the fixed histogram bucket boundaries, in seconds.
var durationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_gateway_requests_total",
			Help: "Total number of proxy requests by method and status.",
		},
		[]string{"method", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oauth_gateway_request_duration_seconds",
			Help:    "Proxy request duration in seconds.",
			Buckets: durationBuckets,
		},
		[]string{"status"},
	)

	upstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_gateway_upstream_errors_total",
			Help: "Upstream errors observed by classification kind.",
		},
		[]string{"kind"},
	)

	poolFailoversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oauth_gateway_pool_failovers_total",
			Help: "Number of times dispatch failed over to the next account.",
		},
	)

	tokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_gateway_token_refreshes_total",
			Help: "Token refresh attempts by result.",
		},
		[]string{"result"},
	)

	quotaExhaustionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oauth_gateway_quota_exhaustions_total",
			Help: "Number of accounts placed into cooldown due to quota exhaustion.",
		},
	)

	accountStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oauth_gateway_account_status",
			Help: "Per-account status gauge: 1 for the account's current status, else 0.",
		},
		[]string{"account_id", "status"},
	)
)

// RecordUpstreamError increments the upstream error counter for kind.
func RecordUpstreamError(kind string) {
	upstreamErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordFailover increments the pool failover counter.
func RecordFailover() {
	poolFailoversTotal.Inc()
}

// RecordTokenRefresh increments the token refresh counter for result
// ("success", "invalid_credentials", "http", "token_exchange").
func RecordTokenRefresh(result string) {
	tokenRefreshesTotal.WithLabelValues(result).Inc()
}

// RecordQuotaExhaustion increments the quota exhaustion counter.
func RecordQuotaExhaustion() {
	quotaExhaustionsTotal.Inc()
}

// SetAccountStatus sets the per-account status gauge: the given status is 1,
// every other known status for that account is 0.
func SetAccountStatus(accountID string, status string) {
	for _, s := range []string{"available", "cooling_down", "disabled"} {
		if s == status {
			accountStatus.WithLabelValues(accountID, s).Set(1)
		} else {
			accountStatus.WithLabelValues(accountID, s).Set(0)
		}
	}
}

// DeleteAccount removes all gauge series for a removed account.
func DeleteAccount(accountID string) {
	for _, s := range []string{"available", "cooling_down", "disabled"} {
		accountStatus.DeleteLabelValues(accountID, s)
	}
}

// Middleware records the HTTP RED metrics for the wrapped handler.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		dur := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.status)

		requestsTotal.WithLabelValues(r.Method, status).Inc()
		requestDuration.WithLabelValues(status).Observe(dur)
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
