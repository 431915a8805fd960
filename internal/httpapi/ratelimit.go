package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/redis/go-redis/v9"
)

// redisRateLimiter is a sliding-window limiter backed by Redis, for the
// (optional) case where the gateway runs with more than one replica behind
// a shared cache. This gateway has no per-user identity to key on, so
// every caller is keyed by remote address.
type redisRateLimiter struct {
	rdb    *redis.Client
	prefix string
}

func newRedisRateLimiter(rdb *redis.Client) *redisRateLimiter {
	return &redisRateLimiter{rdb: rdb, prefix: "rl:oauth-gateway:"}
}

func (l *redisRateLimiter) Middleware(limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := l.prefix + keyByIP(r)

			allowed, err := l.isAllowed(r.Context(), key, limit, window)
			if err != nil {
				// Fail open: a Redis outage must not take the proxy down.
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, now.. '-'.. math.random())
	redis.call('PEXPIRE', key, ttl)
	return 1
end
return 0
`)

func (l *redisRateLimiter) isAllowed(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	windowStart := now - window.Milliseconds()
	result, err := slidingWindowScript.Run(ctx, l.rdb, []string{key}, now, windowStart, limit, int(window.Milliseconds())).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

func keyByIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}

// rateLimitMiddleware picks the Redis-backed limiter when redisAddr is
// set, falling back to the single-node httprate limiter otherwise.
func rateLimitMiddleware(redisAddr string, limit int, window time.Duration) func(http.Handler) http.Handler {
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		return newRedisRateLimiter(rdb).Middleware(limit, window)
	}
	return httprate.Limit(limit, window, httprate.WithKeyFuncs(httprate.KeyByIP))
}
