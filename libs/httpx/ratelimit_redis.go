package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter is a fixed-window limiter shared by every scheduling instance.
// Requests are keyed by practitioner when the header is present, else by client IP.
type RedisRateLimiter struct {
	rdb    redis.Scripter
	limit  int
	window time.Duration
	prefix string
}

// Quota is the outcome of one counted request.
type Quota struct {
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

func (q Quota) Exceeded() bool { return q.Remaining < 0 }

// The window starts on the first hit; PTTL comes back with the count so the
// caller can say when the window reopens.
var fixedWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

func NewRedisRateLimiter(rdb redis.Scripter, limit int, window time.Duration, prefix string) *RedisRateLimiter {
	if limit <= 0 {
		limit = 120
	}
	if window < time.Millisecond {
		window = time.Minute
	}
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = "sched:rl"
	}
	return &RedisRateLimiter{rdb: rdb, limit: limit, window: window, prefix: prefix}
}

// Take counts one request against key.
func (rl *RedisRateLimiter) Take(ctx context.Context, key string) (Quota, error) {
	res, err := fixedWindow.Run(ctx, rl.rdb, []string{rl.prefix + ":" + key}, rl.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Quota{}, err
	}
	if len(res) != 2 {
		return Quota{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}
	reset := time.Duration(res[1]) * time.Millisecond
	if reset <= 0 {
		reset = rl.window
	}
	return Quota{Limit: rl.limit, Remaining: rl.limit - int(res[0]), ResetIn: reset}, nil
}

// Middleware rejects requests over the limit with 429. When Redis is
// unreachable it lets traffic through if failOpen, else answers 503.
func (rl *RedisRateLimiter) Middleware(logger *slog.Logger, failOpen bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q, err := rl.Take(r.Context(), RateLimitKey(r))
			if err != nil {
				if logger != nil {
					logger.Warn("rate limiter unavailable", "request_id", RequestIDFromContext(r.Context()), "err", err)
				}
				if failOpen {
					next.ServeHTTP(w, r)
					return
				}
				WriteError(w, http.StatusServiceUnavailable, ErrorBody{Code: "rate_limiter_unavailable", Message: "rate limiter unavailable"})
				return
			}
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(q.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(max(q.Remaining, 0)))
			if q.Exceeded() {
				h.Set("Retry-After", strconv.Itoa(int((q.ResetIn+time.Second-1)/time.Second)))
				WriteError(w, http.StatusTooManyRequests, ErrorBody{Code: "rate_limited", Message: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func RateLimitKey(r *http.Request) string {
	if p := strings.TrimSpace(r.Header.Get(PractitionerHeader)); p != "" {
		return "p:" + p
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return "ip:" + strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return "ip:" + host
	}
	return "ip:" + r.RemoteAddr
}
