package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/ratelimiter"
)

// Allower is the shared fixed-window limiter.
type Allower interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) ratelimiter.Result
}

// RateLimit caps requests per caller: by X-User-ID when present, otherwise
// by remote address (run after chi's RealIP). A limit of zero disables it.
func RateLimit(l Allower, limit int, window time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "api:ip:" + clientHost(r.RemoteAddr)
			if id := GetUserID(r.Context()); id != "" {
				key = "api:user:" + id
			}

			res := l.Allow(r.Context(), key, limit, window)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining()))
			if !res.ResetAt.IsZero() {
				h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			}

			if !res.Allowed {
				if !res.ResetAt.IsZero() {
					retry := int(time.Until(res.ResetAt).Seconds()) + 1
					h.Set("Retry-After", strconv.Itoa(max(retry, 1)))
				}
				logger.Warn("api rate limit exceeded",
					zap.String("key", key),
					zap.Bool("degraded", res.Degraded),
					zap.String("correlation_id", GetCorrelationID(r.Context())))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientHost drops the port so every connection from one address shares a
// budget. RealIP can leave a bare IP, which is kept as is.
func clientHost(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
