package middleware

import (
	"net"
	"net/http"
	"strconv"

	"drainsrv/internal/api"
	"drainsrv/internal/domain"
	"drainsrv/internal/platform/telemetry"
)

// RateLimit throttles clients by remote IP. Denied requests get 429 with a
// Retry-After header. m may be nil.
func RateLimit(limiter api.RateLimiter, m *telemetry.ServerMetrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Allow(remoteIP(r))
			if !res.Allowed {
				m.RecordRateLimitDecision(r.Context(), "ip", "denied")
				w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
				body := domain.Problem("rate_limited", domain.ErrRateLimited)
				body.RetryAfter = res.RetryAfter
				writeError(w, http.StatusTooManyRequests, body)
				return
			}
			m.RecordRateLimitDecision(r.Context(), "ip", "allowed")
			next.ServeHTTP(w, r)
		})
	}
}

// remoteIP is the peer address. Forwarding headers are ignored since any
// client can set them.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
