package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"drainsrv/internal/api"
)

// Logging writes one record per request. Server errors log at error level,
// client errors at warn. When draining is non-nil and reports true the record
// carries draining=true, which makes requests served during shutdown easy to
// pick out.
func Logging(logger *slog.Logger, draining func() bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := api.NewStatusWriter(w)

			next.ServeHTTP(sw, r)

			principal, _ := api.PrincipalFromContext(r.Context())
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.Code),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000.0),
				slog.String("request_id", api.RequestIDFromContext(r.Context())),
				slog.String("principal_id", principal.ID),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if draining != nil && draining() {
				attrs = append(attrs, slog.Bool("draining", true))
			}
			logger.LogAttrs(context.Background(), levelFor(sw.Code), "request", attrs...)
		})
	}
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
