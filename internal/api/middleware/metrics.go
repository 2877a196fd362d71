package middleware

import (
	"net/http"
	"time"

	"drainsrv/internal/api"
	"drainsrv/internal/platform/telemetry"
)

// otherRoute labels requests for paths outside the known route set.
const otherRoute = "other"

// Metrics records request count and latency. Paths not listed in routes are
// recorded as "other" so scanners cannot blow up label cardinality. m may be
// nil. Place it outermost to time the full chain.
func Metrics(m *telemetry.ServerMetrics, routes []string) Middleware {
	known := make(map[string]struct{}, len(routes))
	for _, p := range routes {
		known[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := api.NewStatusWriter(w)

			next.ServeHTTP(sw, r)

			path := r.URL.Path
			if _, ok := known[path]; !ok {
				path = otherRoute
			}
			m.RecordHTTPRequest(r.Context(), r.Method, path, sw.Code, time.Since(start).Seconds())
		})
	}
}
