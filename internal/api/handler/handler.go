// Package handler assembles the operational routes of drainsrv behind the
// middleware chain.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"drainsrv/internal/api"
	"drainsrv/internal/api/middleware"
	"drainsrv/internal/domain"
	"drainsrv/internal/platform/telemetry"
)

// PublicPaths are served without a bearer token.
var PublicPaths = []string{"/healthz", "/readyz", "/metrics", "/work"}

// probePaths are never rate limited: load balancers must keep seeing /readyz
// flip while the server drains.
var probePaths = []string{"/healthz", "/readyz", "/metrics"}

// routes bounds the path label of request metrics.
var routes = []string{"/healthz", "/readyz", "/metrics", "/work", "/admin/drain"}

// DefaultMaxWorkDelay bounds /work when Config.MaxWorkDelay is zero.
const DefaultMaxWorkDelay = 30 * time.Second

// Config wires the routes to the running server.
type Config struct {
	// Draining reports whether the server has started to drain.
	Draining func() bool
	// RequestDrain asks the owner of the server to stop it. It must not block.
	RequestDrain func()
	MaxWorkDelay time.Duration
	MaxBodyBytes int64

	JWKS        api.JWKSProvider
	RateLimiter api.RateLimiter // optional
	Metrics     *telemetry.ServerMetrics
	Logger      *slog.Logger
}

// New returns the full handler: /metrics plus every route behind the
// middleware chain.
func New(cfg Config) http.Handler {
	if cfg.MaxWorkDelay <= 0 {
		cfg.MaxWorkDelay = DefaultMaxWorkDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	app := http.NewServeMux()
	app.HandleFunc("GET /healthz", healthz)
	app.HandleFunc("GET /readyz", readyz(cfg.Draining))
	app.HandleFunc("GET /work", work(cfg.MaxWorkDelay))
	app.Handle("POST /admin/drain", middleware.RequireScope(domain.ScopeAdminDrain)(drain(cfg.RequestDrain, cfg.Logger)))

	chain := []middleware.Middleware{
		middleware.Metrics(cfg.Metrics, routes),
		middleware.RequestID,
		middleware.Logging(cfg.Logger, cfg.Draining),
		middleware.Recovery,
	}
	if cfg.MaxBodyBytes > 0 {
		chain = append(chain, middleware.MaxBodySize(cfg.MaxBodyBytes))
	}
	if cfg.RateLimiter != nil {
		chain = append(chain, middleware.Except(probePaths, middleware.RateLimit(cfg.RateLimiter, cfg.Metrics)))
	}
	chain = append(chain, middleware.Auth(cfg.JWKS, PublicPaths, cfg.Metrics))

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.Handle("/", middleware.Chain(app, chain...))
	return mux
}

func healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz turns 503 once draining starts so load balancers stop routing here.
func readyz(draining func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if draining != nil && draining() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// work holds the request open for ?delay= (a Go duration) before answering.
func work(maxDelay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var delay time.Duration
		if raw := r.URL.Query().Get("delay"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d < 0 {
				writeError(w, http.StatusBadRequest, "bad_request", "delay must be a non-negative duration")
				return
			}
			if d > maxDelay {
				writeError(w, http.StatusBadRequest, "bad_request", "delay exceeds "+maxDelay.String())
				return
			}
			delay = d
		}

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-r.Context().Done():
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"request_id": api.RequestIDFromContext(r.Context()),
			"delay_ms":   delay.Milliseconds(),
		})
	}
}

func drain(requestDrain func(), log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestDrain == nil {
			writeError(w, http.StatusNotImplemented, "not_implemented", "drain is not wired")
			return
		}
		p, _ := api.PrincipalFromContext(r.Context())
		log.Info("drain requested", "principal", p, "request_id", api.RequestIDFromContext(r.Context()))

		requestDrain()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "draining"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, domain.ErrorResponse{Error: code, Message: msg})
}
