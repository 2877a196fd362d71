package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the drain server.
type Config struct {
	Tag          string
	Listen       ListenConfig
	JWKSEndpoint string
	LogLevel     string
	MaxBodyBytes int64
	MaxWorkDelay time.Duration
	RateLimit    RateLimitConfig
	Timeouts     TimeoutConfig
}

// ListenConfig is the bind target. Path, when set, selects a unix socket and
// Host/Port are ignored.
type ListenConfig struct {
	Host string
	Port int
	Path string
}

// TimeoutConfig holds http.Server timeouts and the bound on a graceful stop.
type TimeoutConfig struct {
	ReadHeader time.Duration
	Idle       time.Duration
	Stop       time.Duration // after this the remaining connections are force-closed
}

// RateLimitConfig holds token bucket parameters for per-IP rate limiting.
type RateLimitConfig struct {
	Rate  float64
	Burst int
}

// Load reads configuration from environment variables, falling back to defaults.
func Load() Config {
	return Config{
		Tag: envOr("SERVER_TAG", "http-server"),
		Listen: ListenConfig{
			Host: envOr("LISTEN_HOST", ""),
			Port: envInt("LISTEN_PORT", 8080),
			Path: envOr("LISTEN_PATH", ""),
		},
		JWKSEndpoint: envOr("JWKS_ENDPOINT", "http://localhost:8081/.well-known/jwks.json"),
		LogLevel:     envOr("LOG_LEVEL", "info"),
		MaxBodyBytes: int64(envInt("MAX_BODY_BYTES", 1<<20)),
		MaxWorkDelay: envDuration("MAX_WORK_DELAY", 30*time.Second),
		RateLimit: RateLimitConfig{
			Rate:  envFloat("RATE_LIMIT_RATE", 100),
			Burst: envInt("RATE_LIMIT_BURST", 20),
		},
		Timeouts: TimeoutConfig{
			ReadHeader: envDuration("READ_HEADER_TIMEOUT", 10*time.Second),
			Idle:       envDuration("IDLE_TIMEOUT", 120*time.Second),
			Stop:       envDuration("STOP_TIMEOUT", 20*time.Second),
		},
	}
}

// Level maps LogLevel to a slog level; unknown values mean info.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return n
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			slog.Warn("invalid float env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return f
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			slog.Warn("invalid duration env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return d
	}
	return fallback
}
