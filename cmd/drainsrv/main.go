package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"drainsrv/internal/api/adapter/inmem"
	"drainsrv/internal/api/adapter/jwks"
	"drainsrv/internal/api/handler"
	"drainsrv/internal/platform/config"
	"drainsrv/internal/platform/server"
	"drainsrv/internal/platform/telemetry"
)

// forcedCloseGrace bounds the wait for handlers after a forced close.
const forcedCloseGrace = 5 * time.Second

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("drainsrv stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	shutdown, err := telemetry.Setup(ctx, "drainsrv")
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}()

	metrics, err := telemetry.NewServerMetrics(cfg.Tag)
	if err != nil {
		return fmt.Errorf("metrics initialization: %w", err)
	}

	rl := inmem.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, time.Now)
	go rl.Run(ctx, 5*time.Minute)

	keys := jwks.NewClient(cfg.JWKSEndpoint, 5*time.Minute, metrics)
	warmCtx, cancelWarm := context.WithTimeout(ctx, 5*time.Second)
	if err := keys.Warm(warmCtx); err != nil {
		// Tokens are resolved lazily; the identity service may come up later.
		slog.Warn("jwks warm-up failed", "endpoint", cfg.JWKSEndpoint, "error", err)
	}
	cancelWarm()

	drainRequested := make(chan struct{})
	var drainOnce sync.Once
	requestDrain := func() {
		drainOnce.Do(func() { close(drainRequested) })
	}

	var srv *server.Server
	h := handler.New(handler.Config{
		Draining:     func() bool { return srv.Draining() },
		RequestDrain: requestDrain,
		MaxWorkDelay: cfg.MaxWorkDelay,
		MaxBodyBytes: cfg.MaxBodyBytes,
		JWKS:         keys,
		RateLimiter:  rl,
		Metrics:      metrics,
		Logger:       logger,
	})

	srv = server.New(server.Options{
		Tag:     cfg.Tag,
		Logger:  logger,
		Handler: h,
		Listen:  listenTarget(cfg.Listen),
		Base: &http.Server{
			ReadHeaderTimeout: cfg.Timeouts.ReadHeader,
			IdleTimeout:       cfg.Timeouts.Idle,
		},
		Metrics: metrics,
		// The listener is gone; drain what is left and exit.
		OnError: func(error) { requestDrain() },
	})

	if err := srv.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case <-drainRequested:
		slog.Info("drain requested")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Stop)
	defer cancel()

	if err := srv.Stop(stopCtx); err != nil {
		slog.Warn("graceful stop incomplete, forcing close", "error", err, "open", srv.Connections().Open)
		srv.Close()
		select {
		case <-srv.Done():
		case <-time.After(forcedCloseGrace):
		}
		return fmt.Errorf("graceful stop: %w", err)
	}
	return nil
}

func listenTarget(c config.ListenConfig) *server.ListenTarget {
	if c.Path != "" {
		return &server.ListenTarget{Path: c.Path}
	}
	return &server.ListenTarget{Host: c.Host, Port: c.Port}
}
