package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Reasons recorded when the server destroys a connection itself.
const (
	DestroyDrain  = "drain"
	DestroyForced = "forced"
)

// ShutdownFunc releases telemetry resources.
type ShutdownFunc func(ctx context.Context) error

// Setup installs a global meter provider exporting through Prometheus. The
// service name ends up on the target_info series. Call the returned function
// on exit.
func Setup(ctx context.Context, serviceName string) (ShutdownFunc, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	return provider.Shutdown, nil
}

// MetricsHandler returns an http.Handler that serves Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ServerMetrics holds all OTel instruments for a draining server.
// A nil *ServerMetrics is valid and records nothing.
type ServerMetrics struct {
	tagged otelmetric.MeasurementOption

	httpRequestsTotal       otelmetric.Int64Counter
	httpRequestDuration     otelmetric.Float64Histogram
	connectionsOpenedTotal  otelmetric.Int64Counter
	connectionsClosedTotal  otelmetric.Int64Counter
	connectionsDestroyed    otelmetric.Int64Counter
	connectionsOpen         otelmetric.Int64UpDownCounter
	drainDuration           otelmetric.Float64Histogram
	authValidationsTotal    otelmetric.Int64Counter
	jwksRefreshesTotal      otelmetric.Int64Counter
	rateLimitDecisionsTotal otelmetric.Int64Counter
}

// NewServerMetrics creates and registers all server metrics. tag labels the
// connection and drain instruments so several servers can share a provider.
func NewServerMetrics(tag string) (*ServerMetrics, error) {
	meter := otel.Meter("drainsrv")
	m := &ServerMetrics{tagged: otelmetric.WithAttributeSet(attribute.NewSet(keyTag.String(tag)))}
	var err error

	latencyBuckets := otelmetric.WithExplicitBucketBoundaries(
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
	)
	drainBuckets := otelmetric.WithExplicitBucketBoundaries(
		0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0,
	)

	if m.httpRequestsTotal, err = meter.Int64Counter("drainsrv_http_requests_total",
		otelmetric.WithDescription("Total HTTP requests")); err != nil {
		return nil, fmt.Errorf("creating http_requests_total: %w", err)
	}
	if m.httpRequestDuration, err = meter.Float64Histogram("drainsrv_http_request_duration_seconds",
		otelmetric.WithDescription("HTTP request duration"), latencyBuckets); err != nil {
		return nil, fmt.Errorf("creating http_request_duration: %w", err)
	}
	if m.connectionsOpenedTotal, err = meter.Int64Counter("drainsrv_connections_opened_total",
		otelmetric.WithDescription("Total accepted connections")); err != nil {
		return nil, fmt.Errorf("creating connections_opened_total: %w", err)
	}
	if m.connectionsClosedTotal, err = meter.Int64Counter("drainsrv_connections_closed_total",
		otelmetric.WithDescription("Total closed connections")); err != nil {
		return nil, fmt.Errorf("creating connections_closed_total: %w", err)
	}
	if m.connectionsDestroyed, err = meter.Int64Counter("drainsrv_connections_destroyed_total",
		otelmetric.WithDescription("Connections closed by the server during shutdown")); err != nil {
		return nil, fmt.Errorf("creating connections_destroyed_total: %w", err)
	}
	if m.connectionsOpen, err = meter.Int64UpDownCounter("drainsrv_connections_open",
		otelmetric.WithDescription("Currently tracked connections")); err != nil {
		return nil, fmt.Errorf("creating connections_open: %w", err)
	}
	if m.drainDuration, err = meter.Float64Histogram("drainsrv_drain_duration_seconds",
		otelmetric.WithDescription("Time from drain start until every connection was released"), drainBuckets); err != nil {
		return nil, fmt.Errorf("creating drain_duration: %w", err)
	}
	if m.authValidationsTotal, err = meter.Int64Counter("drainsrv_auth_validations_total",
		otelmetric.WithDescription("Total auth validations")); err != nil {
		return nil, fmt.Errorf("creating auth_validations_total: %w", err)
	}
	if m.jwksRefreshesTotal, err = meter.Int64Counter("drainsrv_jwks_refreshes_total",
		otelmetric.WithDescription("Total JWKS refreshes")); err != nil {
		return nil, fmt.Errorf("creating jwks_refreshes_total: %w", err)
	}
	if m.rateLimitDecisionsTotal, err = meter.Int64Counter("drainsrv_ratelimit_decisions_total",
		otelmetric.WithDescription("Total rate limit decisions")); err != nil {
		return nil, fmt.Errorf("creating ratelimit_decisions_total: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric.
func (m *ServerMetrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, durationSec float64) {
	if m == nil {
		return
	}
	attrs := otelmetric.WithAttributes(
		keyMethod.String(method),
		keyPath.String(path),
		keyStatus.String(strconv.Itoa(status)),
	)
	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, durationSec, attrs)
}

// RecordConnOpened records a newly tracked connection.
func (m *ServerMetrics) RecordConnOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectionsOpenedTotal.Add(ctx, 1, m.tagged)
	m.connectionsOpen.Add(ctx, 1, m.tagged)
}

// RecordConnClosed records a connection leaving the tracked set.
func (m *ServerMetrics) RecordConnClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectionsClosedTotal.Add(ctx, 1, m.tagged)
	m.connectionsOpen.Add(ctx, -1, m.tagged)
}

// RecordConnDestroyed records a connection the server closed itself.
// reason is DestroyDrain or DestroyForced.
func (m *ServerMetrics) RecordConnDestroyed(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.connectionsDestroyed.Add(ctx, 1, m.tagged, otelmetric.WithAttributes(keyReason.String(reason)))
}

// RecordDrain records how long a drain took to release every connection.
func (m *ServerMetrics) RecordDrain(ctx context.Context, durationSec float64) {
	if m == nil {
		return
	}
	m.drainDuration.Record(ctx, durationSec, m.tagged)
}

// RecordAuthValidation records "success" or the reason a token was refused.
func (m *ServerMetrics) RecordAuthValidation(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.authValidationsTotal.Add(ctx, 1, otelmetric.WithAttributes(keyResult.String(result)))
}

// RecordJWKSRefresh records a JWKS refresh attempt.
func (m *ServerMetrics) RecordJWKSRefresh(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.jwksRefreshesTotal.Add(ctx, 1, otelmetric.WithAttributes(keyResult.String(result)))
}

// RecordRateLimitDecision records a rate limit decision.
func (m *ServerMetrics) RecordRateLimitDecision(ctx context.Context, layer, result string) {
	if m == nil {
		return
	}
	m.rateLimitDecisionsTotal.Add(ctx, 1, otelmetric.WithAttributes(
		keyLayer.String(layer),
		keyResult.String(result),
	))
}
