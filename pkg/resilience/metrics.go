package resilience

import (
	"context"
	"log/slog"
	"math/rand"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SLOSampleRate is the default fraction of successful calls that carry the
// tenant_id dimension, to bound cardinality on the hot path (§4.8, §6.4).
const SLOSampleRate = 0.01

// Metrics emits the RED-pattern SLO metrics every Invoke call produces:
// tool_latency_ms and either tool_success or tool_error. Emission failures
// are logged but never propagate (§4.8, §9 — best-effort, not source of
// truth).
type Metrics struct {
	latency    metric.Float64Histogram
	success    metric.Int64Counter
	failure    metric.Int64Counter
	sampleRate float64
	rng        func() float64
	logger     *slog.Logger
}

// NewMetrics builds Metrics from an OpenTelemetry meter. sampleRate
// controls the fraction of successful calls that add the tenant_id
// dimension (0 disables it, 1 always adds it).
func NewMetrics(meter metric.Meter, sampleRate float64, logger *slog.Logger) (*Metrics, error) {
	if logger == nil {
		logger = slog.Default()
	}
	latency, err := meter.Float64Histogram("tool_latency_ms",
		metric.WithDescription("Latency of a resilience-wrapped tool invocation, in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	success, err := meter.Int64Counter("tool_success", metric.WithDescription("Count of successful tool invocations"))
	if err != nil {
		return nil, err
	}
	failure, err := meter.Int64Counter("tool_error", metric.WithDescription("Count of failed tool invocations"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		latency:    latency,
		success:    success,
		failure:    failure,
		sampleRate: sampleRate,
		rng:        rand.Float64,
		logger:     logger,
	}, nil
}

// Record emits the metrics for one call. toolName and connectorID are
// always included; tenantID is added on every error and on a sampled
// fraction of successes.
func (m *Metrics) Record(ctx context.Context, toolName, connectorID, tenantID string, latencyMS float64, success bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WarnContext(ctx, "resilience: metrics emission panicked", "recover", r)
		}
	}()

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", toolName),
		attribute.String("connector_id", connectorID),
	}
	includeTenant := !success || m.rng() < m.sampleRate
	if includeTenant && tenantID != "" {
		attrs = append(attrs, attribute.String("tenant_id", tenantID))
	}
	set := attribute.NewSet(attrs...)

	m.latency.Record(ctx, latencyMS, metric.WithAttributeSet(set))
	if success {
		m.success.Add(ctx, 1, metric.WithAttributeSet(set))
	} else {
		m.failure.Add(ctx, 1, metric.WithAttributeSet(set))
	}
}
