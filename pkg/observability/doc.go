// Package observability provides the OpenTelemetry tracer and meter
// providers used across the execution pipeline.
//
// # Tracing and metrics
//
// Initialize the provider at application startup:
//
//	p, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "action-execution-service",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1,
//	})
//	defer p.Shutdown(ctx)
//
// Create spans and track operations:
//
//	ctx, done := p.TrackOperation(ctx, "invoke_tool", observability.ToolInvocation(toolName, connectorID)...)
//	defer done(err)
//
// The resilience package (pkg/resilience) builds its tool_latency_ms,
// tool_success and tool_error metrics on top of p.Meter().
package observability
