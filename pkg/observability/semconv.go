// Package observability provides execution-pipeline-specific instrumentation
// helpers layered on the generic tracer/meter in observability.go.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Execution-pipeline semantic convention attributes.
var (
	AttrTenantID   = attribute.Key("execution.tenant_id")
	AttrAccountID  = attribute.Key("execution.account_id")
	AttrIntentID   = attribute.Key("execution.action_intent_id")
	AttrActionType = attribute.Key("execution.action_type")

	AttrToolName        = attribute.Key("execution.tool_name")
	AttrConnectorID     = attribute.Key("execution.connector_id")
	AttrRegistryVersion = attribute.Key("execution.registry_version")

	AttrAttemptStatus = attribute.Key("execution.attempt_status")
	AttrOutcomeStatus = attribute.Key("execution.outcome_status")
	AttrErrorClass    = attribute.Key("execution.error_class")

	AttrCircuitState = attribute.Key("execution.circuit_state")
)

// ActionAttempt creates the standard attribute set for an execution-attempt
// span or event.
func ActionAttempt(tenantID, intentID, actionType string, registryVersion int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrIntentID.String(intentID),
		AttrActionType.String(actionType),
		AttrRegistryVersion.Int(registryVersion),
	}
}

// ToolInvocation creates the standard attribute set for a resilience-wrapped
// tool call.
func ToolInvocation(toolName, connectorID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrToolName.String(toolName),
		AttrConnectorID.String(connectorID),
	}
}

// Outcome creates the standard attribute set for a terminal outcome event.
func Outcome(status string, errorClass string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrOutcomeStatus.String(status)}
	if errorClass != "" {
		attrs = append(attrs, AttrErrorClass.String(errorClass))
	}
	return attrs
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records an error (if any) on the current span.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
