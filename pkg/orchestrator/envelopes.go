// Package orchestrator implements the execution state machine (C9): Start,
// ValidatePreflight, MapActionToTool, InvokeTool, RecordOutcome, Compensate
// and RecordFailure, composed into a single exactly-once path from an
// approved action intent to at most one terminal outcome.
package orchestrator

import (
	"time"

	"github.com/actionexec/core/pkg/contracts"
)

// maxToolArgumentsBytes bounds the canonicalized tool_arguments object sent
// to the gateway (§6.1); oversize payloads must travel by artifact
// reference instead.
const maxToolArgumentsBytes = 200 * 1024

// StartRequest is Start's input (§4.9).
type StartRequest struct {
	ActionIntentID string `json:"action_intent_id"`
	TenantID       string `json:"tenant_id"`
	AccountID      string `json:"account_id"`
}

// StepEnvelope carries the fields shared across every orchestration step,
// plus the ones Start introduces. It is the Start -> Validate -> Map
// envelope of §6.1.
type StepEnvelope struct {
	ActionIntentID string `json:"action_intent_id"`
	TenantID       string `json:"tenant_id"`
	AccountID      string `json:"account_id"`
	TraceID        string `json:"trace_id"`

	IdempotencyKey  string    `json:"idempotency_key"`
	RegistryVersion *int      `json:"registry_version"`
	AttemptCount    int       `json:"attempt_count"`
	StartedAt       time.Time `json:"started_at"`

	// Populated by ValidatePreflight; optional per §6.1.
	ValidationResult string `json:"validation_result,omitempty"`
	ApprovalSource   string `json:"approval_source,omitempty"` // HUMAN | POLICY
	AutoExecuted     *bool  `json:"auto_executed,omitempty"`
}

// ToolInvocationEnvelope is the Map -> Invoke envelope (§6.1).
type ToolInvocationEnvelope struct {
	StepEnvelope

	GatewayURL           string         `json:"gateway_url"`
	ToolName             string         `json:"tool_name"`
	ToolArguments        map[string]any `json:"tool_arguments"`
	ToolSchemaVersion    string         `json:"tool_schema_version"`
	CompensationStrategy contracts.CompensationStrategy `json:"compensation_strategy"`
}

// FailureInput is RecordFailure's input: the envelope at the point of
// failure plus the raw (Error, Cause) strings used for classification
// (§4.9 RecordFailure).
type FailureInput struct {
	StepEnvelope
	Error string
	Cause string
}
