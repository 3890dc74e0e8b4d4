// Package contracts holds the shared domain types that flow between the
// execution components: intents, registry entries, attempts, outcomes and
// the envelopes exchanged between orchestration steps.
package contracts

import "time"

// ActionIntent is the read-only input to the core. It is produced by the
// upstream proposal/approval pipeline and never mutated here.
type ActionIntent struct {
	ID                 string         `json:"action_intent_id"`
	TenantID           string         `json:"tenant_id"`
	AccountID          string         `json:"account_id"`
	ActionType         string         `json:"action_type"`
	Parameters         map[string]any `json:"parameters"`
	ApprovalMetadata   map[string]any `json:"approval_metadata,omitempty"`
	ExpiresAt          time.Time      `json:"expires_at"`
	ExpiresAtEpoch     int64          `json:"expires_at_epoch"`
	RegistryVersion    *int           `json:"registry_version"`
	TraceID            string         `json:"trace_id"`
	OriginalProposalID string         `json:"original_proposal_id"`
	OriginalDecisionID string         `json:"original_decision_id"`
}

// Transform is applied to a single parameter mapping field.
type Transform string

const (
	TransformPassthrough Transform = "PASSTHROUGH"
	TransformUppercase   Transform = "UPPERCASE"
	TransformLowercase   Transform = "LOWERCASE"
)

// CompensationStrategy is the policy for undoing a side effect.
type CompensationStrategy string

const (
	CompensationNone      CompensationStrategy = "NONE"
	CompensationManual    CompensationStrategy = "MANUAL"
	CompensationAutomatic CompensationStrategy = "AUTOMATIC"
)

// RiskClass surfaces the blast radius of an action type on the status API.
type RiskClass string

const (
	RiskMinimal RiskClass = "MINIMAL"
	RiskLow     RiskClass = "LOW"
	RiskMedium  RiskClass = "MEDIUM"
	RiskHigh    RiskClass = "HIGH"
)

// ParameterMapping describes how one source parameter field is carried into
// the tool arguments sent to the gateway.
type ParameterMapping struct {
	SourceField string    `json:"source_field"`
	TargetField string    `json:"target_field"`
	Transform   Transform `json:"transform"`
	Required    bool      `json:"required"`
}

// RegistryEntry is keyed by (action_type, registry_version); immutable once
// written (I4).
type RegistryEntry struct {
	ActionType           string               `json:"action_type"`
	RegistryVersion      int                  `json:"registry_version"`
	ToolName             string               `json:"tool_name"`
	ToolSchemaVersion    string               `json:"tool_schema_version"`
	RequiredScopes       []string             `json:"required_scopes"`
	RiskClass            RiskClass            `json:"risk_class"`
	CompensationStrategy CompensationStrategy `json:"compensation_strategy"`
	ParameterMapping     []ParameterMapping   `json:"parameter_mapping"`
	CreatedAt            time.Time            `json:"created_at"`
}

// AttemptStatus is the lifecycle status of an ExecutionAttempt lock.
type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "RUNNING"
	AttemptSucceeded AttemptStatus = "SUCCEEDED"
	AttemptFailed    AttemptStatus = "FAILED"
	AttemptCancelled AttemptStatus = "CANCELLED"
)

// IsTerminal reports whether a status no longer accepts UpdateStatus calls
// without an explicit rerun.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptSucceeded, AttemptFailed, AttemptCancelled:
		return true
	default:
		return false
	}
}

// ExecutionAttempt is the exactly-once start lock, one per action_intent_id.
type ExecutionAttempt struct {
	IntentID       string        `json:"action_intent_id"`
	TenantID       string        `json:"tenant_id"`
	AccountID      string        `json:"account_id"`
	Status         AttemptStatus `json:"status"`
	AttemptCount   int           `json:"attempt_count"`
	LastAttemptID  string        `json:"last_attempt_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	StartedAt      time.Time     `json:"started_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	TraceID        string        `json:"trace_id"`
	TTLEpoch       int64         `json:"ttl"`
	LastErrorClass string        `json:"last_error_class,omitempty"`
}

// OutcomeStatus is the terminal status of an action execution.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "SUCCEEDED"
	OutcomeFailed    OutcomeStatus = "FAILED"
	OutcomeRetrying  OutcomeStatus = "RETRYING"
	OutcomeCancelled OutcomeStatus = "CANCELLED"
)

// CompensationStatus tracks the progress of a routed compensation.
type CompensationStatus string

const (
	CompensationStatusNone      CompensationStatus = "NONE"
	CompensationStatusPending   CompensationStatus = "PENDING"
	CompensationStatusCompleted CompensationStatus = "COMPLETED"
	CompensationStatusFailed    CompensationStatus = "FAILED"
)

// ErrorClass is the stable taxonomy string used for classification, alarms
// and user-visible messages (§7).
type ErrorClass string

const (
	ErrorClassValidation ErrorClass = "VALIDATION"
	ErrorClassAuth       ErrorClass = "AUTH"
	ErrorClassRateLimit  ErrorClass = "RATE_LIMIT"
	ErrorClassDownstream ErrorClass = "DOWNSTREAM"
	ErrorClassTimeout    ErrorClass = "TIMEOUT"
	ErrorClassUnknown    ErrorClass = "UNKNOWN"
)

// ExternalObjectRef identifies one downstream side effect. Compared
// order-independently by ObjectID for dedupe.
type ExternalObjectRef struct {
	System     string `json:"system"`
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
	ObjectURL  string `json:"object_url,omitempty"`
}

// RefsEqual compares two ref sets order-independently by ObjectID, then
// field by field, per I9.
func RefsEqual(a, b []ExternalObjectRef) bool {
	if len(a) != len(b) {
		return false
	}
	index := make(map[string]ExternalObjectRef, len(a))
	for _, r := range a {
		index[r.ObjectID] = r
	}
	for _, r := range b {
		other, ok := index[r.ObjectID]
		if !ok || other != r {
			return false
		}
	}
	return true
}

// ActionOutcome is the immutable, write-once terminal record (I8).
type ActionOutcome struct {
	IntentID               string              `json:"action_intent_id"`
	TenantID               string              `json:"tenant_id"`
	AccountID              string              `json:"account_id"`
	Status                 OutcomeStatus       `json:"status"`
	ExternalObjectRefs     []ExternalObjectRef `json:"external_object_refs,omitempty"`
	ErrorClass             ErrorClass          `json:"error_class,omitempty"`
	ErrorCode              string              `json:"error_code,omitempty"`
	ErrorMessage           string              `json:"error_message,omitempty"`
	ToolName               string              `json:"tool_name"`
	ToolSchemaVersion      string              `json:"tool_schema_version,omitempty"`
	RegistryVersion        int                 `json:"registry_version"`
	ToolRunRef             string              `json:"tool_run_ref"`
	RawResponseArtifactRef string              `json:"raw_response_artifact_ref,omitempty"`
	AttemptCount           int                 `json:"attempt_count"`
	StartedAt              time.Time           `json:"started_at"`
	CompletedAt            time.Time           `json:"completed_at"`
	CompensationStatus     CompensationStatus  `json:"compensation_status"`
	TraceID                string              `json:"trace_id"`
}

// ExternalWriteDedupe is the adapter-layer idempotency history item (or
// LATEST pointer) keyed by idempotency key.
type ExternalWriteDedupe struct {
	IdempotencyKey     string              `json:"idempotency_key"`
	ExternalObjectRefs []ExternalObjectRef `json:"external_object_refs"`
	IntentID           string              `json:"action_intent_id"`
	ToolName           string              `json:"tool_name"`
	CreatedAt          time.Time           `json:"created_at"`
}

// CircuitState is one of the three breaker states.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CallType determines open-circuit behavior in the resilience wrapper.
type CallType string

const (
	CallTypePhase4Execution  CallType = "phase4_execution"
	CallTypePhase5Perception CallType = "phase5_perception"
)

// EventRecord is one append-only event-log entry.
type EventRecord struct {
	EventType      string         `json:"event_type"`
	TenantID       string         `json:"tenant_id"`
	AccountID      string         `json:"account_id"`
	TraceID        string         `json:"trace_id"`
	DecisionTrace  string         `json:"decision_trace_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Data           map[string]any `json:"data"`
}

// Well-known event types appended by the orchestrator.
const (
	EventExecutionStarted    = "EXECUTION_STARTED"
	EventActionExecuted      = "ACTION_EXECUTED"
	EventActionFailed        = "ACTION_FAILED"
	EventCompensationPlanned = "COMPENSATION_PLANNED"
)

// ToolInvocationResult is the envelope InvokeTool returns (§4.9 InvokeTool).
type ToolInvocationResult struct {
	Success                bool                `json:"success"`
	ExternalObjectRefs     []ExternalObjectRef `json:"external_object_refs,omitempty"`
	ToolRunRef             string              `json:"tool_run_ref"`
	RawResponseArtifactRef string              `json:"raw_response_artifact_ref,omitempty"`
	ErrorCode              string              `json:"error_code,omitempty"`
	ErrorClass             string              `json:"error_class,omitempty"`
	ErrorMessage           string              `json:"error_message,omitempty"`
}
