package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/actionexec/core/pkg/contracts"
	"github.com/actionexec/core/pkg/envelope"
	"github.com/actionexec/core/pkg/eventlog"
	"github.com/actionexec/core/pkg/executionlock"
	"github.com/actionexec/core/pkg/idempotency"
	"github.com/actionexec/core/pkg/killswitch"
	"github.com/actionexec/core/pkg/observability"
	"github.com/actionexec/core/pkg/outcome"
	"github.com/actionexec/core/pkg/registry"
	"github.com/actionexec/core/pkg/resilience"
)

// Domain operation names tracked by the optional SLI/SLO/audit wiring —
// the C9 steps whose latency and success rate are worth a burn-rate
// target, distinct from the call-type keys used by pkg/resilience's
// circuit breaker and metrics.
const (
	OpStart             = "start"
	OpValidatePreflight = "validate_preflight"
	OpMapActionToTool   = "map_action_to_tool"
	OpInvokeTool        = "invoke_tool"
	OpRecordOutcome     = "record_outcome"
)

// ToolGateway is the external collaborator InvokeTool dispatches to. The
// core's contract with it is the request/response envelope alone — how it
// reaches the tool (HTTP, queue, in-process) is the runtime's business.
type ToolGateway interface {
	Invoke(ctx context.Context, env *ToolInvocationEnvelope) (*contracts.ToolInvocationResult, error)
}

// Orchestrator wires the C1-C8 collaborators into the C9 state machine.
type Orchestrator struct {
	Intents    IntentReader
	Registry   registry.Registry
	EventLog   *eventlog.Log
	Lock       *executionlock.Lock
	Outcomes   *outcome.Store
	KillSwitch *killswitch.Policy
	Resilience *resilience.Wrapper
	Gateway    ToolGateway

	OrchestrationTimeout time.Duration
	Logger               *slog.Logger

	// Audit and SLO are optional: when set, terminal steps append to the
	// audit timeline and record an SLO observation. Neither participates
	// in the exactly-once guarantees above; they are best-effort
	// secondary recording (§4.9 is unaffected if both are nil).
	Audit *observability.AuditTimeline
	SLO   *observability.SLOTracker
}

// WithObservability attaches the optional audit timeline and SLO tracker.
// Call before serving traffic; neither is safe to swap concurrently with
// in-flight executions.
func (o *Orchestrator) WithObservability(audit *observability.AuditTimeline, slo *observability.SLOTracker) *Orchestrator {
	o.Audit = audit
	o.SLO = slo
	return o
}

// New builds an Orchestrator from its collaborators. orchestrationTimeout
// is the per-attempt timeout passed to StartAttempt (§4.5); the lock adds
// its own 15-minute buffer on top.
func New(
	intents IntentReader,
	reg registry.Registry,
	elog *eventlog.Log,
	lock *executionlock.Lock,
	outcomes *outcome.Store,
	ks *killswitch.Policy,
	res *resilience.Wrapper,
	gateway ToolGateway,
	orchestrationTimeout time.Duration,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Intents:              intents,
		Registry:             reg,
		EventLog:             elog,
		Lock:                 lock,
		Outcomes:             outcomes,
		KillSwitch:           ks,
		Resilience:           res,
		Gateway:              gateway,
		OrchestrationTimeout: orchestrationTimeout,
		Logger:               logger,
	}
}

// Start validates the request, resolves the registry mapping, derives the
// execution-layer idempotency key, and takes the exactly-once start lock
// (§4.9 Start).
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*StepEnvelope, error) {
	if req.ActionIntentID == "" || req.TenantID == "" || req.AccountID == "" {
		return nil, &ValidationError{Code: "SCHEMA_MISMATCH", Message: "action_intent_id, tenant_id and account_id are required"}
	}
	if err := validateEnvelope(envelope.StepStart, req); err != nil {
		return nil, err
	}

	intent, err := o.Intents.Get(ctx, req.TenantID, req.AccountID, req.ActionIntentID)
	if err != nil {
		if errors.Is(err, ErrIntentNotFound) {
			return nil, fmt.Errorf("INTENT_NOT_FOUND: %w", err)
		}
		return nil, err
	}

	if intent.RegistryVersion == nil {
		return nil, &ValidationError{Code: "REGISTRY_VERSION_MISSING", Message: "action intent has no registry_version (I2)"}
	}

	entry, err := o.Registry.GetMapping(intent.ActionType, intent.RegistryVersion)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, &ValidationError{Code: "TOOL_MAPPING_NOT_FOUND", Message: fmt.Sprintf("no registry mapping for action_type %q version %d", intent.ActionType, *intent.RegistryVersion)}
		}
		return nil, err
	}

	// Mapping parameters here (inside Start) surfaces missing-required
	// field errors before the lock is taken, so a doomed-to-fail intent
	// never occupies the RUNNING slot.
	if _, err := registry.MapParameters(entry, intent.Parameters); err != nil {
		return nil, err
	}

	idemKey, err := idempotency.ExecutionKey(req.TenantID, req.ActionIntentID, entry.ToolName, intent.Parameters, entry.RegistryVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to derive idempotency key: %w", err)
	}

	executionTraceID := "exec-" + uuid.NewString()

	attempt, err := o.Lock.StartAttempt(ctx, req.ActionIntentID, req.TenantID, req.AccountID, executionTraceID, idemKey, o.OrchestrationTimeout, false)
	if err != nil {
		return nil, err
	}

	env := &StepEnvelope{
		ActionIntentID:  req.ActionIntentID,
		TenantID:        req.TenantID,
		AccountID:       req.AccountID,
		TraceID:         executionTraceID,
		IdempotencyKey:  idemKey,
		RegistryVersion: intent.RegistryVersion,
		AttemptCount:    attempt.AttemptCount,
		StartedAt:       attempt.StartedAt,
	}
	if err := validateEnvelope(envelope.StepValidatePreflight, env); err != nil {
		return nil, err
	}

	if err := o.EventLog.Append(ctx, contracts.EventRecord{
		EventType:     contracts.EventExecutionStarted,
		TenantID:      req.TenantID,
		AccountID:     req.AccountID,
		TraceID:       executionTraceID,
		DecisionTrace: intent.TraceID,
		Data: map[string]any{
			"action_intent_id": req.ActionIntentID,
			"idempotency_key":  idemKey,
			"registry_version": *intent.RegistryVersion,
			"attempt_count":    attempt.AttemptCount,
		},
	}); err != nil {
		o.Logger.WarnContext(ctx, "orchestrator: failed to append EXECUTION_STARTED", "error", err)
	}

	if o.Audit != nil {
		if err := o.Audit.Record(observability.TimelineEntry{
			EntryType: observability.EntryTypeAction,
			RunID:     executionTraceID,
			TenantID:  req.TenantID,
			Summary:   fmt.Sprintf("execution started for action_intent %s", req.ActionIntentID),
			Details:   map[string]any{"action_intent_id": req.ActionIntentID, "attempt_count": attempt.AttemptCount},
		}); err != nil {
			o.Logger.WarnContext(ctx, "orchestrator: failed to record audit entry", "error", err)
		}
	}

	return env, nil
}

// ValidatePreflight performs the remaining pre-tool checks: kill switches
// and intent expiry. It has no external side effects beyond these reads
// (§4.9 ValidatePreflight).
func (o *Orchestrator) ValidatePreflight(ctx context.Context, env *StepEnvelope) (*StepEnvelope, error) {
	intent, err := o.Intents.Get(ctx, env.TenantID, env.AccountID, env.ActionIntentID)
	if err != nil {
		return nil, fmt.Errorf("INTENT_NOT_FOUND: %w", err)
	}

	if !intent.ExpiresAt.IsZero() && time.Now().After(intent.ExpiresAt) {
		return nil, &ValidationError{Code: "INTENT_EXPIRED", Message: "action intent has expired"}
	}

	enabled, err := o.KillSwitch.IsExecutionEnabled(ctx, env.TenantID, intent.ActionType)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, &ValidationError{Code: "KILL_SWITCH_DISABLED", Message: fmt.Sprintf("execution disabled for tenant %q action_type %q", env.TenantID, intent.ActionType)}
	}

	return env, nil
}

// MapActionToTool re-reads the intent, re-maps its parameters in the
// gateway's expected shape, and emits the Invoke envelope (§4.9
// MapActionToTool).
func (o *Orchestrator) MapActionToTool(ctx context.Context, env *StepEnvelope, gatewayURL string) (*ToolInvocationEnvelope, error) {
	intent, err := o.Intents.Get(ctx, env.TenantID, env.AccountID, env.ActionIntentID)
	if err != nil {
		return nil, fmt.Errorf("INTENT_NOT_FOUND: %w", err)
	}

	entry, err := o.Registry.GetMapping(intent.ActionType, env.RegistryVersion)
	if err != nil {
		return nil, &ValidationError{Code: "TOOL_MAPPING_NOT_FOUND", Message: err.Error()}
	}

	args, err := registry.MapParameters(entry, intent.Parameters)
	if err != nil {
		return nil, err
	}
	// Adapter-level dedupe rides alongside the tool arguments.
	args["idempotency_key"] = env.IdempotencyKey
	args["action_intent_id"] = env.ActionIntentID

	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool_arguments: %w", err)
	}
	if len(encoded) > maxToolArgumentsBytes {
		return nil, &ValidationError{Code: "TOOL_ARGUMENTS_TOO_LARGE", Message: "tool_arguments exceeds 200 KB; use an artifact reference instead"}
	}

	invokeEnv := &ToolInvocationEnvelope{
		StepEnvelope:         *env,
		GatewayURL:           gatewayURL,
		ToolName:             entry.ToolName,
		ToolArguments:        args,
		ToolSchemaVersion:    entry.ToolSchemaVersion,
		CompensationStrategy: entry.CompensationStrategy,
	}
	if err := validateEnvelope(envelope.StepMapActionToTool, invokeEnv); err != nil {
		return nil, err
	}
	return invokeEnv, nil
}

// InvokeTool dispatches to the gateway through the resilience wrapper
// (§4.9 InvokeTool). Circuit-breaker and concurrency admission failures
// propagate unchanged for the caller to route to RecordFailure.
func (o *Orchestrator) InvokeTool(ctx context.Context, env *ToolInvocationEnvelope) (*contracts.ToolInvocationResult, error) {
	return o.Resilience.Invoke(ctx, env.ToolName, env.TenantID, contracts.CallTypePhase4Execution, func(ctx context.Context) (*contracts.ToolInvocationResult, error) {
		return o.Gateway.Invoke(ctx, env)
	})
}

// RecordOutcome writes the terminal outcome (write-once), transitions the
// attempt, and appends the corresponding event (§4.9 RecordOutcome).
func (o *Orchestrator) RecordOutcome(ctx context.Context, env *ToolInvocationEnvelope, result *contracts.ToolInvocationResult) (*contracts.ActionOutcome, error) {
	status := contracts.OutcomeFailed
	if result.Success {
		status = contracts.OutcomeSucceeded
	}

	registryVersion := 0
	if env.RegistryVersion != nil {
		registryVersion = *env.RegistryVersion
	}

	o7 := contracts.ActionOutcome{
		IntentID:               env.ActionIntentID,
		TenantID:               env.TenantID,
		AccountID:              env.AccountID,
		Status:                 status,
		ExternalObjectRefs:     result.ExternalObjectRefs,
		ErrorClass:             contracts.ErrorClass(result.ErrorClass),
		ErrorCode:              result.ErrorCode,
		ErrorMessage:           result.ErrorMessage,
		ToolName:               env.ToolName,
		ToolSchemaVersion:      env.ToolSchemaVersion,
		RegistryVersion:        registryVersion,
		ToolRunRef:             result.ToolRunRef,
		RawResponseArtifactRef: result.RawResponseArtifactRef,
		AttemptCount:           env.AttemptCount,
		StartedAt:              env.StartedAt,
		CompletedAt:            time.Now(),
		CompensationStatus:     contracts.CompensationStatusNone,
		TraceID:                env.TraceID,
	}

	recorded, err := o.Outcomes.Record(ctx, o7)
	if err != nil {
		return nil, err
	}

	attemptStatus := contracts.AttemptSucceeded
	if !result.Success {
		attemptStatus = contracts.AttemptFailed
	}
	if err := o.Lock.UpdateStatus(ctx, env.ActionIntentID, env.TenantID, env.AccountID, attemptStatus, string(recorded.ErrorClass)); err != nil {
		return nil, err
	}

	intent, err := o.Intents.Get(ctx, env.TenantID, env.AccountID, env.ActionIntentID)
	decisionTrace := ""
	if err == nil {
		decisionTrace = intent.TraceID
	}

	eventType := contracts.EventActionExecuted
	if !result.Success {
		eventType = contracts.EventActionFailed
	}
	if err := o.EventLog.Append(ctx, contracts.EventRecord{
		EventType:     eventType,
		TenantID:      env.TenantID,
		AccountID:     env.AccountID,
		TraceID:       env.TraceID,
		DecisionTrace: decisionTrace,
		Data: map[string]any{
			"action_intent_id": env.ActionIntentID,
			"status":           string(recorded.Status),
			"tool_name":        recorded.ToolName,
			"tool_run_ref":     recorded.ToolRunRef,
		},
	}); err != nil {
		o.Logger.WarnContext(ctx, "orchestrator: failed to append outcome event", "error", err)
	}

	if o.Audit != nil {
		if err := o.Audit.Record(observability.TimelineEntry{
			EntryType: observability.EntryTypeOutcome,
			RunID:     env.TraceID,
			TenantID:  env.TenantID,
			Summary:   fmt.Sprintf("%s invoking %s -> %s", env.ActionIntentID, env.ToolName, recorded.Status),
			Details:   map[string]any{"tool_name": recorded.ToolName, "tool_run_ref": recorded.ToolRunRef, "status": string(recorded.Status)},
		}); err != nil {
			o.Logger.WarnContext(ctx, "orchestrator: failed to record audit entry", "error", err)
		}
		if len(recorded.ExternalObjectRefs) > 0 {
			if err := o.Audit.Record(observability.TimelineEntry{
				EntryType: observability.EntryTypeExternalRef,
				RunID:     env.TraceID,
				TenantID:  env.TenantID,
				Summary:   fmt.Sprintf("%d external object ref(s) recorded", len(recorded.ExternalObjectRefs)),
				Details:   map[string]any{"refs": recorded.ExternalObjectRefs},
			}); err != nil {
				o.Logger.WarnContext(ctx, "orchestrator: failed to record audit entry", "error", err)
			}
		}
	}
	if o.SLO != nil {
		o.SLO.Record(observability.SLOObservation{
			Operation: OpInvokeTool,
			Latency:   recorded.CompletedAt.Sub(recorded.StartedAt),
			Success:   result.Success,
		})
	}

	return recorded, nil
}

// Compensate routes a failed, ref-bearing outcome to the configured
// compensation strategy. It never throws — failures are captured as
// CompensationStatusFailed (§4.9 Compensate).
func (o *Orchestrator) Compensate(ctx context.Context, actionIntentID string, strategy contracts.CompensationStrategy, refs []contracts.ExternalObjectRef) (status contracts.CompensationStatus, message string) {
	defer func() {
		if r := recover(); r != nil {
			status = contracts.CompensationStatusFailed
			message = fmt.Sprintf("panic during compensation: %v", r)
		}
	}()

	if strategy == contracts.CompensationNone || len(refs) == 0 {
		return contracts.CompensationStatusCompleted, "not supported"
	}

	switch strategy {
	case contracts.CompensationAutomatic:
		// The recipe is built and logged; dispatching each step to its
		// own tool gateway call is left to the runtime (no generic
		// "undo" tool exists in the registry to invoke here).
		recipe := contracts.RecipeFromRefs(actionIntentID, refs, true)
		if err := o.EventLog.Append(ctx, contracts.EventRecord{
			EventType: contracts.EventCompensationPlanned,
			Data: map[string]any{
				"action_intent_id": actionIntentID,
				"recipe_id":        recipe.RecipeID,
				"step_count":       len(recipe.Steps),
			},
		}); err != nil {
			o.Logger.WarnContext(ctx, "orchestrator: failed to append COMPENSATION_PLANNED", "error", err)
		}
		if o.Audit != nil {
			if err := o.Audit.Record(observability.TimelineEntry{
				EntryType: observability.EntryTypeCompensation,
				RunID:     actionIntentID,
				Summary:   fmt.Sprintf("compensation recipe %s planned with %d step(s)", recipe.RecipeID, len(recipe.Steps)),
				Details:   map[string]any{"recipe_id": recipe.RecipeID, "step_count": len(recipe.Steps)},
			}); err != nil {
				o.Logger.WarnContext(ctx, "orchestrator: failed to record audit entry", "error", err)
			}
		}
		return contracts.CompensationStatusPending, fmt.Sprintf("recipe %s planned with %d step(s)", recipe.RecipeID, len(recipe.Steps))
	case contracts.CompensationManual:
		if o.Audit != nil {
			if err := o.Audit.Record(observability.TimelineEntry{
				EntryType: observability.EntryTypeCompensation,
				RunID:     actionIntentID,
				Summary:   "awaiting manual compensation",
			}); err != nil {
				o.Logger.WarnContext(ctx, "orchestrator: failed to record audit entry", "error", err)
			}
		}
		return contracts.CompensationStatusPending, "awaiting manual compensation"
	default:
		return contracts.CompensationStatusCompleted, "not supported"
	}
}

// RecordFailure classifies a pre-tool failure and writes a synthetic
// outcome with tool_name="unknown" (§4.9 RecordFailure).
func (o *Orchestrator) RecordFailure(ctx context.Context, in FailureInput) (*contracts.ActionOutcome, error) {
	if err := validateEnvelope(envelope.StepRecordFailure, failureEnvelopeJSON(in)); err != nil {
		return nil, err
	}

	var class contracts.ErrorClass
	var code string

	if in.RegistryVersion == nil {
		class = contracts.ErrorClassValidation
		code = "REGISTRY_VERSION_MISSING"
	} else {
		class = classifyPreToolFailure(in.Error, in.Cause)
		code = in.Error
	}

	registryVersion := 0
	if in.RegistryVersion != nil {
		registryVersion = *in.RegistryVersion
	}

	o7 := contracts.ActionOutcome{
		IntentID:           in.ActionIntentID,
		TenantID:           in.TenantID,
		AccountID:          in.AccountID,
		Status:             contracts.OutcomeFailed,
		ErrorClass:         class,
		ErrorCode:          code,
		ErrorMessage:       in.Cause,
		ToolName:           "unknown",
		RegistryVersion:    registryVersion,
		ToolRunRef:         "pre-tool-failure-" + in.ActionIntentID,
		AttemptCount:       in.AttemptCount,
		StartedAt:          in.StartedAt,
		CompletedAt:        time.Now(),
		CompensationStatus: contracts.CompensationStatusNone,
		TraceID:            in.TraceID,
	}

	recorded, err := o.Outcomes.Record(ctx, o7)
	if err != nil {
		return nil, err
	}

	if err := o.Lock.UpdateStatus(ctx, in.ActionIntentID, in.TenantID, in.AccountID, contracts.AttemptFailed, string(class)); err != nil {
		o.Logger.WarnContext(ctx, "orchestrator: failed to transition attempt to FAILED", "error", err)
	}

	if err := o.EventLog.Append(ctx, contracts.EventRecord{
		EventType: contracts.EventActionFailed,
		TenantID:  in.TenantID,
		AccountID: in.AccountID,
		TraceID:   in.TraceID,
		Data: map[string]any{
			"action_intent_id": in.ActionIntentID,
			"error_class":      string(class),
			"error_code":       code,
		},
	}); err != nil {
		o.Logger.WarnContext(ctx, "orchestrator: failed to append ACTION_FAILED", "error", err)
	}

	if o.Audit != nil {
		if err := o.Audit.Record(observability.TimelineEntry{
			EntryType: observability.EntryTypeFailure,
			RunID:     in.TraceID,
			TenantID:  in.TenantID,
			Summary:   fmt.Sprintf("%s pre-tool failure: %s/%s", in.ActionIntentID, class, code),
			Details:   map[string]any{"error_class": string(class), "error_code": code},
		}); err != nil {
			o.Logger.WarnContext(ctx, "orchestrator: failed to record audit entry", "error", err)
		}
	}
	if o.SLO != nil {
		o.SLO.Record(observability.SLOObservation{
			Operation: OpValidatePreflight,
			Latency:   recorded.CompletedAt.Sub(recorded.StartedAt),
			Success:   false,
		})
	}

	return recorded, nil
}

// validateEnvelope marshals v and checks it against step's strict JSON
// Schema (§6.1), surfacing a schema mismatch the same way any other
// pre-tool validation failure is surfaced.
func validateEnvelope(step string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s envelope: %w", step, err)
	}
	if err := envelope.Validate(step, raw); err != nil {
		return &ValidationError{Code: "SCHEMA_MISMATCH", Message: err.Error()}
	}
	return nil
}

// failureErrorJSON is the nested "error" object RecordFailure's schema
// expects.
type failureErrorJSON struct {
	Error string `json:"Error,omitempty"`
	Cause string `json:"Cause,omitempty"`
}

type failureEnvelope struct {
	StepEnvelope
	Error *failureErrorJSON `json:"error,omitempty"`
}

func failureEnvelopeJSON(in FailureInput) failureEnvelope {
	return failureEnvelope{
		StepEnvelope: in.StepEnvelope,
		Error:        &failureErrorJSON{Error: in.Error, Cause: in.Cause},
	}
}
