package orchestrator

import (
	"context"
	"errors"

	"github.com/actionexec/core/pkg/contracts"
	"github.com/actionexec/core/pkg/resilience"
)

// ExecuteResult is the terminal result of a full Execute run: exactly one
// of Outcome or (Outcome from RecordFailure) is non-nil on return without
// error.
type ExecuteResult struct {
	Outcome            *contracts.ActionOutcome
	CompensationStatus contracts.CompensationStatus
}

// Execute drives Start through RecordOutcome/RecordFailure end to end for
// one action intent, for callers that don't need to drive the state
// machine step by step themselves (e.g. a queue-consuming worker). The
// orchestration runtime described in §5 is free to call the individual
// step methods directly instead, e.g. to persist envelopes between steps
// or to resume a partially completed run.
func (o *Orchestrator) Execute(ctx context.Context, req StartRequest, gatewayURL string) (*ExecuteResult, error) {
	startEnv, err := o.Start(ctx, req)
	if err != nil {
		return o.fail(ctx, FailureInput{
			StepEnvelope: StepEnvelope{ActionIntentID: req.ActionIntentID, TenantID: req.TenantID, AccountID: req.AccountID},
			Error:        err.Error(),
		})
	}

	preflightEnv, err := o.ValidatePreflight(ctx, startEnv)
	if err != nil {
		return o.fail(ctx, FailureInput{StepEnvelope: *startEnv, Error: err.Error()})
	}

	mapped, err := o.MapActionToTool(ctx, preflightEnv, gatewayURL)
	if err != nil {
		return o.fail(ctx, FailureInput{StepEnvelope: *preflightEnv, Error: err.Error()})
	}

	result, err := o.InvokeTool(ctx, mapped)
	if err != nil {
		var openErr *resilience.CircuitBreakerOpenError
		var deferErr *resilience.DeferredError
		switch {
		case errors.As(err, &openErr):
			return o.fail(ctx, FailureInput{StepEnvelope: mapped.StepEnvelope, Error: "CIRCUIT_BREAKER_OPEN", Cause: err.Error()})
		case errors.As(err, &deferErr):
			// Backpressure, not a failure: the runtime should re-enqueue
			// using deferErr.RetryAfterSeconds. No outcome is recorded.
			return nil, err
		default:
			return o.fail(ctx, FailureInput{StepEnvelope: mapped.StepEnvelope, Error: "DOWNSTREAM", Cause: err.Error()})
		}
	}

	recorded, err := o.RecordOutcome(ctx, mapped, result)
	if err != nil {
		return nil, err
	}

	res := &ExecuteResult{Outcome: recorded, CompensationStatus: contracts.CompensationStatusNone}
	if !result.Success && len(result.ExternalObjectRefs) > 0 {
		status, _ := o.Compensate(ctx, mapped.ActionIntentID, mapped.CompensationStrategy, result.ExternalObjectRefs)
		res.CompensationStatus = status
	}
	return res, nil
}

func (o *Orchestrator) fail(ctx context.Context, in FailureInput) (*ExecuteResult, error) {
	recorded, err := o.RecordFailure(ctx, in)
	if err != nil {
		return nil, err
	}
	return &ExecuteResult{Outcome: recorded}, nil
}
