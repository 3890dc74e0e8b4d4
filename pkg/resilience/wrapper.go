package resilience

import (
	"context"
	"time"

	"github.com/actionexec/core/pkg/contracts"
)

// DeferredError is returned instead of thrown when the resilience wrapper
// declines to run fn but the caller can usefully retry later (§4.8 step 2
// and step 4). It is never returned for phase4_execution circuit rejections
// — those throw CircuitBreakerOpenError instead.
type DeferredError struct {
	ConnectorID       string
	RetryAfterSeconds int
	Reason            string
}

func (e *DeferredError) Error() string {
	return "resilience: deferred call to connector " + e.ConnectorID + ": " + e.Reason
}

// Wrapper composes the circuit breaker, concurrency limiter and SLO metrics
// behind a single Invoke entry point (§4.8).
type Wrapper struct {
	Breaker *Breaker
	Limiter ConcurrencyLimiter
	Metrics *Metrics
}

// NewWrapper builds a Wrapper. metrics may be nil to disable emission
// (e.g. in tests).
func NewWrapper(breaker *Breaker, limiter ConcurrencyLimiter, metrics *Metrics) *Wrapper {
	return &Wrapper{Breaker: breaker, Limiter: limiter, Metrics: metrics}
}

// Invoke runs fn under circuit-breaker admission and a concurrency token,
// implementing the 7-step sequence in §4.8:
//
//  1. AllowRequest(connector_id) — circuit-breaker admission.
//  2. On not-allowed: phase4_execution throws CircuitBreakerOpenError;
//     phase5_perception returns a DeferredError.
//  3. TryAcquire(connector_id) — concurrency token.
//  4. On not-acquired: returns a DeferredError with the limiter's retry hint.
//  5. Runs fn, timing the call.
//  6. On success: RecordSuccess, emit metrics, release the token.
//  7. On error: RecordFailure, emit metrics, release the token, return the
//     error from fn unchanged (never wrapped, so callers can classify it).
func (w *Wrapper) Invoke(ctx context.Context, toolName, tenantID string, callType contracts.CallType, fn func(ctx context.Context) (*contracts.ToolInvocationResult, error)) (*contracts.ToolInvocationResult, error) {
	connectorID := ConnectorID(toolName)

	allowed, err := w.Breaker.AllowRequest(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		if callType == contracts.CallTypePhase4Execution {
			return nil, &CircuitBreakerOpenError{ConnectorID: connectorID}
		}
		return nil, &DeferredError{ConnectorID: connectorID, RetryAfterSeconds: DefaultRetryAfterSeconds, Reason: "circuit breaker open"}
	}

	release, retryAfter, ok, err := w.Limiter.TryAcquire(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &DeferredError{ConnectorID: connectorID, RetryAfterSeconds: retryAfter, Reason: "connector at concurrency capacity"}
	}
	defer release()

	start := time.Now()
	result, callErr := fn(ctx)
	latencyMS := float64(time.Since(start).Microseconds()) / 1000.0

	if callErr != nil {
		if recErr := w.Breaker.RecordFailure(ctx, connectorID); recErr != nil {
			callErr = errJoin(callErr, recErr)
		}
		if w.Metrics != nil {
			w.Metrics.Record(ctx, toolName, connectorID, tenantID, latencyMS, false)
		}
		return nil, callErr
	}

	if recErr := w.Breaker.RecordSuccess(ctx, connectorID); recErr != nil {
		return nil, recErr
	}
	if w.Metrics != nil {
		w.Metrics.Record(ctx, toolName, connectorID, tenantID, latencyMS, true)
	}
	return result, nil
}

// errJoin combines a call error with a secondary bookkeeping error without
// masking the primary failure's type for classification upstream.
func errJoin(primary, secondary error) error {
	return &joinedError{primary: primary, secondary: secondary}
}

type joinedError struct {
	primary, secondary error
}

func (e *joinedError) Error() string {
	return e.primary.Error() + " (also: breaker update failed: " + e.secondary.Error() + ")"
}

func (e *joinedError) Unwrap() error { return e.primary }
