package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/actionexec/core/pkg/contracts"
	"github.com/actionexec/core/pkg/kvstore"
)

func TestConnectorID_Derivation(t *testing.T) {
	cases := map[string]string{
		"internal.create_task":   "internal",
		"crm.update_contact":     "crm_salesforce",
		"calendar.create_event":  "calendar",
		"slack.post_message":     "slack",
		"":                       "unknown",
		".leading_dot":           "unknown",
	}
	for in, want := range cases {
		if got := ConnectorID(in); got != want {
			t.Errorf("ConnectorID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBreaker_TripsOpenAfterThreshold(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultBreakerConfig()
	b := NewBreaker(kvstore.NewMemoryStore(), cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		allowed, err := b.AllowRequest(ctx, "crm_salesforce")
		if err != nil || !allowed {
			t.Fatalf("expected admission before trip, got allowed=%v err=%v", allowed, err)
		}
		if err := b.RecordFailure(ctx, "crm_salesforce"); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	allowed, err := b.AllowRequest(ctx, "crm_salesforce")
	if err != nil {
		t.Fatalf("AllowRequest: %v", err)
	}
	if allowed {
		t.Fatal("expected breaker to be OPEN after threshold failures")
	}
	state, err := b.State(ctx, "crm_salesforce")
	if err != nil || state != contracts.CircuitOpen {
		t.Fatalf("expected state OPEN, got %v err=%v", state, err)
	}
}

func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultBreakerConfig()
	cfg.Cooldown = 0 // force immediate eligibility for the half-open probe
	b := NewBreaker(kvstore.NewMemoryStore(), cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		_, _ = b.AllowRequest(ctx, "internal")
		_ = b.RecordFailure(ctx, "internal")
	}

	allowed, err := b.AllowRequest(ctx, "internal")
	if err != nil || !allowed {
		t.Fatalf("expected half-open probe admitted, got allowed=%v err=%v", allowed, err)
	}
	state, _ := b.State(ctx, "internal")
	if state != contracts.CircuitHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %v", state)
	}

	// A second concurrent caller must be rejected while the probe is in flight.
	allowed, err = b.AllowRequest(ctx, "internal")
	if err != nil || allowed {
		t.Fatalf("expected second probe rejected while in flight, got allowed=%v err=%v", allowed, err)
	}

	if err := b.RecordSuccess(ctx, "internal"); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	state, _ = b.State(ctx, "internal")
	if state != contracts.CircuitClosed {
		t.Fatalf("expected CLOSED after successful probe, got %v", state)
	}
}

func TestLocalConcurrencyLimiter_CapacityAndRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLocalConcurrencyLimiter(1)

	release, _, ok, err := l.TryAcquire(ctx, "slack")
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}

	_, retryAfter, ok, err := l.TryAcquire(ctx, "slack")
	if err != nil || ok {
		t.Fatalf("expected second acquire to be declined at capacity 1, got ok=%v err=%v", ok, err)
	}
	if retryAfter != DefaultRetryAfterSeconds {
		t.Errorf("retryAfter = %d, want %d", retryAfter, DefaultRetryAfterSeconds)
	}

	release()
	// release must be idempotent.
	release()

	_, _, ok, err = l.TryAcquire(ctx, "slack")
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed after release, got ok=%v err=%v", ok, err)
	}
}

// stubErr is a distinguishable error used to assert Invoke passes fn's
// error straight through without wrapping, so callers can classify it.
var stubErr = errors.New("stub downstream failure")

func TestInvoke_CircuitOpenRoutesByCallType(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultBreakerConfig()
	store := kvstore.NewMemoryStore()
	breaker := NewBreaker(store, cfg)
	for i := 0; i < cfg.FailureThreshold; i++ {
		_, _ = breaker.AllowRequest(ctx, "internal")
		_ = breaker.RecordFailure(ctx, "internal")
	}

	w := NewWrapper(breaker, NewLocalConcurrencyLimiter(10), nil)
	called := false
	fn := func(ctx context.Context) (*contracts.ToolInvocationResult, error) {
		called = true
		return &contracts.ToolInvocationResult{Success: true}, nil
	}

	_, err := w.Invoke(ctx, "internal.create_task", "t1", contracts.CallTypePhase4Execution, fn)
	var openErr *CircuitBreakerOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected CircuitBreakerOpenError for phase4_execution, got %v", err)
	}
	if called {
		t.Fatal("fn must not be called when the breaker is open")
	}

	_, err = w.Invoke(ctx, "internal.create_task", "t1", contracts.CallTypePhase5Perception, fn)
	var deferErr *DeferredError
	if !errors.As(err, &deferErr) {
		t.Fatalf("expected DeferredError for phase5_perception, got %v", err)
	}
	if deferErr.RetryAfterSeconds != DefaultRetryAfterSeconds {
		t.Errorf("retry_after_seconds = %d, want %d", deferErr.RetryAfterSeconds, DefaultRetryAfterSeconds)
	}
	if called {
		t.Fatal("fn must not be called when the breaker is open")
	}
}

func TestInvoke_SuccessReleasesTokenAndClosesBreaker(t *testing.T) {
	ctx := context.Background()
	breaker := NewBreaker(kvstore.NewMemoryStore(), DefaultBreakerConfig())
	limiter := NewLocalConcurrencyLimiter(1)
	w := NewWrapper(breaker, limiter, nil)

	result, err := w.Invoke(ctx, "crm.update_contact", "t1", contracts.CallTypePhase4Execution, func(ctx context.Context) (*contracts.ToolInvocationResult, error) {
		return &contracts.ToolInvocationResult{Success: true, ToolRunRef: "run-1"}, nil
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.ToolRunRef != "run-1" {
		t.Errorf("ToolRunRef = %q, want run-1", result.ToolRunRef)
	}

	// The token must have been released: a second call must also succeed
	// against a capacity-1 limiter.
	_, err = w.Invoke(ctx, "crm.update_contact", "t1", contracts.CallTypePhase4Execution, func(ctx context.Context) (*contracts.ToolInvocationResult, error) {
		return &contracts.ToolInvocationResult{Success: true}, nil
	})
	if err != nil {
		t.Fatalf("second Invoke: %v", err)
	}
}

func TestInvoke_FailurePropagatesAndRecordsBreakerFailure(t *testing.T) {
	ctx := context.Background()
	breaker := NewBreaker(kvstore.NewMemoryStore(), DefaultBreakerConfig())
	w := NewWrapper(breaker, NewLocalConcurrencyLimiter(10), nil)

	_, err := w.Invoke(ctx, "crm.update_contact", "t1", contracts.CallTypePhase4Execution, func(ctx context.Context) (*contracts.ToolInvocationResult, error) {
		return nil, stubErr
	})
	if !errors.Is(err, stubErr) {
		t.Fatalf("expected Invoke to pass through fn's error, got %v", err)
	}

	state, err := breaker.State(ctx, "crm_salesforce")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != contracts.CircuitClosed {
		t.Fatalf("expected a single failure to stay CLOSED, got %v", state)
	}
}
