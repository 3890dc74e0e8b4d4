// Package resilience implements the resilience wrapper (C8): a circuit
// breaker (CLOSED/OPEN/HALF_OPEN), a per-connector concurrency token
// bucket, and SLO metrics, composed into a single Invoke entry point with
// call-type-dependent open-circuit behavior.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/actionexec/core/pkg/contracts"
	"github.com/actionexec/core/pkg/kvstore"
)

// BreakerConfig configures the circuit breaker thresholds (§4.8 defaults).
type BreakerConfig struct {
	FailureThreshold int           // default 5
	Window           time.Duration // default 60s
	Cooldown         time.Duration // default 30s
	TTL              time.Duration // default 14 days
}

// DefaultBreakerConfig returns the spec's stated defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		TTL:              14 * 24 * time.Hour,
	}
}

// CircuitBreakerOpenError is thrown when a phase4_execution call is
// admission-blocked by an OPEN breaker.
type CircuitBreakerOpenError struct {
	ConnectorID string
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("resilience: circuit breaker OPEN for connector %q", e.ConnectorID)
}

var errHalfOpenProbeInFlight = errors.New("resilience: half-open probe already in flight")

// Breaker persists circuit-breaker state per connector through a KV store,
// so state survives process restarts and is shared across workers (§5).
type Breaker struct {
	store  kvstore.Store
	cfg    BreakerConfig
	mu     sync.Mutex // serializes the read-modify-write against this process's view
}

// NewBreaker wraps a KV store for the circuit breaker, keyed per §3.1:
// one item per connector with a 14-day TTL.
func NewBreaker(store kvstore.Store, cfg BreakerConfig) *Breaker {
	return &Breaker{store: store, cfg: cfg}
}

func breakerPK(connectorID string) string { return "CIRCUIT#" + connectorID }

const breakerSK = "STATE"

type breakerState struct {
	State                 contracts.CircuitState
	FailureCount          int
	WindowStartEpoch      int64
	OpenUntilEpoch        int64
	HalfOpenProbeInFlight bool
}

func (b *Breaker) read(ctx context.Context, connectorID string) (*breakerState, error) {
	it, err := b.store.Get(ctx, breakerPK(connectorID), breakerSK)
	if errors.Is(err, kvstore.ErrNotFound) {
		return &breakerState{State: contracts.CircuitClosed}, nil
	}
	if err != nil {
		return nil, err
	}
	s := &breakerState{}
	if v, ok := it.Attr("state"); ok {
		str, _ := v.(string)
		s.State = contracts.CircuitState(str)
	}
	if v, ok := it.Attr("failure_count"); ok {
		s.FailureCount = toInt(v)
	}
	if v, ok := it.Attr("window_start_epoch"); ok {
		s.WindowStartEpoch = int64(toInt(v))
	}
	if v, ok := it.Attr("open_until_epoch"); ok {
		s.OpenUntilEpoch = int64(toInt(v))
	}
	if v, ok := it.Attr("half_open_probe_in_flight"); ok {
		b, _ := v.(bool)
		s.HalfOpenProbeInFlight = b
	}
	return s, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func (b *Breaker) write(ctx context.Context, connectorID string, s breakerState) error {
	item := kvstore.Item{
		PK: breakerPK(connectorID),
		SK: breakerSK,
		Attributes: map[string]any{
			"state":                     string(s.State),
			"failure_count":             s.FailureCount,
			"window_start_epoch":        s.WindowStartEpoch,
			"open_until_epoch":          s.OpenUntilEpoch,
			"half_open_probe_in_flight": s.HalfOpenProbeInFlight,
		},
		TTLEpoch: time.Now().Add(b.cfg.TTL).Unix(),
	}
	return b.store.PutConditional(ctx, item, kvstore.Condition{})
}

// AllowRequest is the breaker's admission check (§4.8 step 1). It also
// transitions OPEN -> HALF_OPEN once the cooldown has elapsed, admitting a
// single probe.
func (b *Breaker) AllowRequest(ctx context.Context, connectorID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	s, err := b.read(ctx, connectorID)
	if err != nil {
		return false, err
	}

	switch s.State {
	case contracts.CircuitClosed:
		// Reset the failure window once it has expired.
		if s.WindowStartEpoch > 0 && now.Unix()-s.WindowStartEpoch > int64(b.cfg.Window.Seconds()) {
			s.FailureCount = 0
			s.WindowStartEpoch = 0
			if err := b.write(ctx, connectorID, *s); err != nil {
				return false, err
			}
		}
		return true, nil
	case contracts.CircuitOpen:
		if s.OpenUntilEpoch > 0 && now.Unix() >= s.OpenUntilEpoch {
			s.State = contracts.CircuitHalfOpen
			s.HalfOpenProbeInFlight = true
			if err := b.write(ctx, connectorID, *s); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, nil
	case contracts.CircuitHalfOpen:
		if s.HalfOpenProbeInFlight {
			return false, nil
		}
		s.HalfOpenProbeInFlight = true
		if err := b.write(ctx, connectorID, *s); err != nil {
			return false, err
		}
		return true, nil
	default:
		return true, nil
	}
}

// RecordSuccess closes the breaker (from CLOSED: no-op; from HALF_OPEN: the
// probe succeeded, reset to CLOSED).
func (b *Breaker) RecordSuccess(ctx context.Context, connectorID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.read(ctx, connectorID)
	if err != nil {
		return err
	}
	s.State = contracts.CircuitClosed
	s.FailureCount = 0
	s.WindowStartEpoch = 0
	s.OpenUntilEpoch = 0
	s.HalfOpenProbeInFlight = false
	return b.write(ctx, connectorID, *s)
}

// RecordFailure increments the failure count, tripping to OPEN at the
// configured threshold within the configured window. A failed HALF_OPEN
// probe trips back to OPEN immediately.
func (b *Breaker) RecordFailure(ctx context.Context, connectorID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	s, err := b.read(ctx, connectorID)
	if err != nil {
		return err
	}

	if s.State == contracts.CircuitHalfOpen {
		s.State = contracts.CircuitOpen
		s.OpenUntilEpoch = now.Add(b.cfg.Cooldown).Unix()
		s.HalfOpenProbeInFlight = false
		s.FailureCount = 0
		s.WindowStartEpoch = 0
		return b.write(ctx, connectorID, *s)
	}

	if s.WindowStartEpoch == 0 || now.Unix()-s.WindowStartEpoch > int64(b.cfg.Window.Seconds()) {
		s.WindowStartEpoch = now.Unix()
		s.FailureCount = 0
	}
	s.FailureCount++
	if s.FailureCount >= b.cfg.FailureThreshold {
		s.State = contracts.CircuitOpen
		s.OpenUntilEpoch = now.Add(b.cfg.Cooldown).Unix()
	}
	return b.write(ctx, connectorID, *s)
}

// State returns the current breaker state for a connector (read-only,
// diagnostics/testing).
func (b *Breaker) State(ctx context.Context, connectorID string) (contracts.CircuitState, error) {
	s, err := b.read(ctx, connectorID)
	if err != nil {
		return "", err
	}
	return s.State, nil
}
