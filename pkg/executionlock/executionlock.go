// Package executionlock implements the execution-attempt lock (C5): the
// exactly-once start guarantee and controlled rerun on top of the KV
// store's conditional writes. The lock does not use in-process mutexes —
// the KV store is the sole authority, so correctness holds on any worker
// topology (§9).
package executionlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/actionexec/core/pkg/contracts"
	"github.com/actionexec/core/pkg/kvstore"
)

// ErrAlreadyInProgress is raised when a second Start targets an intent
// whose attempt is currently RUNNING (I5).
var ErrAlreadyInProgress = errors.New("executionlock: execution already in progress")

// ErrAlreadyCompleted is raised when Start targets a terminal attempt
// without allow_rerun (I6) — the normal-path safety net against duplicate
// delivery of start events.
var ErrAlreadyCompleted = errors.New("executionlock: execution already completed")

// ErrRaceCondition is raised when the existing record vanishes between the
// failed create and the follow-up read (TTL expiry or admin deletion
// racing the start). Never retried silently.
var ErrRaceCondition = errors.New("executionlock: race condition — attempt record vanished mid-start")

// ErrNotRunning is raised by UpdateStatus when the attempt is not currently
// RUNNING; a correctness alarm, never a retryable I/O error.
var ErrNotRunning = errors.New("executionlock: cannot transition; current status is not RUNNING")

// AttemptTTLBuffer is added to the orchestration timeout to compute the
// lock's TTL, guarding against mid-backoff deletion (§3.1).
const AttemptTTLBuffer = 15 * time.Minute

// Lock is the execution-attempt lock over a KV store.
type Lock struct {
	store kvstore.Store
}

// New wraps a KV store for the execution-attempt lock, keyed per §3.2:
// pk = TENANT#<t>#ACCOUNT#<a>, sk = EXECUTION#<id>.
func New(store kvstore.Store) *Lock {
	return &Lock{store: store}
}

func attemptPK(tenantID, accountID string) string {
	return fmt.Sprintf("TENANT#%s#ACCOUNT#%s", tenantID, accountID)
}
func attemptSK(intentID string) string { return "EXECUTION#" + intentID }

// StartAttempt implements §4.5's three-way branch: create on first start,
// reject a duplicate start on a RUNNING attempt, and allow a terminal
// attempt to be restarted only when allow_rerun is set.
func (l *Lock) StartAttempt(ctx context.Context, intentID, tenantID, accountID, executionTraceID, idempotencyKey string, orchestrationTimeout time.Duration, allowRerun bool) (*contracts.ExecutionAttempt, error) {
	pk := attemptPK(tenantID, accountID)
	sk := attemptSK(intentID)

	now := time.Now()
	ttl := now.Add(orchestrationTimeout).Add(AttemptTTLBuffer).Unix()
	attemptID := uuid.NewString()

	fresh := contracts.ExecutionAttempt{
		IntentID:       intentID,
		TenantID:       tenantID,
		AccountID:      accountID,
		Status:         contracts.AttemptRunning,
		AttemptCount:   1,
		LastAttemptID:  attemptID,
		IdempotencyKey: idempotencyKey,
		StartedAt:      now,
		UpdatedAt:      now,
		TraceID:        executionTraceID,
		TTLEpoch:       ttl,
	}

	err := l.store.PutConditional(ctx, toItem(fresh), kvstore.Condition{RequireNotExists: true})
	if err == nil {
		return &fresh, nil
	}
	if !errors.Is(err, kvstore.ErrConditionFailed) {
		return nil, err
	}

	existing, err := l.store.Get(ctx, pk, sk)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrRaceCondition
	}
	if err != nil {
		return nil, err
	}
	current := itemToAttempt(*existing)

	if current.Status == contracts.AttemptRunning {
		return nil, ErrAlreadyInProgress
	}
	if !current.Status.IsTerminal() {
		return nil, fmt.Errorf("executionlock: unexpected non-terminal status %q", current.Status)
	}
	if !allowRerun {
		return nil, ErrAlreadyCompleted
	}

	mut := kvstore.Mutation{
		Set: map[string]any{
			"status":          string(contracts.AttemptRunning),
			"attempt_count":   current.AttemptCount + 1,
			"last_attempt_id": attemptID,
			"idempotency_key": idempotencyKey,
			"started_at":      now.Format(time.RFC3339Nano),
			"updated_at":      now.Format(time.RFC3339Nano),
			"trace_id":        executionTraceID,
		},
		Remove:   []string{"last_error_class"},
		TTLEpoch: &ttl,
	}
	cond := kvstore.Condition{AttrIn: map[string][]any{
		"status": {string(contracts.AttemptSucceeded), string(contracts.AttemptFailed), string(contracts.AttemptCancelled)},
	}}
	if err := l.store.UpdateConditional(ctx, pk, sk, mut, cond); err != nil {
		if errors.Is(err, kvstore.ErrConditionFailed) {
			return nil, ErrAlreadyInProgress
		}
		return nil, err
	}

	updated, err := l.store.Get(ctx, pk, sk)
	if err != nil {
		return nil, err
	}
	result := itemToAttempt(*updated)
	return &result, nil
}

// UpdateStatus transitions a RUNNING attempt to a terminal status,
// gated on the current status still being RUNNING (§4.5).
func (l *Lock) UpdateStatus(ctx context.Context, intentID, tenantID, accountID string, terminal contracts.AttemptStatus, errorClass string) error {
	if !terminal.IsTerminal() {
		return fmt.Errorf("executionlock: %q is not a terminal status", terminal)
	}
	pk := attemptPK(tenantID, accountID)
	sk := attemptSK(intentID)

	set := map[string]any{
		"status":     string(terminal),
		"updated_at": time.Now().Format(time.RFC3339Nano),
	}
	if errorClass != "" {
		set["last_error_class"] = errorClass
	}
	mut := kvstore.Mutation{Set: set}
	cond := kvstore.Condition{AttrEquals: map[string]any{"status": string(contracts.AttemptRunning)}}

	err := l.store.UpdateConditional(ctx, pk, sk, mut, cond)
	if errors.Is(err, kvstore.ErrConditionFailed) {
		return ErrNotRunning
	}
	return err
}

// Get reads the current attempt, if any.
func (l *Lock) Get(ctx context.Context, intentID, tenantID, accountID string) (*contracts.ExecutionAttempt, error) {
	it, err := l.store.Get(ctx, attemptPK(tenantID, accountID), attemptSK(intentID))
	if err != nil {
		return nil, err
	}
	a := itemToAttempt(*it)
	return &a, nil
}

func toItem(a contracts.ExecutionAttempt) kvstore.Item {
	return kvstore.Item{
		PK: attemptPK(a.TenantID, a.AccountID),
		SK: attemptSK(a.IntentID),
		Attributes: map[string]any{
			"action_intent_id": a.IntentID,
			"tenant_id":        a.TenantID,
			"account_id":       a.AccountID,
			"status":           string(a.Status),
			"attempt_count":    a.AttemptCount,
			"last_attempt_id":  a.LastAttemptID,
			"idempotency_key":  a.IdempotencyKey,
			"started_at":       a.StartedAt.Format(time.RFC3339Nano),
			"updated_at":       a.UpdatedAt.Format(time.RFC3339Nano),
			"trace_id":         a.TraceID,
		},
		TTLEpoch: a.TTLEpoch,
	}
}

func itemToAttempt(it kvstore.Item) contracts.ExecutionAttempt {
	get := func(k string) string {
		v, _ := it.Attr(k)
		s, _ := v.(string)
		return s
	}
	count := 0
	if v, ok := it.Attr("attempt_count"); ok {
		switch n := v.(type) {
		case int:
			count = n
		case float64:
			count = int(n)
		}
	}
	startedAt, _ := time.Parse(time.RFC3339Nano, get("started_at"))
	updatedAt, _ := time.Parse(time.RFC3339Nano, get("updated_at"))
	return contracts.ExecutionAttempt{
		IntentID:       get("action_intent_id"),
		TenantID:       get("tenant_id"),
		AccountID:      get("account_id"),
		Status:         contracts.AttemptStatus(get("status")),
		AttemptCount:   count,
		LastAttemptID:  get("last_attempt_id"),
		IdempotencyKey: get("idempotency_key"),
		StartedAt:      startedAt,
		UpdatedAt:      updatedAt,
		TraceID:        get("trace_id"),
		TTLEpoch:       it.TTLEpoch,
		LastErrorClass: get("last_error_class"),
	}
}
