package executionlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/actionexec/core/pkg/contracts"
	"github.com/actionexec/core/pkg/kvstore"
)

func TestStartAttempt_HappyPath(t *testing.T) {
	ctx := context.Background()
	l := New(kvstore.NewMemoryStore())

	attempt, err := l.StartAttempt(ctx, "ai_1", "t1", "a1", "exec_trace_1", "idem-key", time.Hour, false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if attempt.Status != contracts.AttemptRunning || attempt.AttemptCount != 1 {
		t.Fatalf("unexpected attempt: %+v", attempt)
	}
}

func TestStartAttempt_DoubleStartWhileRunning(t *testing.T) {
	ctx := context.Background()
	l := New(kvstore.NewMemoryStore())

	if _, err := l.StartAttempt(ctx, "ai_1", "t1", "a1", "exec_trace_1", "idem-key", time.Hour, false); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := l.StartAttempt(ctx, "ai_1", "t1", "a1", "exec_trace_2", "idem-key", time.Hour, false)
	if !errors.Is(err, ErrAlreadyInProgress) {
		t.Fatalf("expected ErrAlreadyInProgress, got %v", err)
	}
}

func TestStartAttempt_TerminalWithoutRerunRejected(t *testing.T) {
	ctx := context.Background()
	l := New(kvstore.NewMemoryStore())

	if _, err := l.StartAttempt(ctx, "ai_1", "t1", "a1", "exec_trace_1", "idem-key", time.Hour, false); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l.UpdateStatus(ctx, "ai_1", "t1", "a1", contracts.AttemptSucceeded, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}

	_, err := l.StartAttempt(ctx, "ai_1", "t1", "a1", "exec_trace_2", "idem-key", time.Hour, false)
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
}

func TestStartAttempt_AllowRerunIncrementsCountAndClearsError(t *testing.T) {
	ctx := context.Background()
	l := New(kvstore.NewMemoryStore())

	if _, err := l.StartAttempt(ctx, "ai_1", "t1", "a1", "exec_trace_1", "idem-key", time.Hour, false); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l.UpdateStatus(ctx, "ai_1", "t1", "a1", contracts.AttemptFailed, "DOWNSTREAM"); err != nil {
		t.Fatalf("update status: %v", err)
	}

	attempt, err := l.StartAttempt(ctx, "ai_1", "t1", "a1", "exec_trace_2", "idem-key-2", time.Hour, true)
	if err != nil {
		t.Fatalf("rerun start: %v", err)
	}
	if attempt.AttemptCount != 2 {
		t.Fatalf("expected attempt_count 2, got %d", attempt.AttemptCount)
	}
	if attempt.LastErrorClass != "" {
		t.Fatalf("expected last_error_class cleared, got %q", attempt.LastErrorClass)
	}
}

func TestUpdateStatus_NotRunningIsCorrectnessAlarm(t *testing.T) {
	ctx := context.Background()
	l := New(kvstore.NewMemoryStore())

	if _, err := l.StartAttempt(ctx, "ai_1", "t1", "a1", "exec_trace_1", "idem-key", time.Hour, false); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l.UpdateStatus(ctx, "ai_1", "t1", "a1", contracts.AttemptSucceeded, ""); err != nil {
		t.Fatalf("first update: %v", err)
	}
	err := l.UpdateStatus(ctx, "ai_1", "t1", "a1", contracts.AttemptFailed, "")
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}
