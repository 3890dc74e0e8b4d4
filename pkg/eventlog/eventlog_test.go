package eventlog

import (
	"context"
	"testing"

	"github.com/actionexec/core/pkg/contracts"
	"github.com/actionexec/core/pkg/kvstore"
)

func TestLog_AppendAndByTrace(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	log := New(store, nil)

	err := log.Append(ctx, contracts.EventRecord{
		EventType: contracts.EventExecutionStarted,
		TenantID:  "t1",
		AccountID: "a1",
		TraceID:   "exec_trace_1",
		Data:      map[string]any{"action_intent_id": "ai_1"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := log.ByTrace(ctx, "exec_trace_1", 10)
	if err != nil {
		t.Fatalf("by trace: %v", err)
	}
	if len(events) != 1 || events[0].EventType != contracts.EventExecutionStarted {
		t.Fatalf("expected one EXECUTION_STARTED event, got %+v", events)
	}
}
