package outcome

import (
	"context"
	"testing"
	"time"

	"github.com/actionexec/core/pkg/contracts"
	"github.com/actionexec/core/pkg/kvstore"
)

func TestRecord_WriteOnceReturnsExistingOnReplay(t *testing.T) {
	ctx := context.Background()
	s := New(kvstore.NewMemoryStore())

	o := contracts.ActionOutcome{
		IntentID: "ai_1", TenantID: "t1", AccountID: "a1",
		Status: contracts.OutcomeSucceeded, ToolName: "internal.create_task",
		ToolRunRef: "run_1", RegistryVersion: 1, CompletedAt: time.Now(),
	}
	first, err := s.Record(ctx, o)
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	dup := o
	dup.Status = contracts.OutcomeFailed // a conflicting second write attempt
	second, err := s.Record(ctx, dup)
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if second.Status != first.Status {
		t.Fatalf("expected write-once semantics: first=%s second=%s", first.Status, second.Status)
	}
}

func TestList_DescendingSortKeyOrder(t *testing.T) {
	ctx := context.Background()
	s := New(kvstore.NewMemoryStore())

	base := time.Now()
	_, _ = s.Record(ctx, contracts.ActionOutcome{IntentID: "ai_1", TenantID: "t1", AccountID: "a1", Status: contracts.OutcomeSucceeded, CompletedAt: base})
	_, _ = s.Record(ctx, contracts.ActionOutcome{IntentID: "ai_2", TenantID: "t1", AccountID: "a1", Status: contracts.OutcomeSucceeded, CompletedAt: base.Add(time.Minute)})

	items, err := s.List(ctx, "t1", "a1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].IntentID != "ai_2" {
		t.Fatalf("expected ai_2 first (newest sk), got %+v", items)
	}
}
