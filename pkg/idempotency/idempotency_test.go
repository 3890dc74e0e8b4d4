package idempotency

import (
	"context"
	"errors"
	"testing"

	"github.com/actionexec/core/pkg/contracts"
	"github.com/actionexec/core/pkg/kvstore"
)

func TestExecutionKey_SameIntentSameParams_SameKey(t *testing.T) {
	params := map[string]any{"title": "x", "description": "y"}
	k1, err := ExecutionKey("t1", "ai_1", "internal.create_task", params, 1)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	k2, err := ExecutionKey("t1", "ai_1", "internal.create_task", map[string]any{"description": "y", "title": "x"}, 1)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected reordered-key params to hash identically")
	}
}

func TestExecutionKey_DifferentIntent_DifferentKey(t *testing.T) {
	params := map[string]any{"title": "x"}
	k1, _ := ExecutionKey("t1", "ai_1", "internal.create_task", params, 1)
	k2, _ := ExecutionKey("t1", "ai_2", "internal.create_task", params, 1)
	if k1 == k2 {
		t.Fatalf("expected distinct intents to hash differently")
	}
}

func TestDedupeStore_RecordThenReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	d := NewDedupeStore(store)

	refs := []contracts.ExternalObjectRef{{System: "CRM", ObjectType: "Task", ObjectID: "T1"}}
	if err := d.RecordExternalWrite(ctx, "idem-key", refs, "ai_1", "crm.create_task"); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := d.RecordExternalWrite(ctx, "idem-key", refs, "ai_1", "crm.create_task"); err != nil {
		t.Fatalf("expected replay to succeed silently, got %v", err)
	}
}

func TestDedupeStore_CollisionOnDifferentRefs(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	d := NewDedupeStore(store)

	first := []contracts.ExternalObjectRef{{System: "CRM", ObjectType: "Task", ObjectID: "T1"}}
	second := []contracts.ExternalObjectRef{{System: "CRM", ObjectType: "Task", ObjectID: "T2"}}

	if err := d.RecordExternalWrite(ctx, "idem-key", first, "ai_1", "crm.create_task"); err != nil {
		t.Fatalf("first record: %v", err)
	}
	err := d.RecordExternalWrite(ctx, "idem-key", second, "ai_1", "crm.create_task")
	if !errors.Is(err, ErrCollision) {
		t.Fatalf("expected ErrCollision, got %v", err)
	}
}
