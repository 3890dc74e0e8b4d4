package killswitch

import (
	"context"
	"testing"

	"github.com/actionexec/core/pkg/kvstore"
)

func TestIsExecutionEnabled_DefaultsTrueWhenNoConfig(t *testing.T) {
	p := New(kvstore.NewMemoryStore())
	enabled, err := p.IsExecutionEnabled(context.Background(), "t1", "CREATE_INTERNAL_TASK")
	if err != nil || !enabled {
		t.Fatalf("expected enabled by default, got enabled=%v err=%v", enabled, err)
	}
}

func TestIsExecutionEnabled_EmergencyStopOverridesEverything(t *testing.T) {
	p := New(kvstore.NewMemoryStore())
	p.SetEmergencyStop(true)
	enabled, err := p.IsExecutionEnabled(context.Background(), "t1", "")
	if err != nil || enabled {
		t.Fatalf("expected disabled under emergency stop, got enabled=%v err=%v", enabled, err)
	}
}

func TestIsExecutionEnabled_PerActionTypeDisablement(t *testing.T) {
	ctx := context.Background()
	p := New(kvstore.NewMemoryStore())
	_ = p.SetTenantConfig(ctx, TenantConfig{TenantID: "t1", ExecutionEnabled: true, DisabledActionTypes: []string{"DELETE_RECORD"}})

	enabled, err := p.IsExecutionEnabled(ctx, "t1", "DELETE_RECORD")
	if err != nil || enabled {
		t.Fatalf("expected DELETE_RECORD disabled, got enabled=%v err=%v", enabled, err)
	}
	enabled, err = p.IsExecutionEnabled(ctx, "t1", "CREATE_INTERNAL_TASK")
	if err != nil || !enabled {
		t.Fatalf("expected CREATE_INTERNAL_TASK enabled, got enabled=%v err=%v", enabled, err)
	}
}
