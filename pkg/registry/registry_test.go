package registry

import (
	"errors"
	"testing"

	"github.com/actionexec/core/pkg/contracts"
	"github.com/actionexec/core/pkg/kvstore"
)

func seedEntry(actionType, toolName string) contracts.RegistryEntry {
	return contracts.RegistryEntry{
		ActionType:           actionType,
		ToolName:             toolName,
		ToolSchemaVersion:    "1.0.0",
		RiskClass:            contracts.RiskLow,
		CompensationStrategy: contracts.CompensationAutomatic,
		ParameterMapping: []contracts.ParameterMapping{
			{SourceField: "title", TargetField: "title", Transform: contracts.TransformPassthrough, Required: true},
			{SourceField: "description", TargetField: "description", Transform: contracts.TransformPassthrough, Required: false},
		},
	}
}

func TestInMemoryRegistry_LatestVersionSelection(t *testing.T) {
	r := NewInMemoryRegistry()
	if _, err := r.Register(seedEntry("CREATE_CRM_TASK", "crm.create_task")); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	if _, err := r.Register(seedEntry("CREATE_CRM_TASK", "crm.create_task_v2")); err != nil {
		t.Fatalf("register v2: %v", err)
	}

	latest, err := r.GetMapping("CREATE_CRM_TASK", nil)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.RegistryVersion != 2 || latest.ToolName != "crm.create_task_v2" {
		t.Fatalf("expected v2 as latest, got %+v", latest)
	}

	one := 1
	v1, err := r.GetMapping("CREATE_CRM_TASK", &one)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if v1.ToolName != "crm.create_task" {
		t.Fatalf("expected v1 tool name, got %+v", v1)
	}
}

func TestMapParameters_RequiredFieldMissing(t *testing.T) {
	entry := seedEntry("CREATE_INTERNAL_TASK", "internal.create_task")
	_, err := MapParameters(&entry, map[string]any{"description": "y"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestMapParameters_TransformsAndDropsExtras(t *testing.T) {
	entry := seedEntry("CREATE_INTERNAL_TASK", "internal.create_task")
	entry.ParameterMapping = append(entry.ParameterMapping, contracts.ParameterMapping{
		SourceField: "status", TargetField: "status_code", Transform: contracts.TransformUppercase,
	})
	args, err := MapParameters(&entry, map[string]any{
		"title": "x", "description": "y", "status": "open", "extraneous": "drop-me",
	})
	if err != nil {
		t.Fatalf("map parameters: %v", err)
	}
	if args["title"] != "x" || args["description"] != "y" || args["status_code"] != "OPEN" {
		t.Fatalf("unexpected mapped args: %+v", args)
	}
	if _, ok := args["extraneous"]; ok {
		t.Fatalf("expected extraneous source field to be dropped")
	}
}

func TestPostgresRegistry_OverKVStore_LatestVersionSelection(t *testing.T) {
	store := kvstore.NewMemoryStore()
	r := NewPostgresRegistry(store)

	if _, err := r.Register(seedEntry("CREATE_CRM_TASK", "crm.create_task")); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	if _, err := r.Register(seedEntry("CREATE_CRM_TASK", "crm.create_task_v2")); err != nil {
		t.Fatalf("register v2: %v", err)
	}

	latest, err := r.GetMapping("CREATE_CRM_TASK", nil)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.RegistryVersion != 2 {
		t.Fatalf("expected registry_version 2, got %d", latest.RegistryVersion)
	}
}
