package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/actionexec/core/pkg/contracts"
)

func writeSeedFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	return path
}

func TestLoadRegistrySeed_Basic(t *testing.T) {
	path := writeSeedFile(t, `
entries:
  - action_type: crm.update_contact
    tool_name: crm.update_contact_v1
    tool_schema_version: "1.0.0"
    risk_class: LOW
    compensation_strategy: AUTOMATIC
    parameter_mapping:
      - source_field: contact_id
        target_field: id
        required: true
`)
	entries, err := LoadRegistrySeed(path)
	if err != nil {
		t.Fatalf("LoadRegistrySeed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ActionType != "crm.update_contact" {
		t.Errorf("expected action_type crm.update_contact, got %q", e.ActionType)
	}
	if e.RiskClass != contracts.RiskLow {
		t.Errorf("expected risk_class LOW, got %q", e.RiskClass)
	}
	if e.CompensationStrategy != contracts.CompensationAutomatic {
		t.Errorf("expected AUTOMATIC, got %q", e.CompensationStrategy)
	}
	if len(e.ParameterMapping) != 1 || e.ParameterMapping[0].Transform != contracts.TransformPassthrough {
		t.Fatalf("expected one passthrough mapping, got %+v", e.ParameterMapping)
	}
	if e.RegistryVersion != 0 {
		t.Errorf("expected seed entries to leave registry_version unassigned, got %d", e.RegistryVersion)
	}
}

func TestLoadRegistrySeed_MultipleVersionsPreserveOrder(t *testing.T) {
	path := writeSeedFile(t, `
entries:
  - action_type: crm.update_contact
    tool_name: crm.update_contact_v1
    tool_schema_version: "1.0.0"
    risk_class: LOW
    compensation_strategy: NONE
    parameter_mapping: []
  - action_type: crm.update_contact
    tool_name: crm.update_contact_v2
    tool_schema_version: "2.0.0"
    risk_class: LOW
    compensation_strategy: NONE
    parameter_mapping: []
`)
	entries, err := LoadRegistrySeed(path)
	if err != nil {
		t.Fatalf("LoadRegistrySeed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ToolName != "crm.update_contact_v1" || entries[1].ToolName != "crm.update_contact_v2" {
		t.Errorf("expected seed order v1 then v2, got %q then %q", entries[0].ToolName, entries[1].ToolName)
	}
}

func TestLoadRegistrySeed_MissingRequiredField(t *testing.T) {
	path := writeSeedFile(t, `
entries:
  - tool_name: crm.update_contact_v1
    risk_class: LOW
`)
	if _, err := LoadRegistrySeed(path); err == nil {
		t.Error("expected error for entry missing action_type")
	}
}

func TestLoadRegistrySeed_FileNotFound(t *testing.T) {
	if _, err := LoadRegistrySeed(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing seed file")
	}
}

func TestLoadRegistrySeed_UppercaseTransform(t *testing.T) {
	path := writeSeedFile(t, `
entries:
  - action_type: email.send
    tool_name: email.send_v1
    tool_schema_version: "1.0.0"
    risk_class: MEDIUM
    compensation_strategy: MANUAL
    parameter_mapping:
      - source_field: region
        target_field: region_code
        transform: UPPERCASE
        required: false
`)
	entries, err := LoadRegistrySeed(path)
	if err != nil {
		t.Fatalf("LoadRegistrySeed: %v", err)
	}
	if entries[0].ParameterMapping[0].Transform != contracts.TransformUppercase {
		t.Errorf("expected UPPERCASE transform, got %q", entries[0].ParameterMapping[0].Transform)
	}
}
