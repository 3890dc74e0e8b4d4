package envelope

import "testing"

func TestValidate_StartRejectsUnknownFields(t *testing.T) {
	ok := []byte(`{"action_intent_id":"ai_1","tenant_id":"t1","account_id":"a1"}`)
	if err := Validate(StepStart, ok); err != nil {
		t.Fatalf("expected valid envelope to pass, got %v", err)
	}

	bad := []byte(`{"action_intent_id":"ai_1","tenant_id":"t1","account_id":"a1","extra_field":"nope"}`)
	if err := Validate(StepStart, bad); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestValidate_StartRejectsMissingRequired(t *testing.T) {
	bad := []byte(`{"action_intent_id":"ai_1","tenant_id":"t1"}`)
	if err := Validate(StepStart, bad); err == nil {
		t.Fatal("expected missing account_id to be rejected")
	}
}

func TestValidate_MapActionToTool(t *testing.T) {
	ok := []byte(`{
		"action_intent_id":"ai_1","tenant_id":"t1","account_id":"a1","trace_id":"tr_1",
		"gateway_url":"https://gw.example/invoke","tool_name":"crm.update_contact",
		"tool_arguments":{"id":"123"},"tool_schema_version":"1.0.0",
		"registry_version":1,"compensation_strategy":"NONE",
		"idempotency_key":"abc","attempt_count":1,"started_at":"2026-07-30T00:00:00Z"
	}`)
	if err := Validate(StepMapActionToTool, ok); err != nil {
		t.Fatalf("expected valid envelope to pass, got %v", err)
	}
}
