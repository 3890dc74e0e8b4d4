// Package envelope validates the JSON envelopes exchanged between
// orchestration steps (§6.1) against compiled JSON Schemas with
// additionalProperties:false, so unknown fields are rejected rather than
// silently ignored.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Step names, used as schema resource URLs and as the key into the compiled
// schema cache.
const (
	StepStart            = "start"
	StepValidatePreflight = "validate_preflight"
	StepMapActionToTool   = "map_action_to_tool"
	StepRecordFailure     = "record_failure"
)

var rawSchemas = map[string]string{
	StepStart: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action_intent_id", "tenant_id", "account_id"],
		"properties": {
			"action_intent_id": {"type": "string", "minLength": 1},
			"tenant_id": {"type": "string", "minLength": 1},
			"account_id": {"type": "string", "minLength": 1}
		}
	}`,
	StepValidatePreflight: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action_intent_id", "tenant_id", "account_id", "trace_id", "idempotency_key", "attempt_count", "started_at"],
		"properties": {
			"action_intent_id": {"type": "string"},
			"tenant_id": {"type": "string"},
			"account_id": {"type": "string"},
			"trace_id": {"type": "string"},
			"idempotency_key": {"type": "string"},
			"registry_version": {"type": ["integer", "null"]},
			"attempt_count": {"type": "integer"},
			"started_at": {"type": "string"},
			"validation_result": {"type": "string"},
			"approval_source": {"type": "string", "enum": ["HUMAN", "POLICY", ""]},
			"auto_executed": {"type": ["boolean", "string", "null"]}
		}
	}`,
	StepMapActionToTool: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action_intent_id", "tenant_id", "account_id", "trace_id", "gateway_url", "tool_name", "tool_arguments", "tool_schema_version", "registry_version", "compensation_strategy", "idempotency_key", "attempt_count", "started_at"],
		"properties": {
			"action_intent_id": {"type": "string"},
			"tenant_id": {"type": "string"},
			"account_id": {"type": "string"},
			"trace_id": {"type": "string"},
			"gateway_url": {"type": "string"},
			"tool_name": {"type": "string"},
			"tool_arguments": {"type": "object"},
			"tool_schema_version": {"type": "string"},
			"registry_version": {"type": ["integer", "null"]},
			"compensation_strategy": {"type": "string"},
			"idempotency_key": {"type": "string"},
			"attempt_count": {"type": "integer"},
			"started_at": {"type": "string"}
		}
	}`,
	// RecordFailure accepts the failed step's own envelope plus an error
	// shape; extra keys from upstream state are tolerated here only in the
	// sense that the error object's fields are both optional (§6.1).
	StepRecordFailure: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action_intent_id", "tenant_id", "account_id"],
		"properties": {
			"action_intent_id": {"type": "string"},
			"tenant_id": {"type": "string"},
			"account_id": {"type": "string"},
			"trace_id": {"type": "string"},
			"idempotency_key": {"type": "string"},
			"registry_version": {"type": ["integer", "null"]},
			"attempt_count": {"type": "integer"},
			"started_at": {"type": "string"},
			"error": {
				"type": "object",
				"additionalProperties": false,
				"properties": {
					"Error": {"type": "string"},
					"Cause": {"type": "string"}
				}
			}
		}
	}`,
}

var compiled map[string]*jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	compiled = make(map[string]*jsonschema.Schema, len(rawSchemas))
	for step, raw := range rawSchemas {
		url := "mem://" + step + ".json"
		if err := compiler.AddResource(url, bytes.NewReader([]byte(raw))); err != nil {
			panic(fmt.Sprintf("envelope: invalid built-in schema for %q: %v", step, err))
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("envelope: failed to compile schema for %q: %v", step, err))
		}
		compiled[step] = schema
	}
}

// Validate checks raw JSON against the named step's strict schema. Unknown
// fields and missing required fields both fail validation.
func Validate(step string, raw []byte) error {
	schema, ok := compiled[step]
	if !ok {
		return fmt.Errorf("envelope: unknown step %q", step)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("envelope: invalid JSON: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("envelope: %s schema validation failed: %w", step, err)
	}
	return nil
}
