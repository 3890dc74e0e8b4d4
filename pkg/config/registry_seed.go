package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/actionexec/core/pkg/contracts"
)

// RegistrySeedEntry is the YAML shape of one registry row in a seed file.
// It omits RegistryVersion, which Registry.Register assigns itself (I3/I4).
type RegistrySeedEntry struct {
	ActionType           string                         `yaml:"action_type"`
	ToolName             string                         `yaml:"tool_name"`
	ToolSchemaVersion    string                         `yaml:"tool_schema_version"`
	RequiredScopes       []string                       `yaml:"required_scopes,omitempty"`
	RiskClass            contracts.RiskClass            `yaml:"risk_class"`
	CompensationStrategy contracts.CompensationStrategy `yaml:"compensation_strategy"`
	ParameterMapping     []RegistrySeedMapping          `yaml:"parameter_mapping"`
}

// RegistrySeedMapping is the YAML shape of one parameter mapping row.
type RegistrySeedMapping struct {
	SourceField string `yaml:"source_field"`
	TargetField string `yaml:"target_field"`
	Transform   string `yaml:"transform,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
}

// RegistrySeedFile is the top-level shape of a registry seed YAML file.
// Entries are seeded in file order, so an action_type listed twice seeds
// version 1 then version 2 in the order written.
type RegistrySeedFile struct {
	Entries []RegistrySeedEntry `yaml:"entries"`
}

// LoadRegistrySeed reads a registry seed YAML file and converts each entry
// into a contracts.RegistryEntry ready to pass to Registry.Register.
func LoadRegistrySeed(path string) ([]contracts.RegistryEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry seed %q: %w", path, err)
	}

	var seed RegistrySeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse registry seed %q: %w", path, err)
	}

	entries := make([]contracts.RegistryEntry, 0, len(seed.Entries))
	for _, s := range seed.Entries {
		if s.ActionType == "" || s.ToolName == "" {
			return nil, fmt.Errorf("registry seed %q: entry missing action_type or tool_name", path)
		}
		mapping := make([]contracts.ParameterMapping, 0, len(s.ParameterMapping))
		for _, m := range s.ParameterMapping {
			transform := contracts.TransformPassthrough
			if m.Transform != "" {
				transform = contracts.Transform(m.Transform)
			}
			mapping = append(mapping, contracts.ParameterMapping{
				SourceField: m.SourceField,
				TargetField: m.TargetField,
				Transform:   transform,
				Required:    m.Required,
			})
		}
		entries = append(entries, contracts.RegistryEntry{
			ActionType:           s.ActionType,
			ToolName:             s.ToolName,
			ToolSchemaVersion:    s.ToolSchemaVersion,
			RequiredScopes:       s.RequiredScopes,
			RiskClass:            s.RiskClass,
			CompensationStrategy: s.CompensationStrategy,
			ParameterMapping:     mapping,
		})
	}
	return entries, nil
}
