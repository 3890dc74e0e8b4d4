package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/actionexec/core/pkg/contracts"
	"github.com/actionexec/core/pkg/kvstore"
)

// PostgresRegistry is a KV-store-backed Registry keyed per §3.2:
// pk = ACTION_TYPE#<type>, sk = REGISTRY_VERSION#<n>. GetMapping(type, nil)
// range-scans the partition descending by the numeric registry_version and
// returns the head — the same "fetch all versions, pick the winner" shape
// the bundle registry used, but sorting by the monotonic integer version
// per I3 rather than by semver comparison (tool_schema_version is parsed
// with Masterminds/semver/v3 only to validate the tool contract version on
// read, never to decide "latest").
type PostgresRegistry struct {
	store kvstore.Store
}

// NewPostgresRegistry wraps a KV store for the action-type registry.
func NewPostgresRegistry(store kvstore.Store) *PostgresRegistry {
	return &PostgresRegistry{store: store}
}

func registryPK(actionType string) string { return "ACTION_TYPE#" + actionType }
func registrySK(version int) string       { return fmt.Sprintf("REGISTRY_VERSION#%010d", version) }

func entryToItem(entry contracts.RegistryEntry) (kvstore.Item, error) {
	mappingJSON, err := json.Marshal(entry.ParameterMapping)
	if err != nil {
		return kvstore.Item{}, fmt.Errorf("registry: marshal parameter_mapping: %w", err)
	}
	scopesJSON, err := json.Marshal(entry.RequiredScopes)
	if err != nil {
		return kvstore.Item{}, fmt.Errorf("registry: marshal required_scopes: %w", err)
	}
	return kvstore.Item{
		PK: registryPK(entry.ActionType),
		SK: registrySK(entry.RegistryVersion),
		Attributes: map[string]any{
			"action_type":           entry.ActionType,
			"registry_version":      entry.RegistryVersion,
			"tool_name":             entry.ToolName,
			"tool_schema_version":   entry.ToolSchemaVersion,
			"required_scopes":       string(scopesJSON),
			"risk_class":            string(entry.RiskClass),
			"compensation_strategy": string(entry.CompensationStrategy),
			"parameter_mapping":     string(mappingJSON),
		},
	}, nil
}

func itemToEntry(it kvstore.Item) (*contracts.RegistryEntry, error) {
	e := &contracts.RegistryEntry{}
	if v, ok := it.Attr("action_type"); ok {
		e.ActionType, _ = v.(string)
	}
	if v, ok := it.Attr("registry_version"); ok {
		switch n := v.(type) {
		case int:
			e.RegistryVersion = n
		case float64:
			e.RegistryVersion = int(n)
		}
	}
	if v, ok := it.Attr("tool_name"); ok {
		e.ToolName, _ = v.(string)
	}
	if v, ok := it.Attr("tool_schema_version"); ok {
		e.ToolSchemaVersion, _ = v.(string)
	}
	if v, ok := it.Attr("risk_class"); ok {
		s, _ := v.(string)
		e.RiskClass = contracts.RiskClass(s)
	}
	if v, ok := it.Attr("compensation_strategy"); ok {
		s, _ := v.(string)
		e.CompensationStrategy = contracts.CompensationStrategy(s)
	}
	if v, ok := it.Attr("required_scopes"); ok {
		if s, ok := v.(string); ok && s != "" {
			_ = json.Unmarshal([]byte(s), &e.RequiredScopes)
		}
	}
	if v, ok := it.Attr("parameter_mapping"); ok {
		if s, ok := v.(string); ok && s != "" {
			_ = json.Unmarshal([]byte(s), &e.ParameterMapping)
		}
	}
	// tool_schema_version must parse as semver; a malformed value is
	// tolerated on read (the entry still resolves) but reported so callers
	// can alert on drift between the registry and the tool gateway.
	if e.ToolSchemaVersion != "" {
		if _, err := semver.NewVersion(e.ToolSchemaVersion); err != nil {
			return e, fmt.Errorf("registry: tool_schema_version %q is not valid semver: %w", e.ToolSchemaVersion, err)
		}
	}
	return e, nil
}

func (r *PostgresRegistry) GetMapping(actionType string, version *int) (*contracts.RegistryEntry, error) {
	ctx := context.Background()
	if version != nil {
		it, err := r.store.Get(ctx, registryPK(actionType), registrySK(*version))
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return itemToEntry(*it)
	}

	items, err := r.store.Query(ctx, registryPK(actionType), kvstore.QueryOptions{SKPrefix: "REGISTRY_VERSION#", Forward: false, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return itemToEntry(items[0])
}

func (r *PostgresRegistry) Register(entry contracts.RegistryEntry) (*contracts.RegistryEntry, error) {
	existing, err := r.GetMapping(entry.ActionType, nil)
	next := 1
	if err == nil && existing != nil {
		next = existing.RegistryVersion + 1
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	entry.RegistryVersion = next

	item, err := entryToItem(entry)
	if err != nil {
		return nil, err
	}
	if err := r.store.PutConditional(context.Background(), item, kvstore.Condition{RequireNotExists: true}); err != nil {
		if errors.Is(err, kvstore.ErrConditionFailed) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	cp := entry
	return &cp, nil
}
