// Package killswitch implements the kill-switch policy (C7): a process-wide
// emergency-stop flag plus per-tenant enable/disable and per-action-type
// disablement. The emergency-stop flag is the one piece of global mutable
// state permitted in the core, read once from the process environment (§9).
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/actionexec/core/pkg/kvstore"
)

// TenantConfig is the per-tenant execution policy.
type TenantConfig struct {
	TenantID            string
	ExecutionEnabled    bool
	DisabledActionTypes []string
}

// Policy implements IsExecutionEnabled (§4.7).
type Policy struct {
	store          kvstore.Store
	emergencyStop  atomic.Bool
}

// New wires a kill-switch policy over tenant configs stored in store. The
// emergency-stop flag is seeded from the EMERGENCY_STOP environment
// variable and can be flipped at runtime via SetEmergencyStop.
func New(store kvstore.Store) *Policy {
	p := &Policy{store: store}
	p.emergencyStop.Store(os.Getenv("EMERGENCY_STOP") == "true")
	return p
}

// SetEmergencyStop flips the process-wide flag (operator action, not tenant
// scoped).
func (p *Policy) SetEmergencyStop(enabled bool) { p.emergencyStop.Store(enabled) }

func tenantPK(tenantID string) string { return "TENANT#" + tenantID }
const tenantConfigSK = "KILL_SWITCH_CONFIG"

// IsExecutionEnabled implements §4.7's five-step resolution.
func (p *Policy) IsExecutionEnabled(ctx context.Context, tenantID string, actionType string) (bool, error) {
	if p.emergencyStop.Load() {
		return false, nil
	}

	cfg, err := p.getTenantConfig(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if cfg == nil {
		// Missing tenant config defaults to enabled with no disabled types.
		return true, nil
	}
	if !cfg.ExecutionEnabled {
		return false, nil
	}
	if actionType != "" {
		for _, disabled := range cfg.DisabledActionTypes {
			if disabled == actionType {
				return false, nil
			}
		}
	}
	return true, nil
}

func (p *Policy) getTenantConfig(ctx context.Context, tenantID string) (*TenantConfig, error) {
	it, err := p.store.Get(ctx, tenantPK(tenantID), tenantConfigSK)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	enabled := true
	if v, ok := it.Attr("execution_enabled"); ok {
		if b, ok := v.(bool); ok {
			enabled = b
		}
	}
	var disabled []string
	if v, ok := it.Attr("disabled_action_types"); ok {
		if list, ok := v.([]any); ok {
			for _, d := range list {
				if s, ok := d.(string); ok {
					disabled = append(disabled, s)
				}
			}
		}
	}
	return &TenantConfig{TenantID: tenantID, ExecutionEnabled: enabled, DisabledActionTypes: disabled}, nil
}

// SetTenantConfig upserts the tenant's execution policy.
func (p *Policy) SetTenantConfig(ctx context.Context, cfg TenantConfig) error {
	disabled := make([]any, 0, len(cfg.DisabledActionTypes))
	for _, d := range cfg.DisabledActionTypes {
		disabled = append(disabled, d)
	}
	item := kvstore.Item{
		PK: tenantPK(cfg.TenantID),
		SK: tenantConfigSK,
		Attributes: map[string]any{
			"execution_enabled":     cfg.ExecutionEnabled,
			"disabled_action_types": disabled,
		},
	}
	if err := p.store.PutConditional(ctx, item, kvstore.Condition{}); err != nil {
		return fmt.Errorf("killswitch: set tenant config: %w", err)
	}
	return nil
}
