// Package registry implements the versioned action-type registry (C3): a
// mapping from (action_type, registry_version) to a tool descriptor and
// parameter transforms. "Latest" always means the numerically highest
// registry_version, never the most recently written row (I3); entries are
// immutable once written (I4).
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/actionexec/core/pkg/contracts"
)

// ErrNotFound is returned when no entry exists for the requested
// (action_type, version).
var ErrNotFound = errors.New("registry: mapping not found")

// ErrAlreadyExists is returned by Register on a direct version collision
// (entries are immutable once written, I4).
var ErrAlreadyExists = errors.New("registry: entry already exists")

// ValidationError reports a MapParameters failure for a missing required
// source field.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Registry is the action-type registry contract (C3).
type Registry interface {
	// GetMapping returns the entry for action_type. If version is nil, the
	// entry with the numerically greatest registry_version is returned.
	GetMapping(actionType string, version *int) (*contracts.RegistryEntry, error)
	// Register assigns registry_version = max+1 (1 if none exist) and
	// creates the entry. Creation is conditional on absence.
	Register(entry contracts.RegistryEntry) (*contracts.RegistryEntry, error)
}

// MapParameters applies entry's parameter_mapping to params, producing the
// tool_args object sent to the gateway (§4.3).
func MapParameters(entry *contracts.RegistryEntry, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(entry.ParameterMapping))
	for _, m := range entry.ParameterMapping {
		value, present := params[m.SourceField]
		if !present || value == nil {
			if m.Required {
				return nil, &ValidationError{
					Code:    "MISSING_REQUIRED_PARAMETER",
					Message: fmt.Sprintf("required parameter %q is missing", m.SourceField),
				}
			}
			continue
		}
		out[m.TargetField] = applyTransform(m.Transform, value)
	}
	return out, nil
}

func applyTransform(t contracts.Transform, value any) any {
	switch t {
	case contracts.TransformUppercase:
		return strings.ToUpper(fmt.Sprintf("%v", value))
	case contracts.TransformLowercase:
		return strings.ToLower(fmt.Sprintf("%v", value))
	default:
		return value
	}
}

// InMemoryRegistry is a thread-safe in-memory Registry, used by unit tests
// and single-process deployments.
type InMemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]map[int]contracts.RegistryEntry // action_type -> version -> entry
}

// NewInMemoryRegistry builds an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{entries: make(map[string]map[int]contracts.RegistryEntry)}
}

func (r *InMemoryRegistry) GetMapping(actionType string, version *int) (*contracts.RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.entries[actionType]
	if !ok || len(versions) == 0 {
		return nil, ErrNotFound
	}
	if version != nil {
		e, ok := versions[*version]
		if !ok {
			return nil, ErrNotFound
		}
		cp := e
		return &cp, nil
	}
	best := -1
	for v := range versions {
		if v > best {
			best = v
		}
	}
	cp := versions[best]
	return &cp, nil
}

func (r *InMemoryRegistry) Register(entry contracts.RegistryEntry) (*contracts.RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.entries[entry.ActionType]
	if !ok {
		versions = make(map[int]contracts.RegistryEntry)
		r.entries[entry.ActionType] = versions
	}
	next := 1
	for v := range versions {
		if v+1 > next {
			next = v + 1
		}
	}
	entry.RegistryVersion = next
	if _, exists := versions[next]; exists {
		return nil, ErrAlreadyExists
	}
	versions[next] = entry
	cp := entry
	return &cp, nil
}
