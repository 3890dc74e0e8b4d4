// Package kvstore is the typed façade over a key-value store (C1): a single
// composite key (pk, sk), conditional writes, range queries over secondary
// indices, and per-item TTL. Every component above relies on
// ErrConditionFailed being observable and distinct from generic I/O errors.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the item does not exist (or has
// expired, for stores that honor TTL lazily on read).
var ErrNotFound = errors.New("kvstore: item not found")

// ErrConditionFailed is the sentinel distinguishing a failed conditional
// write from a generic I/O error. Every exactly-once guarantee in the
// execution pipeline is built on callers branching on this sentinel.
var ErrConditionFailed = errors.New("kvstore: condition failed")

// Item is one row: a composite key plus opaque attributes and an optional
// TTL (absolute unix seconds; zero means "no expiry").
type Item struct {
	PK         string
	SK         string
	Attributes map[string]any
	TTLEpoch   int64
}

// Attr reads a named attribute, returning ok=false if absent.
func (i Item) Attr(name string) (any, bool) {
	if i.Attributes == nil {
		return nil, false
	}
	v, ok := i.Attributes[name]
	return v, ok
}

// Expired reports whether the item's TTL has passed as of now.
func (i Item) Expired(now time.Time) bool {
	return i.TTLEpoch > 0 && i.TTLEpoch <= now.Unix()
}

// Condition is a boolean expression evaluated against the current item
// (nil if absent) before a write is allowed to proceed.
type Condition struct {
	// RequireNotExists demands the key be absent (used for create-if-absent).
	RequireNotExists bool
	// RequireExists demands the key be present.
	RequireExists bool
	// AttrEquals demands every named attribute equal the given value on the
	// existing item.
	AttrEquals map[string]any
	// AttrIn demands the named attribute's current value be a member of the
	// given set.
	AttrIn map[string][]any
}

// Evaluate applies the condition against the current item, where existing
// is nil when the key does not exist.
func (c Condition) Evaluate(existing *Item) bool {
	if c.RequireNotExists && existing != nil {
		return false
	}
	if c.RequireExists && existing == nil {
		return false
	}
	if existing == nil {
		// Attribute checks are vacuously false against a missing item,
		// unless no attribute checks were requested at all.
		return len(c.AttrEquals) == 0 && len(c.AttrIn) == 0
	}
	for attr, want := range c.AttrEquals {
		got, ok := existing.Attr(attr)
		if !ok || got != want {
			return false
		}
	}
	for attr, set := range c.AttrIn {
		got, ok := existing.Attr(attr)
		if !ok {
			return false
		}
		found := false
		for _, v := range set {
			if got == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Mutation describes an UpdateConditional: attributes to SET and attribute
// names to REMOVE.
type Mutation struct {
	Set      map[string]any
	Remove   []string
	TTLEpoch *int64 // nil leaves the TTL untouched
}

// QueryOptions parameterizes a Query / QueryIndex range scan.
type QueryOptions struct {
	SKPrefix string
	Forward  bool // ascending sk order; false means descending
	Limit    int
}

// Store is the composite-key KV abstraction every durable component is
// built on. Implementations must make Get strongly consistent with prior
// writes for ExecutionAttempt and Outcome items (§4.1).
type Store interface {
	Get(ctx context.Context, pk, sk string) (*Item, error)
	PutConditional(ctx context.Context, item Item, cond Condition) error
	UpdateConditional(ctx context.Context, pk, sk string, mut Mutation, cond Condition) error
	Query(ctx context.Context, pk string, opts QueryOptions) ([]Item, error)
	// QueryIndex scans a named secondary index. indexName is implementation
	// defined; components document which index they expect (§3.2).
	QueryIndex(ctx context.Context, indexName, pk string, opts QueryOptions) ([]Item, error)
}
