// Package idempotency implements the dual-layer idempotency service (C4):
// canonical key derivation for execution attempts, and the adapter-layer
// ExternalWriteDedupe history + LATEST pointer with collision detection.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/actionexec/core/pkg/canonicalize"
	"github.com/actionexec/core/pkg/contracts"
	"github.com/actionexec/core/pkg/kvstore"
)

// DedupeRetention is the default TTL for adapter-layer history/LATEST items.
const DedupeRetention = 7 * 24 * time.Hour

// ErrCollision is raised when a recorded key re-appears with a different
// external_object_refs set (I9).
var ErrCollision = errors.New("idempotency: collision — recorded refs differ from the new write")

// ExecutionKey computes the execution-layer idempotency key:
// SHA-256(tenant_id | action_intent_id | tool_name | canonicalize(params) | registry_version).
func ExecutionKey(tenantID, intentID, toolName string, params map[string]any, registryVersion int) (string, error) {
	canon, err := canonicalize.JCSString(params)
	if err != nil {
		return "", fmt.Errorf("idempotency: canonicalize params: %w", err)
	}
	return hashParts(tenantID, intentID, toolName, canon, fmt.Sprintf("%d", registryVersion)), nil
}

// SemanticKey computes the adapter-layer key: the execution key minus the
// action_intent_id, so independent intents that write the same semantic
// external effect can be deduplicated across intents.
func SemanticKey(tenantID, toolName string, params map[string]any, registryVersion int) (string, error) {
	canon, err := canonicalize.JCSString(params)
	if err != nil {
		return "", fmt.Errorf("idempotency: canonicalize params: %w", err)
	}
	return hashParts(tenantID, toolName, canon, fmt.Sprintf("%d", registryVersion)), nil
}

func hashParts(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DedupeStore is the adapter-layer external-write dedupe (I9).
type DedupeStore struct {
	store kvstore.Store
}

// NewDedupeStore wraps a KV store for external-write dedupe, keyed per
// §3.2: pk = IDEMPOTENCY_KEY#<hash>, sk ∈ {LATEST, CREATED_AT#<epoch_ms>}.
func NewDedupeStore(store kvstore.Store) *DedupeStore {
	return &DedupeStore{store: store}
}

func dedupePK(key string) string { return "IDEMPOTENCY_KEY#" + key }

const latestSK = "LATEST"

func historySK(createdAt time.Time) string {
	return fmt.Sprintf("CREATED_AT#%013d", createdAt.UnixMilli())
}

func refsToAttr(refs []contracts.ExternalObjectRef) []any {
	out := make([]any, 0, len(refs))
	for _, r := range refs {
		out = append(out, map[string]any{
			"system":      r.System,
			"object_type": r.ObjectType,
			"object_id":   r.ObjectID,
			"object_url":  r.ObjectURL,
		})
	}
	return out
}

func attrToRefs(v any) []contracts.ExternalObjectRef {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]contracts.ExternalObjectRef, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		get := func(k string) string {
			s, _ := m[k].(string)
			return s
		}
		out = append(out, contracts.ExternalObjectRef{
			System:     get("system"),
			ObjectType: get("object_type"),
			ObjectID:   get("object_id"),
			ObjectURL:  get("object_url"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	return out
}

// CheckExternalWrite resolves the current refs for key, if any. It reads
// LATEST first; if absent, it falls back to the newest history item, which
// is always the source of truth (§4.4).
func (d *DedupeStore) CheckExternalWrite(ctx context.Context, key string) (*contracts.ExternalWriteDedupe, error) {
	latest, err := d.store.Get(ctx, dedupePK(key), latestSK)
	if err == nil {
		latestSKRef, _ := latest.Attr("latest_sk")
		if skRef, ok := latestSKRef.(string); ok && skRef != "" {
			hist, err := d.store.Get(ctx, dedupePK(key), skRef)
			if err == nil {
				return itemToDedupe(*hist), nil
			}
			if !errors.Is(err, kvstore.ErrNotFound) {
				return nil, err
			}
			// fall through to range scan if the referenced history item vanished
		} else {
			return itemToDedupe(*latest), nil
		}
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return nil, err
	}

	items, err := d.store.Query(ctx, dedupePK(key), kvstore.QueryOptions{SKPrefix: "CREATED_AT#", Forward: false, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return itemToDedupe(items[0]), nil
}

func itemToDedupe(it kvstore.Item) *contracts.ExternalWriteDedupe {
	refsAttr, _ := it.Attr("external_object_refs")
	intentID, _ := func() (string, bool) { v, ok := it.Attr("action_intent_id"); s, _ := v.(string); return s, ok }()
	toolName, _ := func() (string, bool) { v, ok := it.Attr("tool_name"); s, _ := v.(string); return s, ok }()
	return &contracts.ExternalWriteDedupe{
		IdempotencyKey:     it.PK,
		ExternalObjectRefs: attrToRefs(refsAttr),
		IntentID:           intentID,
		ToolName:           toolName,
	}
}

// RecordExternalWrite records refs under key, or detects a collision with a
// previously recorded, differing ref set (I9). Returns nil on a clean
// first write or an idempotent replay.
func (d *DedupeStore) RecordExternalWrite(ctx context.Context, key string, refs []contracts.ExternalObjectRef, intentID, toolName string) error {
	existing, err := d.CheckExternalWrite(ctx, key)
	if err != nil {
		return err
	}
	if existing != nil {
		if contracts.RefsEqual(existing.ExternalObjectRefs, refs) {
			return nil // idempotent replay
		}
		return ErrCollision
	}

	now := time.Now()
	ttl := now.Add(DedupeRetention).Unix()
	sk := historySK(now)
	histItem := kvstore.Item{
		PK: dedupePK(key),
		SK: sk,
		Attributes: map[string]any{
			"external_object_refs": refsToAttr(refs),
			"action_intent_id":     intentID,
			"tool_name":            toolName,
			"created_at":           now.Format(time.RFC3339Nano),
		},
		TTLEpoch: ttl,
	}
	if err := d.store.PutConditional(ctx, histItem, kvstore.Condition{RequireNotExists: true}); err != nil {
		return fmt.Errorf("idempotency: write history item: %w", err)
	}

	// Best-effort LATEST pointer; failure is tolerated, history still wins.
	latestItem := kvstore.Item{
		PK:         dedupePK(key),
		SK:         latestSK,
		Attributes: map[string]any{"latest_sk": sk},
		TTLEpoch:   ttl,
	}
	_ = d.store.PutConditional(ctx, latestItem, kvstore.Condition{})

	return nil
}
