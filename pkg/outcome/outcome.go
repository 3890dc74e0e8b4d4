// Package outcome implements the write-once outcome store (C6): the
// terminal record for each execution, keyed by intent, created once and
// listable by account. A second Record call returns the existing record —
// the caller cannot tell whether it created or rediscovered it (I8, §9).
package outcome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/actionexec/core/pkg/contracts"
	"github.com/actionexec/core/pkg/kvstore"
)

// Retention is the default TTL applied to outcome records (90 days, §6.4).
const Retention = 90 * 24 * time.Hour

// ErrRaceOnDelete surfaces when the outcome record vanishes between a
// failed create and the follow-up read (external deletion racing Record).
var ErrRaceOnDelete = errors.New("outcome: record vanished between conditional create and re-read")

// Store is the outcome store over a KV store, keyed per §3.2:
// pk = TENANT#<t>#ACCOUNT#<a>, sk = OUTCOME#<id>, plus secondary indices on
// ACTION_INTENT#<id> and TENANT#<t> ordered by COMPLETED_AT#<ts>.
type Store struct {
	store kvstore.Store
}

// New wraps a KV store for the outcome store.
func New(store kvstore.Store) *Store {
	return &Store{store: store}
}

func outcomePK(tenantID, accountID string) string {
	return fmt.Sprintf("TENANT#%s#ACCOUNT#%s", tenantID, accountID)
}
func outcomeSK(intentID string) string { return "OUTCOME#" + intentID }

// Record writes o once. On a conditional-create collision it re-reads and
// returns the existing record, never overwriting it (I8).
func (s *Store) Record(ctx context.Context, o contracts.ActionOutcome) (*contracts.ActionOutcome, error) {
	pk := outcomePK(o.TenantID, o.AccountID)
	sk := outcomeSK(o.IntentID)
	ttl := o.CompletedAt.Add(Retention).Unix()

	item := toItem(o, ttl)
	err := s.store.PutConditional(ctx, item, kvstore.Condition{RequireNotExists: true})
	if err == nil {
		return &o, nil
	}
	if !errors.Is(err, kvstore.ErrConditionFailed) {
		return nil, err
	}

	existing, err := s.store.Get(ctx, pk, sk)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrRaceOnDelete
	}
	if err != nil {
		return nil, err
	}
	o2 := itemToOutcome(*existing)
	return &o2, nil
}

// Get reads the outcome for an intent, if any.
func (s *Store) Get(ctx context.Context, intentID, tenantID, accountID string) (*contracts.ActionOutcome, error) {
	it, err := s.store.Get(ctx, outcomePK(tenantID, accountID), outcomeSK(intentID))
	if err != nil {
		return nil, err
	}
	o := itemToOutcome(*it)
	return &o, nil
}

// List returns outcomes for an account in descending sort-key
// (OUTCOME#<intent_id>) order, bounded by limit (§4.6); completion time
// does not affect the order.
func (s *Store) List(ctx context.Context, tenantID, accountID string, limit int) ([]contracts.ActionOutcome, error) {
	items, err := s.store.Query(ctx, outcomePK(tenantID, accountID), kvstore.QueryOptions{SKPrefix: "OUTCOME#", Forward: false, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]contracts.ActionOutcome, 0, len(items))
	for _, it := range items {
		out = append(out, itemToOutcome(it))
	}
	return out, nil
}

func refsToAttr(refs []contracts.ExternalObjectRef) []any {
	out := make([]any, 0, len(refs))
	for _, r := range refs {
		out = append(out, map[string]any{
			"system": r.System, "object_type": r.ObjectType, "object_id": r.ObjectID, "object_url": r.ObjectURL,
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
		get := func(k string) string { s, _ := m[k].(string); return s }
		out = append(out, contracts.ExternalObjectRef{
			System: get("system"), ObjectType: get("object_type"), ObjectID: get("object_id"), ObjectURL: get("object_url"),
		})
	}
	return out
}

func toItem(o contracts.ActionOutcome, ttl int64) kvstore.Item {
	return kvstore.Item{
		PK: outcomePK(o.TenantID, o.AccountID),
		SK: outcomeSK(o.IntentID),
		Attributes: map[string]any{
			"action_intent_id":          o.IntentID,
			"tenant_id":                 o.TenantID,
			"account_id":                o.AccountID,
			"status":                    string(o.Status),
			"external_object_refs":      refsToAttr(o.ExternalObjectRefs),
			"error_class":               string(o.ErrorClass),
			"error_code":                o.ErrorCode,
			"error_message":             o.ErrorMessage,
			"tool_name":                 o.ToolName,
			"tool_schema_version":       o.ToolSchemaVersion,
			"registry_version":          o.RegistryVersion,
			"tool_run_ref":              o.ToolRunRef,
			"raw_response_artifact_ref": o.RawResponseArtifactRef,
			"attempt_count":             o.AttemptCount,
			"started_at":                o.StartedAt.Format(time.RFC3339Nano),
			"completed_at":              o.CompletedAt.Format(time.RFC3339Nano),
			"compensation_status":       string(o.CompensationStatus),
			"trace_id":                  o.TraceID,
			"__index_by_intent_pk":      "ACTION_INTENT#" + o.IntentID,
			"__index_by_intent_sk":      outcomeSK(o.IntentID),
			"__index_by_tenant_pk":      "TENANT#" + o.TenantID,
			"__index_by_tenant_sk":      fmt.Sprintf("COMPLETED_AT#%013d", o.CompletedAt.UnixMilli()),
		},
		TTLEpoch: ttl,
	}
}

func itemToOutcome(it kvstore.Item) contracts.ActionOutcome {
	get := func(k string) string { v, _ := it.Attr(k); s, _ := v.(string); return s }
	getInt := func(k string) int {
		v, ok := it.Attr(k)
		if !ok {
			return 0
		}
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
		return 0
	}
	refsAttr, _ := it.Attr("external_object_refs")
	startedAt, _ := time.Parse(time.RFC3339Nano, get("started_at"))
	completedAt, _ := time.Parse(time.RFC3339Nano, get("completed_at"))
	return contracts.ActionOutcome{
		IntentID:               get("action_intent_id"),
		TenantID:               get("tenant_id"),
		AccountID:              get("account_id"),
		Status:                 contracts.OutcomeStatus(get("status")),
		ExternalObjectRefs:     attrToRefs(refsAttr),
		ErrorClass:             contracts.ErrorClass(get("error_class")),
		ErrorCode:              get("error_code"),
		ErrorMessage:           get("error_message"),
		ToolName:               get("tool_name"),
		ToolSchemaVersion:      get("tool_schema_version"),
		RegistryVersion:        getInt("registry_version"),
		ToolRunRef:             get("tool_run_ref"),
		RawResponseArtifactRef: get("raw_response_artifact_ref"),
		AttemptCount:           getInt("attempt_count"),
		StartedAt:              startedAt,
		CompletedAt:            completedAt,
		CompensationStatus:     contracts.CompensationStatus(get("compensation_status")),
		TraceID:                get("trace_id"),
	}
}
