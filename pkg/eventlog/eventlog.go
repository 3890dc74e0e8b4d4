// Package eventlog appends the immutable event trail every terminal
// transition writes to (C2). Events carry both the execution trace id and,
// when available, the decision trace id for correlation back to the
// upstream proposal.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/actionexec/core/pkg/canonicalize"
	"github.com/actionexec/core/pkg/contracts"
	"github.com/actionexec/core/pkg/kvstore"
)

// Log is the append-only event trail. Append logs every write failure and
// also returns it; the orchestrator logs the returned error and carries on,
// so a failed append never fails a step.
type Log struct {
	store  kvstore.Store
	logger *slog.Logger
}

// New builds an event log over store.
func New(store kvstore.Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, logger: logger}
}

// Append writes one event. No ordering across concurrent writers is
// assumed; consumers tolerate interleavings via timestamp + trace id.
func (l *Log) Append(ctx context.Context, ev contracts.EventRecord) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = nowUTC()
	}
	payloadHash, err := canonicalize.CanonicalHash(ev.Data)
	if err != nil {
		l.logger.WarnContext(ctx, "eventlog: payload hash failed", "error", err)
		payloadHash = ""
	}

	eventID := uuid.NewString()
	pk := fmt.Sprintf("TENANT#%s#ACCOUNT#%s", ev.TenantID, ev.AccountID)
	sk := fmt.Sprintf("EVENT#%s#%d", eventID, ev.Timestamp.UnixNano())

	attrs := map[string]any{
		"event_id":         eventID,
		"event_type":       ev.EventType,
		"tenant_id":        ev.TenantID,
		"account_id":       ev.AccountID,
		"trace_id":         ev.TraceID,
		"decision_trace":   ev.DecisionTrace,
		"timestamp":        ev.Timestamp.Format(rfc3339Nano),
		"payload_hash":     payloadHash,
		"data":             ev.Data,
		"__index_trace_pk": ev.TraceID,
		"__index_trace_sk": sk,
		"__index_tenant_time_pk": fmt.Sprintf("TENANT#%s", ev.TenantID),
		"__index_tenant_time_sk": fmt.Sprintf("TIMESTAMP#%d", ev.Timestamp.UnixNano()),
	}

	err = l.store.PutConditional(ctx, kvstore.Item{PK: pk, SK: sk, Attributes: attrs}, kvstore.Condition{RequireNotExists: true})
	if err != nil {
		l.logger.ErrorContext(ctx, "eventlog: append failed", "event_type", ev.EventType, "trace_id", ev.TraceID, "error", err)
		return err
	}
	return nil
}

// ByTrace range-scans the trace secondary index.
func (l *Log) ByTrace(ctx context.Context, traceID string, limit int) ([]contracts.EventRecord, error) {
	items, err := l.store.QueryIndex(ctx, "trace", traceID, kvstore.QueryOptions{Forward: true, Limit: limit})
	if err != nil {
		return nil, err
	}
	return toRecords(items), nil
}

// ByTenantRange range-scans the tenant+time secondary index.
func (l *Log) ByTenantRange(ctx context.Context, tenantID string, limit int) ([]contracts.EventRecord, error) {
	items, err := l.store.QueryIndex(ctx, "tenant_time", "TENANT#"+tenantID, kvstore.QueryOptions{Forward: true, Limit: limit})
	if err != nil {
		return nil, err
	}
	return toRecords(items), nil
}

func toRecords(items []kvstore.Item) []contracts.EventRecord {
	out := make([]contracts.EventRecord, 0, len(items))
	for _, it := range items {
		data, _ := it.Attributes["data"].(map[string]any)
		eventType, _ := it.Attributes["event_type"].(string)
		tenantID, _ := it.Attributes["tenant_id"].(string)
		accountID, _ := it.Attributes["account_id"].(string)
		traceID, _ := it.Attributes["trace_id"].(string)
		decisionTrace, _ := it.Attributes["decision_trace"].(string)
		ts, _ := it.Attributes["timestamp"].(string)
		t, _ := parseRFC3339Nano(ts)
		out = append(out, contracts.EventRecord{
			EventType:     eventType,
			TenantID:      tenantID,
			AccountID:     accountID,
			TraceID:       traceID,
			DecisionTrace: decisionTrace,
			Timestamp:     t,
			Data:          data,
		})
	}
	return out
}
