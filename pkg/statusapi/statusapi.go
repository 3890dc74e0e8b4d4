// Package statusapi implements §6.2's read-only status query surface:
// one execution's status, and an account's outcome history. Tenant and
// account are always resolved from the bearer claim set already attached
// to the request context by pkg/auth's middleware — a header- or
// query-supplied tenant/account is never trusted on its own.
//
// Routing is plain net/http + http.ServeMux (teacher precedent:
// pkg/kernelruntime/server.go's own HTTP surface used stdlib routing),
// not a third-party router.
package statusapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/actionexec/core/pkg/apierror"
	"github.com/actionexec/core/pkg/auth"
	"github.com/actionexec/core/pkg/contracts"
	"github.com/actionexec/core/pkg/executionlock"
	"github.com/actionexec/core/pkg/kvstore"
	"github.com/actionexec/core/pkg/observability"
	"github.com/actionexec/core/pkg/orchestrator"
	"github.com/actionexec/core/pkg/outcome"
)

// PublicStatus is the status vocabulary exposed over the API — a superset
// of AttemptStatus/OutcomeStatus that adds PENDING (no attempt has started
// yet) and EXPIRED (intent past expiry with no attempt). RETRYING never
// appears here; it collapses to RUNNING (§6.2).
type PublicStatus string

const (
	StatusPending   PublicStatus = "PENDING"
	StatusRunning   PublicStatus = "RUNNING"
	StatusSucceeded PublicStatus = "SUCCEEDED"
	StatusFailed    PublicStatus = "FAILED"
	StatusCancelled PublicStatus = "CANCELLED"
	StatusExpired   PublicStatus = "EXPIRED"
)

// ExecutionStatusResponse is the body of GET /executions/{intent_id}/status.
type ExecutionStatusResponse struct {
	IntentID           string                        `json:"action_intent_id"`
	Status             PublicStatus                  `json:"status"`
	StartedAt          *string                       `json:"started_at,omitempty"`
	CompletedAt        *string                       `json:"completed_at,omitempty"`
	ExternalObjectRefs []contracts.ExternalObjectRef `json:"external_object_refs,omitempty"`
	ErrorMessage       string                        `json:"error_message,omitempty"`
	ErrorClass         string                        `json:"error_class,omitempty"`
	AttemptCount       int                           `json:"attempt_count,omitempty"`
}

// ExecutionListResponse is the body of GET /accounts/{account_id}/executions.
type ExecutionListResponse struct {
	Items     []contracts.ActionOutcome `json:"items"`
	NextToken string                    `json:"next_token,omitempty"`
}

// Handler serves the status query API over the outcome store (C6), the
// execution-attempt lock (C5), and the intent reader (C9's collaborator).
type Handler struct {
	Outcomes *outcome.Store
	Attempts *executionlock.Lock
	Intents  orchestrator.IntentReader
	Logger   *slog.Logger

	// Timeline and SLO are optional (§4.9's orchestrator.Orchestrator.Audit
	// / .SLO counterparts); when set, /traces/ and /slo/ are also routed.
	Timeline *observability.AuditTimeline
	SLO      *observability.SLOTracker
}

// New builds a Handler. logger defaults to slog.Default() if nil.
func New(outcomes *outcome.Store, attempts *executionlock.Lock, intents orchestrator.IntentReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Outcomes: outcomes, Attempts: attempts, Intents: intents, Logger: logger}
}

// WithObservability attaches the optional audit timeline and SLO tracker.
func (h *Handler) WithObservability(timeline *observability.AuditTimeline, slo *observability.SLOTracker) *Handler {
	h.Timeline = timeline
	h.SLO = slo
	return h
}

// Routes registers the status API on mux under the given prefix-free
// paths. Callers wire pkg/auth's middleware (and optionally rate
// limiting) around the returned handler.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/executions/", h.handleExecutionStatus)
	mux.HandleFunc("/accounts/", h.handleAccountExecutions)
	if h.Timeline != nil {
		mux.HandleFunc("/traces/", h.handleTraceTimeline)
	}
	if h.SLO != nil {
		mux.HandleFunc("/slo/", h.handleSLOStatus)
	}
}

// handleTraceTimeline serves GET /traces/{trace_id}/timeline, scoped to
// the caller's tenant.
func (h *Handler) handleTraceTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteMethodNotAllowed(w)
		return
	}
	traceID, ok := pathSegment(r.URL.Path, "/traces/", "/timeline")
	if !ok || traceID == "" {
		apierror.WriteNotFound(w, "unknown route")
		return
	}
	tenantID, _, err := claimedTenantAccount(r)
	if err != nil {
		apierror.WriteUnauthorized(w, err.Error())
		return
	}
	entries := h.Timeline.Query(observability.TimelineQuery{RunID: traceID, TenantID: tenantID})
	writeJSON(w, http.StatusOK, struct {
		Entries []observability.TimelineEntry `json:"entries"`
	}{Entries: entries})
}

// handleSLOStatus serves GET /slo/{operation}.
func (h *Handler) handleSLOStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteMethodNotAllowed(w)
		return
	}
	operation, ok := pathSegment(r.URL.Path, "/slo/", "")
	if !ok || operation == "" {
		apierror.WriteNotFound(w, "unknown route")
		return
	}
	if _, err := auth.GetPrincipal(r.Context()); err != nil {
		apierror.WriteUnauthorized(w, "no authenticated principal on request")
		return
	}
	status, err := h.SLO.Status(operation)
	if err != nil {
		apierror.WriteNotFound(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleExecutionStatus serves GET /executions/{intent_id}/status.
func (h *Handler) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteMethodNotAllowed(w)
		return
	}

	intentID, ok := pathSegment(r.URL.Path, "/executions/", "/status")
	if !ok || intentID == "" {
		apierror.WriteNotFound(w, "unknown route")
		return
	}

	tenantID, accountID, err := claimedTenantAccount(r)
	if err != nil {
		apierror.WriteUnauthorized(w, err.Error())
		return
	}

	resp, err := h.resolveExecutionStatus(r, intentID, tenantID, accountID)
	if err != nil {
		if errors.Is(err, errAllMissing) {
			apierror.WriteNotFound(w, "no outcome, attempt, or intent found for this execution")
			return
		}
		apierror.WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

var errAllMissing = errors.New("statusapi: outcome, attempt, and intent all missing")

// resolveExecutionStatus implements §6.2's resolution precedence: outcome
// (terminal record) > attempt (in-flight lock) > intent (not yet started,
// possibly expired).
func (h *Handler) resolveExecutionStatus(r *http.Request, intentID, tenantID, accountID string) (*ExecutionStatusResponse, error) {
	ctx := r.Context()

	if o, err := h.Outcomes.Get(ctx, intentID, tenantID, accountID); err == nil {
		return outcomeToResponse(o), nil
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return nil, err
	}

	if a, err := h.Attempts.Get(ctx, intentID, tenantID, accountID); err == nil {
		return attemptToResponse(a), nil
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return nil, err
	}

	intent, err := h.Intents.Get(ctx, tenantID, accountID, intentID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrIntentNotFound) {
			return nil, errAllMissing
		}
		return nil, err
	}
	return intentToResponse(intent), nil
}

func outcomeToResponse(o *contracts.ActionOutcome) *ExecutionStatusResponse {
	status := PublicStatus(o.Status)
	if o.Status == contracts.OutcomeRetrying {
		status = StatusRunning
	}
	started := o.StartedAt.Format(timeFormat)
	completed := o.CompletedAt.Format(timeFormat)
	return &ExecutionStatusResponse{
		IntentID:           o.IntentID,
		Status:             status,
		StartedAt:          &started,
		CompletedAt:        &completed,
		ExternalObjectRefs: o.ExternalObjectRefs,
		ErrorMessage:       o.ErrorMessage,
		ErrorClass:         string(o.ErrorClass),
		AttemptCount:       o.AttemptCount,
	}
}

func attemptToResponse(a *contracts.ExecutionAttempt) *ExecutionStatusResponse {
	started := a.StartedAt.Format(timeFormat)
	return &ExecutionStatusResponse{
		IntentID:     a.IntentID,
		Status:       PublicStatus(a.Status),
		StartedAt:    &started,
		AttemptCount: a.AttemptCount,
		ErrorClass:   a.LastErrorClass,
	}
}

func intentToResponse(intent *contracts.ActionIntent) *ExecutionStatusResponse {
	status := StatusPending
	if !intent.ExpiresAt.IsZero() && !intent.ExpiresAt.After(nowFunc()) {
		status = StatusExpired
	}
	return &ExecutionStatusResponse{IntentID: intent.ID, Status: status}
}

// handleAccountExecutions serves GET /accounts/{account_id}/executions.
func (h *Handler) handleAccountExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteMethodNotAllowed(w)
		return
	}

	pathAccountID, ok := pathSegment(r.URL.Path, "/accounts/", "/executions")
	if !ok || pathAccountID == "" {
		apierror.WriteNotFound(w, "unknown route")
		return
	}

	tenantID, claimedAccountID, err := claimedTenantAccount(r)
	if err != nil {
		apierror.WriteUnauthorized(w, err.Error())
		return
	}
	if pathAccountID != claimedAccountID {
		apierror.WriteForbidden(w, "account_id does not match the caller's bearer claims")
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		apierror.WriteBadRequest(w, err.Error())
		return
	}

	items, err := h.Outcomes.List(r.Context(), tenantID, claimedAccountID, limit)
	if err != nil {
		apierror.WriteInternal(w, err)
		return
	}

	// next_token is a presence signal, not a real cursor: kvstore.Store's
	// Query has no exclusive-start-key parameter yet, so a full page only
	// tells the caller more may exist, not where to resume from.
	resp := ExecutionListResponse{Items: items}
	if len(items) == limit {
		resp.NextToken = items[len(items)-1].IntentID
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 20, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 100 {
		return 0, errInvalidLimit
	}
	return n, nil
}

var errInvalidLimit = errors.New("limit must be between 1 and 100")

// claimedTenantAccount reads tenant_id/account_id from the authenticated
// Principal attached to the request context. Never falls back to a
// header or query parameter.
func claimedTenantAccount(r *http.Request) (tenantID, accountID string, err error) {
	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		return "", "", errors.New("no authenticated principal on request")
	}
	tenantID = principal.GetTenantID()
	accountID = principal.GetAccountID()
	if tenantID == "" || accountID == "" {
		return "", "", errors.New("bearer claims missing tenant or account binding")
	}
	return tenantID, accountID, nil
}

// pathSegment extracts the path component between prefix and suffix, e.g.
// pathSegment("/executions/ai_1/status", "/executions/", "/status") -> "ai_1".
func pathSegment(path, prefix, suffix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix), true
}

const timeFormat = "2006-01-02T15:04:05.999999999Z07:00"

// nowFunc is overridable in tests to pin expiry comparisons.
var nowFunc = defaultNow
