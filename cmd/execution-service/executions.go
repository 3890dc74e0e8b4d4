package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/actionexec/core/pkg/apierror"
	"github.com/actionexec/core/pkg/auth"
	"github.com/actionexec/core/pkg/contracts"
	"github.com/actionexec/core/pkg/orchestrator"
	"github.com/actionexec/core/pkg/resilience"
)

// executionsHandler is the internal trigger surface for POST /executions:
// it drives one action intent through Start..terminal-state via
// Orchestrator.Execute. Upstream proposal/approval (§1) decides WHEN to
// call this; the handler itself only validates the caller's claims match
// the intent they're asking to run.
type executionsHandler struct {
	orch       *orchestrator.Orchestrator
	gatewayURL string
	logger     *slog.Logger
}

func newExecutionsHandler(orch *orchestrator.Orchestrator, gatewayURL string, logger *slog.Logger) *executionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &executionsHandler{orch: orch, gatewayURL: gatewayURL, logger: logger}
}

type startExecutionRequest struct {
	ActionIntentID string `json:"action_intent_id"`
}

func (h *executionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierror.WriteMethodNotAllowed(w)
		return
	}

	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		apierror.WriteUnauthorized(w, "missing principal")
		return
	}

	var body startExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ActionIntentID == "" {
		apierror.WriteBadRequest(w, "action_intent_id is required")
		return
	}

	req := orchestrator.StartRequest{
		ActionIntentID: body.ActionIntentID,
		TenantID:       principal.GetTenantID(),
		AccountID:      principal.GetAccountID(),
	}

	result, err := h.orch.Execute(r.Context(), req, h.gatewayURL)
	if err != nil {
		var deferErr *resilience.DeferredError
		if errors.As(err, &deferErr) {
			apierror.WriteTooManyRequests(w, deferErr.RetryAfterSeconds)
			return
		}
		h.logger.Error("execution failed", "action_intent_id", body.ActionIntentID, "error", err)
		apierror.WriteInternal(w, err)
		return
	}

	status := http.StatusOK
	if result.Outcome != nil && result.Outcome.Status != contracts.OutcomeSucceeded {
		status = http.StatusAccepted
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}
