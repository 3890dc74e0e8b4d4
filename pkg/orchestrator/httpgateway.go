package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/actionexec/core/pkg/contracts"
)

// HTTPGateway is the default ToolGateway: it POSTs the tool invocation
// envelope to env.GatewayURL and decodes a contracts.ToolInvocationResult
// from the response body. Grounded on the teacher's plain
// `&http.Client{Timeout: ...}` pattern for outbound calls (e.g.
// pkg/llm/openai.go, pkg/pdp/opa.go) rather than a third-party HTTP client
// — the teacher never reaches for one either.
type HTTPGateway struct {
	client *http.Client
}

// NewHTTPGateway builds an HTTPGateway with the given per-call timeout.
func NewHTTPGateway(timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{client: &http.Client{Timeout: timeout}}
}

func (g *HTTPGateway) Invoke(ctx context.Context, env *ToolInvocationEnvelope) (*contracts.ToolInvocationResult, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("httpgateway: marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpgateway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpgateway: call %s: %w", env.ToolName, err)
	}
	defer resp.Body.Close()

	var result contracts.ToolInvocationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("httpgateway: decode response from %s: %w", env.ToolName, err)
	}
	if resp.StatusCode >= 400 && result.ErrorCode == "" {
		return nil, fmt.Errorf("httpgateway: %s returned status %d", env.ToolName, resp.StatusCode)
	}
	return &result, nil
}
