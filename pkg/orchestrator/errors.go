package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/actionexec/core/pkg/contracts"
)

// ErrIntentNotFound is raised by Start when the intent cannot be read.
var ErrIntentNotFound = errors.New("orchestrator: action intent not found")

// ValidationError is a pre-tool validation failure, carrying a stable code
// suitable for alert wiring (§7).
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// IntentReader is the read-only collaborator Start and MapActionToTool use
// to fetch the action intent. Intents are produced and owned upstream;
// the orchestrator never mutates them.
type IntentReader interface {
	Get(ctx context.Context, tenantID, accountID, intentID string) (*contracts.ActionIntent, error)
}
