package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/actionexec/core/pkg/contracts"
)

// MemoryIntentReader is an in-memory IntentReader for tests and
// single-process deployments. Production deployments back this by the
// upstream proposal/approval store.
type MemoryIntentReader struct {
	mu      sync.RWMutex
	intents map[string]contracts.ActionIntent // key: tenant#account#intent_id
}

// NewMemoryIntentReader builds an empty reader.
func NewMemoryIntentReader() *MemoryIntentReader {
	return &MemoryIntentReader{intents: make(map[string]contracts.ActionIntent)}
}

// Put seeds an intent for later Get calls.
func (r *MemoryIntentReader) Put(intent contracts.ActionIntent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents[key(intent.TenantID, intent.AccountID, intent.ID)] = intent
}

func (r *MemoryIntentReader) Get(ctx context.Context, tenantID, accountID, intentID string) (*contracts.ActionIntent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	intent, ok := r.intents[key(tenantID, accountID, intentID)]
	if !ok {
		return nil, ErrIntentNotFound
	}
	cp := intent
	return &cp, nil
}

func key(tenantID, accountID, intentID string) string {
	return fmt.Sprintf("%s#%s#%s", tenantID, accountID, intentID)
}
