// Package contracts — CompensationRecipe.
//
// A recipe is the structured undo plan routed by Compensate for a failed,
// ref-bearing outcome: one step per external object touched, in reverse
// order, rather than a single ad-hoc rollback call.
package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// CompensationStep is one step in a compensation recipe.
type CompensationStep struct {
	StepID     string `json:"step_id"`
	Order      int    `json:"order"`
	Action     string `json:"action"` // e.g. "revert_write", "delete_object", "notify_oncall"
	Target     string `json:"target"` // external object affected
	Idempotent bool   `json:"idempotent"`
	Timeout    string `json:"timeout,omitempty"`
	Fallback   string `json:"fallback,omitempty"` // what to do if this step fails
}

// CompensationRecipe is a structured rollback/undo plan for one action
// intent's external object refs.
type CompensationRecipe struct {
	RecipeID       string             `json:"recipe_id"`
	ActionIntentID string             `json:"action_intent_id"`
	Steps          []CompensationStep `json:"steps"`
	AutoExecutable bool               `json:"auto_executable"` // can be run without human
	EstimatedTime  string             `json:"estimated_time,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	ContentHash    string             `json:"content_hash"`
}

// NewCompensationRecipe creates a recipe with computed hash.
func NewCompensationRecipe(actionIntentID string, steps []CompensationStep, autoExecutable bool) *CompensationRecipe {
	recipeID := fmt.Sprintf("comp-%s", actionIntentID)

	hashInput := fmt.Sprintf("%s:%d:%v", recipeID, len(steps), autoExecutable)
	h := sha256.Sum256([]byte(hashInput))

	return &CompensationRecipe{
		RecipeID:       recipeID,
		ActionIntentID: actionIntentID,
		Steps:          steps,
		AutoExecutable: autoExecutable,
		CreatedAt:      time.Now(),
		ContentHash:    "sha256:" + hex.EncodeToString(h[:]),
	}
}

// RecipeFromRefs builds a one-step-per-ref recipe in reverse touch order,
// the shape RecordOutcome's refs naturally produce.
func RecipeFromRefs(actionIntentID string, refs []ExternalObjectRef, autoExecutable bool) *CompensationRecipe {
	steps := make([]CompensationStep, 0, len(refs))
	for i := len(refs) - 1; i >= 0; i-- {
		r := refs[i]
		steps = append(steps, CompensationStep{
			StepID:     fmt.Sprintf("revert-%s-%d", r.ObjectID, len(steps)),
			Order:      len(steps) + 1,
			Action:     "revert_write",
			Target:     fmt.Sprintf("%s:%s:%s", r.System, r.ObjectType, r.ObjectID),
			Idempotent: true,
		})
	}
	return NewCompensationRecipe(actionIntentID, steps, autoExecutable)
}

// IsComplete returns true if all steps are defined.
func (r *CompensationRecipe) IsComplete() bool {
	return len(r.Steps) > 0
}

// HasFallbacks returns true if every step has a fallback.
func (r *CompensationRecipe) HasFallbacks() bool {
	for _, s := range r.Steps {
		if s.Fallback == "" {
			return false
		}
	}
	return len(r.Steps) > 0
}
