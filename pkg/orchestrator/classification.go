package orchestrator

import (
	"strings"

	"github.com/actionexec/core/pkg/contracts"
)

// classifyPreToolFailure classifies a pre-tool failure from its raw
// (Error, Cause) strings by substring match against their uppercase forms
// (§4.9 RecordFailure, §7). Pre-tool failures only ever resolve to
// VALIDATION, AUTH or UNKNOWN — RATE_LIMIT/DOWNSTREAM/TIMEOUT are adapter
// classifications preserved unchanged in RecordOutcome, never produced
// here.
func classifyPreToolFailure(errStr, cause string) contracts.ErrorClass {
	combined := strings.ToUpper(errStr + " " + cause)

	validationMarkers := []string{"VALIDATION", "INTENT_NOT_FOUND", "INTENT_EXPIRED", "KILL_SWITCH", "CONFIGURATION"}
	for _, m := range validationMarkers {
		if strings.Contains(combined, m) {
			return contracts.ErrorClassValidation
		}
	}
	if strings.Contains(combined, "AUTH") || strings.Contains(combined, "AUTHENTICATION") {
		return contracts.ErrorClassAuth
	}
	return contracts.ErrorClassUnknown
}
