package config

import (
	"os"
	"strings"
)

// StrictStatusTransitions enforces the documented order status graph
// (pending -> processing/cancelled, processing -> shipped/cancelled,
// shipped -> delivered/cancelled; delivered and cancelled terminal).
// Off by default: historically any status value could be written at any time,
// and operational tooling still relies on that.
//
// Set via env:
// - STRICT_STATUS_TRANSITIONS=true
func StrictStatusTransitions() bool {
	return boolFromEnv("STRICT_STATUS_TRANSITIONS")
}

// InlineSideEffects controls whether freshly enqueued side-effect tasks
// (ledger append, stock restore, confirmation email) are executed once
// inline right after the originating transaction commits. The background
// dispatcher remains the retry safety net either way.
//
// Set via env:
// - INLINE_SIDE_EFFECTS=false (default true)
func InlineSideEffects() bool {
	raw := strings.TrimSpace(os.Getenv("INLINE_SIDE_EFFECTS"))
	if raw == "" {
		return true
	}
	return boolFromEnv("INLINE_SIDE_EFFECTS")
}

func boolFromEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
