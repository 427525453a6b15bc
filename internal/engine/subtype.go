package engine

import "strings"

// classifySubtype maps an engine error message to a terminal failure
// subtype. The SDK surfaces failures as opaque strings, so matching is by
// the substrings its providers are known to emit.
func classifySubtype(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "429"), strings.Contains(lower, "overloaded"):
		return SubtypeRateLimited
	case strings.Contains(lower, "max iterations"), strings.Contains(lower, "max turns"):
		return SubtypeMaxTurns
	case strings.Contains(lower, "permission"), strings.Contains(lower, "denied by hook"):
		return SubtypePermissionDenied
	case strings.Contains(lower, "prompt is too long"), strings.Contains(lower, "prompt too large"), strings.Contains(lower, "request too large"):
		return SubtypePromptTooLarge
	case strings.Contains(lower, "context window"), strings.Contains(lower, "context length"):
		return SubtypeContextWindow
	case strings.Contains(lower, "cost"), strings.Contains(lower, "budget exceeded"):
		return SubtypeCostCeiling
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		return SubtypeTimeout
	default:
		return SubtypeUnknown
	}
}
