// Package recovery maps engine faults to categories and picks a recovery
// action: retry with backoff, budget increase, scope reduction, continue
// with partial results, or abort.
package recovery

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/stellarlinkco/opsagent/internal/engine"
)

// Category of a classified fault.
type Category string

const (
	CategoryTurnBudget       Category = "turn_budget_exceeded"
	CategoryRateLimited      Category = "rate_limited"
	CategoryPermissionDenied Category = "permission_denied"
	CategoryPromptTooLarge   Category = "prompt_too_large"
	CategoryContextWindow    Category = "context_window_exceeded"
	CategoryCostCeiling      Category = "cost_ceiling_exceeded"
	CategoryTimeout          Category = "timeout"
	CategoryUnknown          Category = "unknown"
)

// Action is the recovery decision type.
type Action string

const (
	ActionRetry          Action = "retry"
	ActionIncreaseBudget Action = "increase_budget"
	ActionReduceScope    Action = "reduce_scope"
	ActionContinue       Action = "continue"
	ActionAbort          Action = "abort"
)

// Fault is one raised failure: the engine's terminal subtype plus its
// message.
type Fault struct {
	Subtype string
	Message string
}

// Context scopes attempt counting to one execution.
type Context struct {
	ExecutionID string
	TaskType    string
}

// Options lets callers tighten retry behavior. Zero values keep the
// category defaults.
type Options struct {
	// MaxRetries overrides the category retry ceiling when positive.
	MaxRetries int
}

// Decision is the recovery verdict for one fault.
type Decision struct {
	Action Action
	// Delay is the backoff to wait before retrying, when Action is retry.
	Delay time.Duration
	// TurnIncrease is the suggested raise of the turn ceiling.
	TurnIncrease int
	// TimeoutScale multiplies the elapsed-time ceiling on retry.
	TimeoutScale float64
	// Partial flags that the result may be incomplete.
	Partial bool
	// Reason explains the decision for logs and error hooks.
	Reason string
}

type categoryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var policies = map[Category]categoryPolicy{
	CategoryTurnBudget:       {maxRetries: 2},
	CategoryRateLimited:      {maxRetries: 5, baseDelay: 5 * time.Second, maxDelay: 60 * time.Second},
	CategoryPermissionDenied: {maxRetries: 1},
	CategoryPromptTooLarge:   {maxRetries: 1},
	CategoryContextWindow:    {},
	CategoryCostCeiling:      {},
	CategoryTimeout:          {maxRetries: 1},
	CategoryUnknown:          {maxRetries: 1},
}

// Classify maps an engine terminal subtype to a category.
func Classify(f Fault) Category {
	switch f.Subtype {
	case engine.SubtypeMaxTurns:
		return CategoryTurnBudget
	case engine.SubtypeRateLimited:
		return CategoryRateLimited
	case engine.SubtypePermissionDenied:
		return CategoryPermissionDenied
	case engine.SubtypePromptTooLarge:
		return CategoryPromptTooLarge
	case engine.SubtypeContextWindow:
		return CategoryContextWindow
	case engine.SubtypeCostCeiling:
		return CategoryCostCeiling
	case engine.SubtypeTimeout:
		return CategoryTimeout
	default:
		return CategoryUnknown
	}
}

// IsRecoverable reports whether any retry strategy exists for the fault.
// Cost-ceiling and context-window faults are never recoverable by retry.
func IsRecoverable(f Fault) bool {
	switch Classify(f) {
	case CategoryCostCeiling, CategoryContextWindow:
		return false
	default:
		return true
	}
}

type attemptKey struct {
	category    Category
	subtype     string
	taskType    string
	executionID string
}

// Handler decides recovery actions. Attempt counters live on the handler
// instance, so executions stay independently testable.
type Handler struct {
	mu       sync.Mutex
	attempts map[attemptKey]int

	// randFloat returns a uniform sample in [0,1); injectable for tests.
	randFloat func() float64
}

func NewHandler() *Handler {
	return &Handler{
		attempts:  make(map[attemptKey]int),
		randFloat: rand.Float64,
	}
}

// Handle classifies the fault, bumps its attempt counter, and returns the
// category's recovery decision. The returned attempt index is 0-based for
// the first occurrence.
func (h *Handler) Handle(f Fault, ctx Context, opts Options) Decision {
	category := Classify(f)
	pol := policies[category]
	maxRetries := pol.maxRetries
	if opts.MaxRetries > 0 {
		maxRetries = opts.MaxRetries
	}

	key := attemptKey{category: category, subtype: f.Subtype, taskType: ctx.TaskType, executionID: ctx.ExecutionID}
	h.mu.Lock()
	attempt := h.attempts[key]
	h.attempts[key] = attempt + 1
	h.mu.Unlock()

	switch category {
	case CategoryTurnBudget:
		if attempt < maxRetries {
			return Decision{Action: ActionIncreaseBudget, TurnIncrease: 10, Reason: "raising turn ceiling"}
		}
		return Decision{Action: ActionContinue, Partial: true, Reason: "turn budget exhausted, continuing with partial results"}

	case CategoryRateLimited:
		if attempt < maxRetries {
			return Decision{
				Action: ActionRetry,
				Delay:  h.backoff(attempt, pol.baseDelay, pol.maxDelay),
				Reason: "rate limited, backing off",
			}
		}
		return Decision{Action: ActionAbort, Reason: "rate limit retries exhausted"}

	case CategoryPermissionDenied:
		if attempt < maxRetries {
			return Decision{Action: ActionReduceScope, Reason: "retrying with reduced scope"}
		}
		return Decision{Action: ActionAbort, Reason: "permission denied after scope reduction"}

	case CategoryPromptTooLarge:
		if attempt < maxRetries {
			return Decision{Action: ActionReduceScope, Reason: "retrying with scope-reduced instruction"}
		}
		return Decision{Action: ActionAbort, Reason: "prompt too large after scope reduction"}

	case CategoryContextWindow:
		return Decision{Action: ActionContinue, Partial: true, Reason: "context window exceeded, result may be incomplete"}

	case CategoryCostCeiling:
		return Decision{Action: ActionAbort, Reason: "cost ceiling exceeded"}

	case CategoryTimeout:
		if attempt < maxRetries {
			return Decision{Action: ActionRetry, TimeoutScale: 1.5, Reason: "retrying with raised time ceiling"}
		}
		return Decision{Action: ActionContinue, Partial: true, Reason: "timed out again, continuing with partial results"}

	default:
		if attempt < maxRetries {
			return Decision{Action: ActionRetry, Reason: "best-effort retry of unknown fault"}
		}
		return Decision{Action: ActionAbort, Reason: "unknown fault persisted"}
	}
}

// Attempts returns the current attempt count for a fault within one
// execution.
func (h *Handler) Attempts(f Fault, ctx Context) int {
	key := attemptKey{category: Classify(f), subtype: f.Subtype, taskType: ctx.TaskType, executionID: ctx.ExecutionID}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[key]
}

// backoff computes base·2^attempt with ±25% jitter, capped at maxDelay.
func (h *Handler) backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	jitter := 1 + (h.randFloat()*2-1)*0.25
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)) * jitter)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
