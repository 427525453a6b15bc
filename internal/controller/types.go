package controller

import (
	"time"

	"github.com/stellarlinkco/opsagent/internal/engine"
	"github.com/stellarlinkco/opsagent/internal/hooks"
	"github.com/stellarlinkco/opsagent/internal/policy"
	"github.com/stellarlinkco/opsagent/internal/recovery"
)

// Execution statuses. Every execution terminates in exactly one of the
// four terminal statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// ActionContext categories.
const (
	ActionReasoning      = "reasoning"
	ActionToolUse        = "tool_use"
	ActionResponse       = "response"
	ActionInitialization = "initialization"
	ActionCompletion     = "completion"
	ActionErrorHandling  = "error_handling"
)

// ActionContext is one classified step within an execution. Parent links
// are ids, not pointers.
type ActionContext struct {
	ID        string         `json:"id"`
	Category  string         `json:"category"`
	Tool      string         `json:"tool,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	CallID    string         `json:"callId,omitempty"`
	ParentID  string         `json:"parentId,omitempty"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   time.Time      `json:"endedAt,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Closed    bool           `json:"closed"`
}

// ExecutionRecord is the final shape of one engine invocation. It is
// created at invocation and mutated only by the controller.
type ExecutionRecord struct {
	ID        string          `json:"id"`
	TaskType  string          `json:"taskType"`
	Status    string          `json:"status"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CostUSD   float64         `json:"costUsd"`
	Usage     engine.Usage    `json:"usage"`
	Logs      []string        `json:"logs,omitempty"`
	StartedAt time.Time       `json:"startedAt"`
	EndedAt   time.Time       `json:"endedAt,omitempty"`
	Duration  time.Duration   `json:"duration,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Actions   []ActionContext `json:"actions,omitempty"`
	Orphans   int             `json:"orphans,omitempty"`
	Partial   bool            `json:"partial,omitempty"`
	Attempts  int             `json:"attempts"`
}

// Progress is the callback snapshot emitted as state changes.
type Progress struct {
	Stage     string  `json:"stage"`
	Message   string  `json:"message,omitempty"`
	Turn      int     `json:"turn"`
	ToolsUsed int     `json:"toolsUsed"`
	CostUSD   float64 `json:"costUsd"`
}

// ErrorContext is handed to the error hook exactly once on failure.
type ErrorContext struct {
	Fault         recovery.Fault
	Status        string
	RecentActions []ActionContext
	Elapsed       time.Duration
	Suggestion    recovery.Decision
}

// Callbacks fire synchronously with the controller's own loop. Nil
// members are skipped.
type Callbacks struct {
	OnProgress    func(Progress)
	OnLog         func(line string)
	OnActionStart func(ActionContext)
	OnActionEnd   func(ActionContext)
	// OnComplete fires exactly once on success.
	OnComplete func(*ExecutionRecord)
	// OnError fires exactly once on failure. Returning true requests a
	// retry; re-invocation is the caller's responsibility.
	OnError func(ErrorContext) bool
}

// Task is one execution request.
type Task struct {
	Instruction     string
	Type            string
	AllowedTools    []string
	Budget          policy.Budget
	ResumeSessionID string
	Hooks           *hooks.Pipeline
	Callbacks       Callbacks
	Retry           recovery.Options
	// ReduceScope rewrites the instruction for a reduce_scope retry.
	// Nil falls back to truncating the instruction.
	ReduceScope func(instruction string) string
}
