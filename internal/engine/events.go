package engine

import (
	"encoding/json"

	"github.com/cexll/agentsdk-go/pkg/api"
)

// Normalized event types consumed by the execution controller.
const (
	EventReasoning  = "reasoning"
	EventToolStart  = "tool_start"
	EventToolResult = "tool_result"
	EventTerminal   = "terminal"
)

// Terminal subtypes reported by the engine. Failure subtypes feed the
// recovery classifier.
const (
	SubtypeSuccess          = "success"
	SubtypeMaxTurns         = "max_turns"
	SubtypeRateLimited      = "rate_limited"
	SubtypePermissionDenied = "permission_denied"
	SubtypePromptTooLarge   = "prompt_too_large"
	SubtypeContextWindow    = "context_window"
	SubtypeCostCeiling      = "cost_ceiling"
	SubtypeTimeout          = "timeout"
	SubtypeUnknown          = "unknown"
)

// Event is the closed union of engine stream shapes. Exactly one payload
// pointer is set, selected by Type.
type Event struct {
	Type       string
	Reasoning  *ReasoningStep
	ToolStart  *ToolStart
	ToolResult *ToolResult
	Terminal   *Terminal
}

// ReasoningStep carries a fragment of assistant text produced while the
// engine thinks between tool calls.
type ReasoningStep struct {
	Text string
	Turn int
}

// ToolStart announces a tool invocation the engine wants to run. CallID
// correlates the matching ToolResult.
type ToolStart struct {
	CallID string
	Name   string
	Input  map[string]any
}

// ToolResult reports the outcome of a tool invocation.
type ToolResult struct {
	CallID string
	Name   string
	Output string
	Denied bool
	IsErr  bool
}

// Usage mirrors the token accounting the engine reports.
type Usage struct {
	InputTokens      int `json:"inputTokens"`
	OutputTokens     int `json:"outputTokens"`
	CacheWriteTokens int `json:"cacheWriteTokens"`
	CacheReadTokens  int `json:"cacheReadTokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheWriteTokens + u.CacheReadTokens
}

// Terminal is the single closing event of a stream: either a successful
// result or a failure subtype for the recovery engine.
type Terminal struct {
	Success   bool
	Subtype   string
	Result    string
	CostUSD   float64
	Usage     Usage
	SessionID string
}

// Decode normalizes one SDK stream event. It returns nil for shapes the
// orchestration core does not consume (pings, message envelopes, raw
// deltas without text); callers drop those silently.
func Decode(ev api.StreamEvent) *Event {
	switch ev.Type {
	case api.EventContentBlockDelta:
		return decodeReasoning(ev)
	case api.EventContentBlockStart:
		return decodeToolStart(ev)
	case api.EventToolExecutionResult:
		return decodeToolResult(ev)
	case api.EventError:
		return decodeTerminalError(ev)
	default:
		return nil
	}
}

func decodeReasoning(ev api.StreamEvent) *Event {
	if ev.Delta == nil || ev.Delta.Text == "" {
		return nil
	}
	step := &ReasoningStep{Text: ev.Delta.Text}
	if ev.Iteration != nil {
		step.Turn = *ev.Iteration
	}
	return &Event{Type: EventReasoning, Reasoning: step}
}

func decodeToolStart(ev api.StreamEvent) *Event {
	if ev.ContentBlock == nil || ev.ContentBlock.Type != "tool_use" {
		return nil
	}
	start := &ToolStart{
		CallID: ev.ContentBlock.ID,
		Name:   ev.ContentBlock.Name,
	}
	if len(ev.ContentBlock.Input) > 0 {
		var input map[string]any
		if err := json.Unmarshal(ev.ContentBlock.Input, &input); err == nil {
			start.Input = input
		}
	}
	return &Event{Type: EventToolStart, ToolStart: start}
}

func decodeToolResult(ev api.StreamEvent) *Event {
	res := &ToolResult{
		CallID: ev.ToolUseID,
		Name:   ev.Name,
	}
	if out, ok := ev.Output.(string); ok {
		res.Output = out
	} else if ev.Output != nil {
		if data, err := json.Marshal(ev.Output); err == nil {
			res.Output = string(data)
		}
	}
	if ev.IsError != nil {
		res.IsErr = *ev.IsError
	}
	return &Event{Type: EventToolResult, ToolResult: res}
}

func decodeTerminalError(ev api.StreamEvent) *Event {
	msg, _ := ev.Output.(string)
	return &Event{Type: EventTerminal, Terminal: &Terminal{
		Subtype:   classifySubtype(msg),
		Result:    msg,
		SessionID: ev.SessionID,
	}}
}
