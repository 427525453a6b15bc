package engine

import (
	"encoding/json"
	"testing"

	"github.com/cexll/agentsdk-go/pkg/api"
)

func TestDecodeReasoning(t *testing.T) {
	iter := 3
	ev := Decode(api.StreamEvent{
		Type:      api.EventContentBlockDelta,
		Delta:     &api.Delta{Type: "text_delta", Text: "inspecting the log"},
		Iteration: &iter,
	})
	if ev == nil || ev.Type != EventReasoning {
		t.Fatalf("decoded = %+v", ev)
	}
	if ev.Reasoning.Text != "inspecting the log" {
		t.Errorf("text = %q", ev.Reasoning.Text)
	}
	if ev.Reasoning.Turn != 3 {
		t.Errorf("turn = %d", ev.Reasoning.Turn)
	}
}

func TestDecodeEmptyDeltaDropped(t *testing.T) {
	if ev := Decode(api.StreamEvent{Type: api.EventContentBlockDelta, Delta: &api.Delta{}}); ev != nil {
		t.Errorf("empty delta decoded to %+v", ev)
	}
	if ev := Decode(api.StreamEvent{Type: api.EventContentBlockDelta}); ev != nil {
		t.Errorf("nil delta decoded to %+v", ev)
	}
}

func TestDecodeToolStart(t *testing.T) {
	ev := Decode(api.StreamEvent{
		Type: api.EventContentBlockStart,
		ContentBlock: &api.ContentBlock{
			Type:  "tool_use",
			ID:    "toolu_01",
			Name:  "Bash",
			Input: json.RawMessage(`{"command":"df -h"}`),
		},
	})
	if ev == nil || ev.Type != EventToolStart {
		t.Fatalf("decoded = %+v", ev)
	}
	if ev.ToolStart.CallID != "toolu_01" || ev.ToolStart.Name != "Bash" {
		t.Errorf("tool start = %+v", ev.ToolStart)
	}
	if ev.ToolStart.Input["command"] != "df -h" {
		t.Errorf("input = %v", ev.ToolStart.Input)
	}
}

func TestDecodeTextBlockStartDropped(t *testing.T) {
	ev := Decode(api.StreamEvent{
		Type:         api.EventContentBlockStart,
		ContentBlock: &api.ContentBlock{Type: "text"},
	})
	if ev != nil {
		t.Errorf("text block start decoded to %+v", ev)
	}
}

func TestDecodeToolResult(t *testing.T) {
	isErr := true
	ev := Decode(api.StreamEvent{
		Type:      api.EventToolExecutionResult,
		ToolUseID: "toolu_01",
		Name:      "Bash",
		Output:    "command not found",
		IsError:   &isErr,
	})
	if ev == nil || ev.Type != EventToolResult {
		t.Fatalf("decoded = %+v", ev)
	}
	res := ev.ToolResult
	if res.CallID != "toolu_01" || res.Output != "command not found" || !res.IsErr {
		t.Errorf("result = %+v", res)
	}
}

func TestDecodeToolResultStructuredOutput(t *testing.T) {
	ev := Decode(api.StreamEvent{
		Type:      api.EventToolExecutionResult,
		ToolUseID: "toolu_02",
		Output:    map[string]any{"lines": 12},
	})
	if ev == nil {
		t.Fatal("decoded nil")
	}
	if ev.ToolResult.Output != `{"lines":12}` {
		t.Errorf("output = %q", ev.ToolResult.Output)
	}
}

func TestDecodeErrorTerminal(t *testing.T) {
	ev := Decode(api.StreamEvent{
		Type:      api.EventError,
		Output:    "rate limit exceeded, retry later",
		SessionID: "sess-1",
	})
	if ev == nil || ev.Type != EventTerminal {
		t.Fatalf("decoded = %+v", ev)
	}
	term := ev.Terminal
	if term.Success {
		t.Error("error terminal marked success")
	}
	if term.Subtype != SubtypeRateLimited {
		t.Errorf("subtype = %q", term.Subtype)
	}
	if term.SessionID != "sess-1" {
		t.Errorf("session = %q", term.SessionID)
	}
}

func TestDecodeUnknownShapeDropped(t *testing.T) {
	for _, typ := range []string{"ping", api.EventMessageStart, api.EventIterationStart, ""} {
		if ev := Decode(api.StreamEvent{Type: typ}); ev != nil {
			t.Errorf("type %q decoded to %+v", typ, ev)
		}
	}
}

func TestClassifySubtype(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"Rate limit exceeded", SubtypeRateLimited},
		{"HTTP 429 from upstream", SubtypeRateLimited},
		{"server overloaded", SubtypeRateLimited},
		{"max iterations reached", SubtypeMaxTurns},
		{"permission denied for tool Bash", SubtypePermissionDenied},
		{"blocked: denied by hook", SubtypePermissionDenied},
		{"prompt is too long: 250000 tokens", SubtypePromptTooLarge},
		{"context window exhausted", SubtypeContextWindow},
		{"cost budget exceeded", SubtypeCostCeiling},
		{"context deadline exceeded", SubtypeTimeout},
		{"something novel broke", SubtypeUnknown},
		{"", SubtypeUnknown},
	}
	for _, tt := range tests {
		if got := classifySubtype(tt.msg); got != tt.want {
			t.Errorf("classifySubtype(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestUsageTotal(t *testing.T) {
	u := Usage{InputTokens: 100, OutputTokens: 50, CacheWriteTokens: 10, CacheReadTokens: 5}
	if u.Total() != 165 {
		t.Errorf("total = %d", u.Total())
	}
}

func TestPricingCost(t *testing.T) {
	p := Pricing{InputPerMTok: 3, OutputPerMTok: 15}
	u := Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	if got := p.Cost(u); got != 18 {
		t.Errorf("cost = %f, want 18", got)
	}
	if got := p.Cost(Usage{}); got != 0 {
		t.Errorf("zero usage cost = %f", got)
	}
}
