package controller

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/opsagent/internal/engine"
	"github.com/stellarlinkco/opsagent/internal/hooks"
	"github.com/stellarlinkco/opsagent/internal/policy"
)

// fakeEngine replays one scripted event sequence per Stream call. Like
// the real runtime it consults the gate before each tool invocation and
// reports a denied result instead of running the tool.
type fakeEngine struct {
	scripts  [][]engine.Event
	calls    int
	requests []engine.Request
	block    bool // never deliver events, for cancellation tests

	mu     sync.Mutex
	denied []string
}

func (f *fakeEngine) Stream(ctx context.Context, req engine.Request) (<-chan engine.Event, error) {
	f.requests = append(f.requests, req)
	var script []engine.Event
	if f.calls < len(f.scripts) {
		script = f.scripts[f.calls]
	}
	f.calls++

	// Unbuffered so the controller consumes each event before the next
	// gate check, matching how the runtime interleaves them.
	ch := make(chan engine.Event)
	if f.block {
		return ch, nil
	}
	go func() {
		defer close(ch)
		send := func(ev engine.Event) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, ev := range script {
			if ev.Type == engine.EventToolStart && req.Gate != nil {
				call := engine.ToolCall{
					ID:        ev.ToolStart.CallID,
					Name:      ev.ToolStart.Name,
					Input:     ev.ToolStart.Input,
					SessionID: req.SessionID,
				}
				if err := req.Gate(ctx, call); err != nil {
					f.mu.Lock()
					f.denied = append(f.denied, ev.ToolStart.Name+": "+err.Error())
					f.mu.Unlock()
					if !send(ev) {
						return
					}
					if !send(engine.Event{Type: engine.EventToolResult, ToolResult: &engine.ToolResult{
						CallID: ev.ToolStart.CallID,
						Name:   ev.ToolStart.Name,
						Output: err.Error(),
						Denied: true,
						IsErr:  true,
					}}) {
						return
					}
					continue
				}
			}
			if !send(ev) {
				return
			}
		}
	}()
	return ch, nil
}

func (f *fakeEngine) Close() error { return nil }

func reasoning(text string) engine.Event {
	return engine.Event{Type: engine.EventReasoning, Reasoning: &engine.ReasoningStep{Text: text}}
}

func toolStart(callID, name string, input map[string]any) engine.Event {
	return engine.Event{Type: engine.EventToolStart, ToolStart: &engine.ToolStart{CallID: callID, Name: name, Input: input}}
}

func toolResult(callID, name, output string) engine.Event {
	return engine.Event{Type: engine.EventToolResult, ToolResult: &engine.ToolResult{CallID: callID, Name: name, Output: output}}
}

func terminalOK(result string, cost float64) engine.Event {
	return engine.Event{Type: engine.EventTerminal, Terminal: &engine.Terminal{
		Success: true, Subtype: engine.SubtypeSuccess, Result: result, CostUSD: cost,
		Usage: engine.Usage{InputTokens: 100, OutputTokens: 50},
	}}
}

func terminalFail(subtype, msg string) engine.Event {
	return engine.Event{Type: engine.EventTerminal, Terminal: &engine.Terminal{Subtype: subtype, Result: msg}}
}

func TestExecuteSuccess(t *testing.T) {
	eng := &fakeEngine{scripts: [][]engine.Event{{
		reasoning("checking disk usage"),
		toolStart("call-1", "Bash", map[string]any{"command": "df -h"}),
		toolResult("call-1", "Bash", "all healthy"),
		terminalOK("disks are healthy", 0.02),
	}}}

	var completed int
	ctl := New(eng, nil, Options{})
	record, err := ctl.Execute(context.Background(), Task{
		Instruction: "check disk usage",
		Type:        "syslog_check",
		Callbacks:   Callbacks{OnComplete: func(*ExecutionRecord) { completed++ }},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", record.Status, StatusCompleted)
	}
	if record.Result != "disks are healthy" {
		t.Errorf("result = %q", record.Result)
	}
	if record.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", record.Attempts)
	}
	if record.Orphans != 0 {
		t.Errorf("orphans = %d, want 0", record.Orphans)
	}
	if record.CostUSD != 0.02 {
		t.Errorf("cost = %f", record.CostUSD)
	}
	if completed != 1 {
		t.Errorf("OnComplete fired %d times", completed)
	}
}

func TestExecuteActionLifecycle(t *testing.T) {
	eng := &fakeEngine{scripts: [][]engine.Event{{
		toolStart("call-1", "Read", map[string]any{"file_path": "/var/log/syslog"}),
		toolResult("call-1", "Read", "log lines"),
		terminalOK("done", 0),
	}}}

	ctl := New(eng, nil, Options{})
	record, err := ctl.Execute(context.Background(), Task{Instruction: "read the log"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	categories := map[string]int{}
	for _, action := range record.Actions {
		categories[action.Category]++
		if !action.Closed {
			t.Errorf("action %s (%s) left open", action.ID, action.Category)
		}
	}
	for _, want := range []string{ActionInitialization, ActionToolUse, ActionResponse, ActionCompletion} {
		if categories[want] == 0 {
			t.Errorf("no %s action recorded", want)
		}
	}
	var tool ActionContext
	for _, action := range record.Actions {
		if action.Category == ActionToolUse {
			tool = action
		}
	}
	if tool.Tool != "Read" || tool.CallID != "call-1" {
		t.Errorf("tool action = %+v", tool)
	}
}

func TestExecuteToolCeilingDeniesCallNotExecution(t *testing.T) {
	pol := policy.NewEngine(policy.Options{})
	eng := &fakeEngine{scripts: [][]engine.Event{{
		toolStart("c1", "Read", map[string]any{"file_path": "/tmp/a"}),
		toolResult("c1", "Read", "ok"),
		toolStart("c2", "Read", map[string]any{"file_path": "/tmp/b"}),
		toolResult("c2", "Read", "ok"),
		toolStart("c3", "Read", map[string]any{"file_path": "/tmp/c"}),
		toolResult("c3", "Read", "ok"),
		terminalOK("summary from first two reads", 0),
	}}}

	ctl := New(eng, pol, Options{})
	record, err := ctl.Execute(context.Background(), Task{
		Instruction: "read three files",
		Budget:      policy.Budget{MaxToolCalls: 2},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", record.Status)
	}
	if len(eng.denied) != 1 {
		t.Fatalf("denied = %v, want exactly one denial", eng.denied)
	}
	if !strings.Contains(eng.denied[0], "tool call") {
		t.Errorf("denial reason = %q", eng.denied[0])
	}
}

func TestExecuteHookBlocksCall(t *testing.T) {
	pipe := hooks.NewPipeline()
	pipe.RegisterPre(func(ctx context.Context, call engine.ToolCall) (hooks.Decision, string) {
		if call.Name == "Bash" {
			return hooks.Block, "shell disabled for this task"
		}
		return hooks.Allow, ""
	})

	eng := &fakeEngine{scripts: [][]engine.Event{{
		toolStart("c1", "Bash", map[string]any{"command": "uptime"}),
		toolResult("c1", "Bash", "ok"),
		terminalOK("done without shell", 0),
	}}}

	ctl := New(eng, nil, Options{})
	record, err := ctl.Execute(context.Background(), Task{Instruction: "check uptime", Hooks: pipe})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record.Status != StatusCompleted {
		t.Fatalf("status = %s", record.Status)
	}
	if len(eng.denied) != 1 || !strings.Contains(eng.denied[0], "blocked by hook") {
		t.Errorf("denied = %v", eng.denied)
	}
}

func TestExecuteTurnBudgetIncreasesThenContinues(t *testing.T) {
	fail := []engine.Event{terminalFail(engine.SubtypeMaxTurns, "max iterations reached")}
	eng := &fakeEngine{scripts: [][]engine.Event{fail, fail, fail}}

	ctl := New(eng, nil, Options{})
	record, err := ctl.Execute(context.Background(), Task{Instruction: "long task"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed with partial results", record.Status)
	}
	if !record.Partial {
		t.Error("partial flag not set")
	}
	if record.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 (two budget raises then continue)", record.Attempts)
	}
}

func TestExecuteUnknownFaultRetriesOnceThenAborts(t *testing.T) {
	fail := []engine.Event{terminalFail(engine.SubtypeUnknown, "internal engine error")}
	eng := &fakeEngine{scripts: [][]engine.Event{fail, fail}}

	var errCtx *ErrorContext
	ctl := New(eng, nil, Options{})
	record, err := ctl.Execute(context.Background(), Task{
		Instruction: "flaky task",
		Callbacks: Callbacks{OnError: func(ec ErrorContext) bool {
			errCtx = &ec
			return false
		}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if record.Status != StatusFailed {
		t.Fatalf("status = %s", record.Status)
	}
	if record.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", record.Attempts)
	}
	if errCtx == nil {
		t.Fatal("OnError never fired")
	}
	if errCtx.Fault.Subtype != engine.SubtypeUnknown {
		t.Errorf("fault subtype = %s", errCtx.Fault.Subtype)
	}
}

func TestExecuteCostCeilingAbortsWithoutRetry(t *testing.T) {
	eng := &fakeEngine{scripts: [][]engine.Event{
		{terminalFail(engine.SubtypeCostCeiling, "cost ceiling exceeded")},
	}}

	ctl := New(eng, nil, Options{})
	record, err := ctl.Execute(context.Background(), Task{Instruction: "expensive task"})
	if err == nil {
		t.Fatal("expected error")
	}
	if record.Status != StatusFailed {
		t.Fatalf("status = %s", record.Status)
	}
	if eng.calls != 1 {
		t.Errorf("engine invoked %d times, want 1", eng.calls)
	}
}

func TestExecuteReduceScopeRewritesInstruction(t *testing.T) {
	eng := &fakeEngine{scripts: [][]engine.Event{
		{terminalFail(engine.SubtypePromptTooLarge, "prompt too long")},
		{terminalOK("shorter answer", 0)},
	}}

	ctl := New(eng, nil, Options{})
	record, err := ctl.Execute(context.Background(), Task{
		Instruction: "analyze everything",
		ReduceScope: func(string) string { return "analyze the last hour only" },
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record.Status != StatusCompleted {
		t.Fatalf("status = %s", record.Status)
	}
	if len(eng.requests) != 2 {
		t.Fatalf("requests = %d", len(eng.requests))
	}
	if eng.requests[1].Instruction != "analyze the last hour only" {
		t.Errorf("second instruction = %q", eng.requests[1].Instruction)
	}
	if eng.requests[0].SessionID != eng.requests[1].SessionID {
		t.Error("retry switched sessions")
	}
}

func TestExecuteTimeout(t *testing.T) {
	eng := &fakeEngine{block: true}

	ctl := New(eng, nil, Options{})
	record, err := ctl.Execute(context.Background(), Task{
		Instruction: "never finishes",
		Budget:      policy.Budget{MaxDuration: 50 * time.Millisecond},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if record.Status != StatusTimeout {
		t.Fatalf("status = %s, want timeout", record.Status)
	}
}

func TestExecuteCancelled(t *testing.T) {
	eng := &fakeEngine{block: true}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	ctl := New(eng, nil, Options{})
	record, err := ctl.Execute(ctx, Task{Instruction: "stopped by operator"})
	if err == nil {
		t.Fatal("expected error")
	}
	if record.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", record.Status)
	}
}

func TestExecuteAbortOrphanAccounting(t *testing.T) {
	eng := &fakeEngine{scripts: [][]engine.Event{
		{
			toolStart("c1", "Bash", nil),
			terminalFail(engine.SubtypeCostCeiling, "cost ceiling exceeded"),
		},
	}}

	ctl := New(eng, nil, Options{})
	record, _ := ctl.Execute(context.Background(), Task{Instruction: "aborted mid-tool"})
	if record.Status != StatusFailed {
		t.Fatalf("status = %s", record.Status)
	}
	if record.Orphans != 1 {
		t.Errorf("orphans = %d, want 1", record.Orphans)
	}
}

func TestExecuteResultFallbackCorrelation(t *testing.T) {
	eng := &fakeEngine{scripts: [][]engine.Event{{
		toolStart("c1", "Read", nil),
		toolResult("", "Read", "delivered without a call id"),
		terminalOK("ok", 0),
	}}}

	ctl := New(eng, nil, Options{})
	record, err := ctl.Execute(context.Background(), Task{Instruction: "fallback pairing"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, action := range record.Actions {
		if action.Category == ActionToolUse && !action.Closed {
			t.Error("tool action not closed by fallback correlation")
		}
	}
	if record.Orphans != 0 {
		t.Errorf("orphans = %d", record.Orphans)
	}
}

func TestExecuteCostAccumulatesAcrossAttempts(t *testing.T) {
	eng := &fakeEngine{scripts: [][]engine.Event{
		{
			reasoning("first pass over the log"),
			{Type: engine.EventTerminal, Terminal: &engine.Terminal{
				Subtype: engine.SubtypeMaxTurns, Result: "max iterations reached",
				CostUSD: 0.05, Usage: engine.Usage{InputTokens: 200, OutputTokens: 80},
			}},
		},
		{
			reasoning("second pass"),
			terminalOK("summary ready", 0.03),
		},
	}}

	var costs []float64
	ctl := New(eng, nil, Options{})
	record, err := ctl.Execute(context.Background(), Task{
		Instruction: "summarize the log",
		Type:        "syslog_check",
		Budget:      policy.Budget{MaxToolCalls: 5},
		Callbacks: Callbacks{
			OnProgress: func(p Progress) { costs = append(costs, p.CostUSD) },
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", record.Attempts)
	}
	if record.CostUSD < 0.08-1e-9 || record.CostUSD > 0.08+1e-9 {
		t.Errorf("cost = %v, want 0.08", record.CostUSD)
	}
	if record.Usage.InputTokens != 300 || record.Usage.OutputTokens != 130 {
		t.Errorf("usage = %+v", record.Usage)
	}
	for i := 1; i < len(costs); i++ {
		if costs[i] < costs[i-1] {
			t.Errorf("cost went backwards at snapshot %d: %v -> %v", i, costs[i-1], costs[i])
		}
	}
}
