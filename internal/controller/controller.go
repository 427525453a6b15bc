// Package controller ties the orchestration core together: it opens one
// streaming engine session per execution, consumes events in delivery
// order, routes tool calls through hooks and the permission engine,
// maintains progress, and emits a final execution record.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/opsagent/internal/engine"
	"github.com/stellarlinkco/opsagent/internal/policy"
	"github.com/stellarlinkco/opsagent/internal/recovery"
	"github.com/stellarlinkco/opsagent/internal/session"
	"github.com/stellarlinkco/opsagent/internal/stream"
)

// Controller drives one streaming session at a time. Many controllers
// may run concurrently; the policy engine and session manager are the
// only shared state.
type Controller struct {
	engine   engine.Engine
	policy   *policy.Engine
	sessions *session.Manager
	stream   *stream.Handler
	recovery *recovery.Handler
}

// Options wires optional collaborators.
type Options struct {
	Sessions *session.Manager
	Stream   *stream.Handler
}

func New(eng engine.Engine, pol *policy.Engine, opts Options) *Controller {
	return &Controller{
		engine:   eng,
		policy:   pol,
		sessions: opts.Sessions,
		stream:   opts.Stream,
		recovery: recovery.NewHandler(),
	}
}

// counters holds the live per-execution budget counters. The tool gate
// reads them from the engine's goroutine, hence the lock; everything
// else runs on the controller loop.
type counters struct {
	mu        sync.Mutex
	start     time.Time
	costUSD   float64
	toolCalls int
	turn      int
}

func (c *counters) snapshot() (cost float64, calls, turn int, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.costUSD, c.toolCalls, c.turn, time.Since(c.start)
}

func (c *counters) addCost(delta float64) {
	if delta <= 0 {
		return
	}
	c.mu.Lock()
	c.costUSD += delta
	c.mu.Unlock()
}

func (c *counters) bumpTool() {
	c.mu.Lock()
	c.toolCalls++
	c.turn++
	c.mu.Unlock()
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeFailure
	outcomeAborted
)

type outcome struct {
	kind  outcomeKind
	fault recovery.Fault
}

// Execute runs one task to a terminal status. The returned record is
// always non-nil; err mirrors a non-completed status.
func (c *Controller) Execute(ctx context.Context, task Task) (*ExecutionRecord, error) {
	record := &ExecutionRecord{
		ID:        uuid.NewString(),
		TaskType:  task.Type,
		Status:    StatusPending,
		StartedAt: time.Now(),
	}
	arena := newActionArena()
	cnt := &counters{start: record.StartedAt}

	init := arena.openAction(ActionInitialization, "", "", "", nil)
	c.actionStart(task, init)

	sessionID := c.setupSession(task, record, cnt)
	record.SessionID = sessionID

	runCtx := ctx
	var cancel context.CancelFunc
	var timer *time.Timer
	var timedOut atomic.Bool
	maxDur := task.Budget.MaxDuration
	if maxDur > 0 {
		runCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		timer = time.AfterFunc(maxDur, func() {
			timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	arena.closeAction(init)
	c.actionEnd(task, init)
	record.Status = StatusRunning
	c.progress(task, cnt, "initializing", "session "+sessionID)

	instruction := task.Instruction
	for {
		record.Attempts++
		out := c.consume(runCtx, task, instruction, sessionID, record, arena, cnt)

		switch out.kind {
		case outcomeSuccess:
			return c.finish(task, record, arena, cnt, sessionID), nil

		case outcomeAborted:
			status := StatusCancelled
			fault := recovery.Fault{Subtype: engine.SubtypeTimeout, Message: "execution cancelled"}
			if timedOut.Load() {
				status = StatusTimeout
				fault.Message = fmt.Sprintf("elapsed time ceiling %s reached", maxDur)
			}
			return c.fail(task, record, arena, cnt, sessionID, status, fault, recovery.Decision{Action: recovery.ActionAbort, Reason: fault.Message})

		case outcomeFailure:
			decision := c.recovery.Handle(out.fault, recovery.Context{ExecutionID: record.ID, TaskType: task.Type}, task.Retry)
			c.logf(task, record, "fault %s (%s): %s", out.fault.Subtype, decision.Action, decision.Reason)

			switch decision.Action {
			case recovery.ActionRetry:
				if decision.TimeoutScale > 0 && timer != nil {
					maxDur = time.Duration(float64(maxDur) * decision.TimeoutScale)
					timer.Reset(time.Until(record.StartedAt.Add(maxDur)))
					c.logf(task, record, "time ceiling raised to %s", maxDur)
				}
				if !c.sleep(runCtx, decision.Delay) {
					continue
				}
				status := StatusCancelled
				if timedOut.Load() {
					status = StatusTimeout
				}
				return c.fail(task, record, arena, cnt, sessionID, status, out.fault, decision)

			case recovery.ActionIncreaseBudget:
				if decision.TurnIncrease > 0 && task.Budget.MaxToolCalls > 0 {
					task.Budget.MaxToolCalls += decision.TurnIncrease
					c.logf(task, record, "tool call ceiling raised to %d", task.Budget.MaxToolCalls)
				}
				continue

			case recovery.ActionReduceScope:
				instruction = c.reduceScope(task, instruction)
				c.logf(task, record, "instruction scope reduced to %d bytes", len(instruction))
				continue

			case recovery.ActionContinue:
				record.Partial = decision.Partial
				c.logf(task, record, "continuing with partial results: %s", decision.Reason)
				return c.finish(task, record, arena, cnt, sessionID), nil

			default: // abort
				return c.fail(task, record, arena, cnt, sessionID, StatusFailed, out.fault, decision)
			}
		}
	}
}

// sleep waits out a backoff delay. Returns true when the context was
// cancelled during the wait.
func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	select {
	case <-time.After(d):
		return false
	case <-ctx.Done():
		return true
	}
}

func (c *Controller) setupSession(task Task, record *ExecutionRecord, cnt *counters) string {
	if c.sessions == nil {
		if task.ResumeSessionID != "" {
			return task.ResumeSessionID
		}
		return uuid.NewString()
	}
	if task.ResumeSessionID != "" {
		cp, events, err := c.sessions.Resume(task.ResumeSessionID)
		if err != nil {
			log.Printf("[controller] resume %s warning: %v", task.ResumeSessionID, err)
		} else {
			cnt.mu.Lock()
			cnt.turn = cp.Turn
			cnt.costUSD = cp.CostUSD
			cnt.mu.Unlock()
			c.logf(task, record, "resumed session %s at turn %d (%d prior events)", task.ResumeSessionID, cp.Turn, len(events))
		}
		return task.ResumeSessionID
	}
	state, err := c.sessions.Create(task.Type, record.ID)
	if err != nil {
		log.Printf("[controller] create session warning: %v", err)
		return uuid.NewString()
	}
	return state.ID
}

// consume drives one streaming session until its terminal event, an
// abort, or stream close. Cancellation is polled at loop boundaries,
// never mid-event.
func (c *Controller) consume(ctx context.Context, task Task, instruction, sessionID string, record *ExecutionRecord, arena *actionArena, cnt *counters) outcome {
	events, err := c.engine.Stream(ctx, engine.Request{
		Instruction:  instruction,
		SessionID:    sessionID,
		AllowedTools: task.AllowedTools,
		Gate:         c.gate(task, record, cnt),
	})
	if err != nil {
		return outcome{kind: outcomeFailure, fault: recovery.Fault{Subtype: engine.SubtypeUnknown, Message: err.Error()}}
	}

	for {
		select {
		case <-ctx.Done():
			return outcome{kind: outcomeAborted}
		case ev, ok := <-events:
			if !ok {
				return outcome{kind: outcomeFailure, fault: recovery.Fault{
					Subtype: engine.SubtypeUnknown,
					Message: "stream closed without terminal event",
				}}
			}
			if done, out := c.handleEvent(task, record, arena, cnt, sessionID, ev); done {
				return out
			}
		}
	}
}

func (c *Controller) handleEvent(task Task, record *ExecutionRecord, arena *actionArena, cnt *counters, sessionID string, ev engine.Event) (bool, outcome) {
	c.persistEvent(sessionID, cnt, ev)
	if c.stream != nil {
		c.stream.FromEngine(record.ID, ev)
	}

	switch ev.Type {
	case engine.EventReasoning:
		action := arena.openAction(ActionReasoning, "", "", "", nil)
		arena.closeAction(action)
		c.actionStart(task, action)
		c.actionEnd(task, action)
		c.progress(task, cnt, "reasoning", ev.Reasoning.Text)

	case engine.EventToolStart:
		start := ev.ToolStart
		cnt.bumpTool()
		action := arena.openAction(ActionToolUse, start.Name, start.CallID, "", start.Input)
		c.actionStart(task, action)
		c.logf(task, record, "tool %s start (%s)", start.Name, start.CallID)
		c.progress(task, cnt, "tool_use", start.Name)

	case engine.EventToolResult:
		res := ev.ToolResult
		action := arena.resolve(res.CallID)
		if action == nil {
			c.logf(task, record, "tool result for unknown call %s dropped", res.CallID)
			break
		}
		arena.closeAction(action)
		c.actionEnd(task, action)
		if task.Hooks != nil {
			call := engine.ToolCall{ID: action.CallID, Name: action.Tool, Input: action.Input, SessionID: sessionID}
			task.Hooks.RunPost(context.Background(), call, *res)
		}
		c.logf(task, record, "tool %s done in %s", action.Tool, action.Duration.Round(time.Millisecond))

	case engine.EventTerminal:
		t := ev.Terminal
		cnt.addCost(t.CostUSD)
		record.CostUSD += t.CostUSD
		record.Usage.InputTokens += t.Usage.InputTokens
		record.Usage.OutputTokens += t.Usage.OutputTokens
		record.Usage.CacheWriteTokens += t.Usage.CacheWriteTokens
		record.Usage.CacheReadTokens += t.Usage.CacheReadTokens
		if t.Success {
			record.Result = t.Result
			return true, outcome{kind: outcomeSuccess}
		}
		if t.Result != "" {
			record.Result = t.Result
		}
		return true, outcome{kind: outcomeFailure, fault: recovery.Fault{Subtype: t.Subtype, Message: t.Result}}
	}
	return false, outcome{}
}

// gate is the pre-invocation callback the engine consults before every
// tool execution: pre hooks first, then the permission engine. A deny
// aborts only that call.
func (c *Controller) gate(task Task, record *ExecutionRecord, cnt *counters) engine.ToolGate {
	return func(ctx context.Context, call engine.ToolCall) error {
		if task.Hooks != nil {
			if blocked, reason := task.Hooks.RunPre(ctx, call); blocked {
				return fmt.Errorf("blocked by hook: %s", reason)
			}
		}
		if c.policy == nil {
			return nil
		}
		cost, calls, _, elapsed := cnt.snapshot()
		decision := c.policy.Check(call.Name, call.Input, policy.ExecutionContext{
			ExecutionID: record.ID,
			TaskType:    task.Type,
			CostUSD:     cost,
			ToolCalls:   calls,
			Elapsed:     elapsed,
			Budget:      task.Budget,
		})
		if !decision.Allowed {
			return errors.New(decision.Reason)
		}
		return nil
	}
}

func (c *Controller) persistEvent(sessionID string, cnt *counters, ev engine.Event) {
	if c.sessions == nil {
		return
	}
	cost, calls, turn, _ := cnt.snapshot()
	lastTool := ""
	if ev.Type == engine.EventToolStart {
		lastTool = ev.ToolStart.Name
	}
	c.sessions.Track(sessionID, turn, cost, lastTool, fmt.Sprintf("%d tool calls", calls))
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := c.sessions.AddMessage(sessionID, string(raw)); err != nil {
		log.Printf("[controller] session append warning: %v", err)
	}
}

func (c *Controller) finish(task Task, record *ExecutionRecord, arena *actionArena, cnt *counters, sessionID string) *ExecutionRecord {
	response := arena.openAction(ActionResponse, "", "", "", nil)
	arena.closeAction(response)
	c.actionStart(task, response)
	c.actionEnd(task, response)

	completion := arena.openAction(ActionCompletion, "", "", "", nil)
	arena.closeAction(completion)

	record.Orphans = arena.abandon()
	record.Status = StatusCompleted
	record.EndedAt = time.Now()
	record.Duration = record.EndedAt.Sub(record.StartedAt)
	record.Actions = arena.snapshot()

	c.checkpoint(sessionID, cnt, true)
	c.progress(task, cnt, "completed", "")
	if task.Callbacks.OnComplete != nil {
		task.Callbacks.OnComplete(record)
	}
	log.Printf("[controller] execution %s completed in %s ($%.4f)", record.ID, record.Duration.Round(time.Millisecond), record.CostUSD)
	return record
}

func (c *Controller) fail(task Task, record *ExecutionRecord, arena *actionArena, cnt *counters, sessionID, status string, fault recovery.Fault, decision recovery.Decision) (*ExecutionRecord, error) {
	handling := arena.openAction(ActionErrorHandling, "", "", "", nil)
	arena.closeAction(handling)

	record.Orphans = arena.abandon()
	record.Status = status
	record.Error = fault.Message
	if record.Error == "" {
		record.Error = string(recovery.Classify(fault))
	}
	record.EndedAt = time.Now()
	record.Duration = record.EndedAt.Sub(record.StartedAt)
	record.Actions = arena.snapshot()

	c.checkpoint(sessionID, cnt, true)
	c.progress(task, cnt, status, fault.Message)
	if task.Callbacks.OnError != nil {
		retry := task.Callbacks.OnError(ErrorContext{
			Fault:         fault,
			Status:        status,
			RecentActions: arena.recent(10),
			Elapsed:       record.Duration,
			Suggestion:    decision,
		})
		if retry {
			c.logf(task, record, "error hook requested retry; re-invocation is up to the caller")
		}
	}
	log.Printf("[controller] warning: execution %s %s: %s", record.ID, status, record.Error)
	return record, errors.New(record.Error)
}

func (c *Controller) checkpoint(sessionID string, cnt *counters, resumable bool) {
	if c.sessions == nil {
		return
	}
	cost, calls, turn, _ := cnt.snapshot()
	err := c.sessions.AddCheckpoint(sessionID, session.Checkpoint{
		Turn:      turn,
		CostUSD:   cost,
		Progress:  fmt.Sprintf("%d tool calls", calls),
		Resumable: resumable,
	})
	if err != nil {
		log.Printf("[controller] checkpoint warning: %v", err)
	}
}

func (c *Controller) reduceScope(task Task, instruction string) string {
	if task.ReduceScope != nil {
		return task.ReduceScope(instruction)
	}
	if len(instruction) > 400 {
		instruction = instruction[:len(instruction)/2]
	}
	return instruction + "\n\nKeep the response brief; a partial answer is acceptable."
}

func (c *Controller) progress(task Task, cnt *counters, stage, message string) {
	if task.Callbacks.OnProgress == nil {
		return
	}
	cost, calls, turn, _ := cnt.snapshot()
	task.Callbacks.OnProgress(Progress{
		Stage:     stage,
		Message:   message,
		Turn:      turn,
		ToolsUsed: calls,
		CostUSD:   cost,
	})
}

func (c *Controller) logf(task Task, record *ExecutionRecord, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	record.Logs = append(record.Logs, line)
	if task.Callbacks.OnLog != nil {
		task.Callbacks.OnLog(line)
	}
}

func (c *Controller) actionStart(task Task, action *ActionContext) {
	if task.Callbacks.OnActionStart != nil {
		task.Callbacks.OnActionStart(*action)
	}
}

func (c *Controller) actionEnd(task Task, action *ActionContext) {
	if task.Callbacks.OnActionEnd != nil {
		task.Callbacks.OnActionEnd(*action)
	}
}
