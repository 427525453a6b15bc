package controller

import (
	"fmt"
	"time"
)

// actionArena tracks open ActionContexts: an index keyed by the engine's
// call-id plus an ordered open list for the most-recent-unresolved
// fallback. The controller loop is single-threaded, so no locking.
type actionArena struct {
	all    []*ActionContext
	byCall map[string]*ActionContext
	open   []*ActionContext // open order, oldest first
	seq    int
}

func newActionArena() *actionArena {
	return &actionArena{byCall: make(map[string]*ActionContext)}
}

func (a *actionArena) openAction(category, tool, callID, parentID string, input map[string]any) *ActionContext {
	a.seq++
	action := &ActionContext{
		ID:        fmt.Sprintf("act-%d", a.seq),
		Category:  category,
		Tool:      tool,
		Input:     input,
		CallID:    callID,
		ParentID:  parentID,
		StartedAt: time.Now(),
	}
	a.all = append(a.all, action)
	a.open = append(a.open, action)
	if callID != "" {
		a.byCall[callID] = action
	}
	return action
}

func (a *actionArena) closeAction(action *ActionContext) {
	if action == nil || action.Closed {
		return
	}
	action.EndedAt = time.Now()
	action.Duration = action.EndedAt.Sub(action.StartedAt)
	action.Closed = true
	if action.CallID != "" {
		delete(a.byCall, action.CallID)
	}
	for i, open := range a.open {
		if open == action {
			a.open = append(a.open[:i], a.open[i+1:]...)
			break
		}
	}
}

// resolve finds the open tool_use action for a result: by call-id first,
// falling back to the most recent unresolved tool_use.
func (a *actionArena) resolve(callID string) *ActionContext {
	if action, ok := a.byCall[callID]; ok {
		return action
	}
	for i := len(a.open) - 1; i >= 0; i-- {
		if a.open[i].Category == ActionToolUse {
			return a.open[i]
		}
	}
	return nil
}

// abandon closes all open actions except the most recently opened one,
// which stays as the single permitted orphan of an aborted execution.
// Returns the orphan count (0 or 1).
func (a *actionArena) abandon() int {
	if len(a.open) == 0 {
		return 0
	}
	for len(a.open) > 1 {
		a.closeAction(a.open[0])
	}
	return 1
}

// snapshot copies the full action history, most recent last.
func (a *actionArena) snapshot() []ActionContext {
	out := make([]ActionContext, len(a.all))
	for i, action := range a.all {
		out[i] = *action
	}
	return out
}

// recent returns up to n most recent actions.
func (a *actionArena) recent(n int) []ActionContext {
	all := a.snapshot()
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}
