// Package hooks implements pre/post tool-invocation interceptors.
// Pre hooks may veto a call; post hooks only observe. Hook failures are
// contained: a panicking or erroring hook is logged and the chain moves
// on as if the hook had allowed.
package hooks

import (
	"context"
	"log"

	"github.com/stellarlinkco/opsagent/internal/engine"
)

// Decision is the verdict of a pre-invocation hook. Block is the only
// veto signal; any other value lets the chain continue.
type Decision int

const (
	Allow Decision = iota
	Block
)

// PreHook runs before a tool executes. Returning Block denies the call
// with the given reason.
type PreHook func(ctx context.Context, call engine.ToolCall) (Decision, string)

// PostHook runs after the tool result is known. It cannot veto.
type PostHook func(ctx context.Context, call engine.ToolCall, result engine.ToolResult)

// Pipeline holds registered hooks. Registration order is execution order.
type Pipeline struct {
	pre  []PreHook
	post []PostHook
}

func NewPipeline() *Pipeline {
	return &Pipeline{}
}

func (p *Pipeline) RegisterPre(h PreHook) {
	p.pre = append(p.pre, h)
}

func (p *Pipeline) RegisterPost(h PostHook) {
	p.post = append(p.post, h)
}

// RunPre executes pre hooks in order. The first Block halts the chain.
// Returns (blocked, reason).
func (p *Pipeline) RunPre(ctx context.Context, call engine.ToolCall) (bool, string) {
	for i, h := range p.pre {
		decision, reason := runPre(ctx, h, call, i)
		if decision == Block {
			return true, reason
		}
	}
	return false, ""
}

func runPre(ctx context.Context, h PreHook, call engine.ToolCall, idx int) (decision Decision, reason string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[hooks] pre hook %d panic on %s: %v", idx, call.Name, r)
			decision = Allow
		}
	}()
	return h(ctx, call)
}

// RunPost executes post hooks in order. Failures are logged and skipped.
func (p *Pipeline) RunPost(ctx context.Context, call engine.ToolCall, result engine.ToolResult) {
	for i, h := range p.post {
		runPost(ctx, h, call, result, i)
	}
}

func runPost(ctx context.Context, h PostHook, call engine.ToolCall, result engine.ToolResult, idx int) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[hooks] post hook %d panic on %s: %v", idx, call.Name, r)
		}
	}()
	h(ctx, call, result)
}
