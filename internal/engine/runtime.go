package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cexll/agentsdk-go/pkg/api"
	coreevents "github.com/cexll/agentsdk-go/pkg/core/events"
	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/opsagent/internal/config"
)

// ToolCall describes a tool invocation the engine wants to perform.
type ToolCall struct {
	ID        string
	Name      string
	Input     map[string]any
	SessionID string
}

// ToolGate is consulted before every tool execution. A non-nil error
// denies the call; the error text is the denial reason.
type ToolGate func(ctx context.Context, call ToolCall) error

// Request opens one streaming session against the engine.
type Request struct {
	Instruction  string
	SessionID    string
	AllowedTools []string
	Gate         ToolGate
}

// Engine is the streaming surface the execution controller drives.
// Implementations must deliver events in order and close the channel
// after the terminal event.
type Engine interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
	Close() error
}

// Pricing converts token usage into dollar cost for budget enforcement.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Cost returns the dollar cost of the given usage.
func (p Pricing) Cost(u Usage) float64 {
	in := float64(u.InputTokens+u.CacheWriteTokens+u.CacheReadTokens) * p.InputPerMTok
	out := float64(u.OutputTokens) * p.OutputPerMTok
	return (in + out) / 1e6
}

// Runtime adapts the agentsdk-go runtime to the Engine interface. Tool
// gates are registered per session id because the SDK takes its
// permission handler once at construction.
type Runtime struct {
	rt      *api.Runtime
	pricing Pricing

	mu    sync.Mutex
	gates map[string]ToolGate
}

// NewRuntime builds the production engine from config.
func NewRuntime(cfg *config.Config, systemPrompt string) (*Runtime, error) {
	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	}

	r := &Runtime{
		gates: make(map[string]ToolGate),
		pricing: Pricing{
			InputPerMTok:  cfg.Provider.InputCostPerMTok,
			OutputPerMTok: cfg.Provider.OutputCostPerMTok,
		},
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:              cfg.Agent.Workspace,
		ModelFactory:             provider,
		SystemPrompt:             systemPrompt,
		MaxIterations:            cfg.Agent.MaxTurns,
		PermissionRequestHandler: r.handlePermission,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	r.rt = rt
	return r, nil
}

func (r *Runtime) handlePermission(ctx context.Context, req api.PermissionRequest) (coreevents.PermissionDecisionType, error) {
	r.mu.Lock()
	gate := r.gates[req.SessionID]
	r.mu.Unlock()
	if gate == nil {
		return coreevents.PermissionAllow, nil
	}
	call := ToolCall{Name: req.ToolName, Input: req.ToolParams, SessionID: req.SessionID}
	if err := gate(ctx, call); err != nil {
		return coreevents.PermissionDeny, nil
	}
	return coreevents.PermissionAllow, nil
}

// Stream opens one SDK streaming run and translates its events into the
// normalized union. The terminal event is synthesized when the SDK
// channel closes without its own error event.
func (r *Runtime) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if req.Gate != nil {
		r.mu.Lock()
		r.gates[req.SessionID] = req.Gate
		r.mu.Unlock()
	}

	events, err := r.rt.RunStream(ctx, api.Request{
		Prompt:        req.Instruction,
		SessionID:     req.SessionID,
		ToolWhitelist: req.AllowedTools,
	})
	if err != nil {
		r.dropGate(req.SessionID)
		return nil, fmt.Errorf("open stream: %w", err)
	}

	out := make(chan Event, 64)
	go r.forward(ctx, req, events, out)
	return out, nil
}

// forward translates SDK events onto out until the stream ends or the
// consumer's context is cancelled. Sends race against ctx so an
// abandoned stream never strands the goroutine.
func (r *Runtime) forward(ctx context.Context, req Request, events <-chan api.StreamEvent, out chan<- Event) {
	defer close(out)
	defer r.dropGate(req.SessionID)

	var (
		usage    Usage
		text     strings.Builder
		turn     int
		terminal bool
	)
	for ev := range events {
		switch ev.Type {
		case api.EventIterationStart:
			if ev.Iteration != nil {
				turn = *ev.Iteration
			}
		case api.EventMessageStart:
			// Each assistant message replaces the candidate result;
			// the last one before the stream closes is the answer.
			text.Reset()
		case api.EventMessageDelta:
			if ev.Usage != nil {
				usage.InputTokens += ev.Usage.InputTokens
				usage.OutputTokens += ev.Usage.OutputTokens
			}
		}

		decoded := Decode(ev)
		if decoded == nil {
			continue
		}
		switch decoded.Type {
		case EventReasoning:
			decoded.Reasoning.Turn = turn
			text.WriteString(decoded.Reasoning.Text)
		case EventTerminal:
			decoded.Terminal.Usage = usage
			decoded.Terminal.CostUSD = r.pricing.Cost(usage)
			if decoded.Terminal.SessionID == "" {
				decoded.Terminal.SessionID = req.SessionID
			}
			terminal = true
		}
		select {
		case out <- *decoded:
		case <-ctx.Done():
			return
		}
		if terminal {
			return
		}
	}

	select {
	case out <- Event{Type: EventTerminal, Terminal: &Terminal{
		Success:   true,
		Subtype:   SubtypeSuccess,
		Result:    text.String(),
		CostUSD:   r.pricing.Cost(usage),
		Usage:     usage,
		SessionID: req.SessionID,
	}}:
	case <-ctx.Done():
	}
}

func (r *Runtime) dropGate(sessionID string) {
	r.mu.Lock()
	delete(r.gates, sessionID)
	r.mu.Unlock()
}

// Close releases the underlying SDK runtime.
func (r *Runtime) Close() error {
	if r.rt == nil {
		return nil
	}
	return r.rt.Close()
}
