package stream

import (
	"log"
	"sync"
	"time"

	"github.com/stellarlinkco/opsagent/internal/engine"
)

// Update types emitted by the handler.
const (
	UpdateReasoning  = "reasoning"
	UpdateToolStart  = "tool_start"
	UpdateToolResult = "tool_result"
	UpdateProgress   = "progress"
	UpdateLog        = "log"
	UpdateResult     = "result"
	UpdateError      = "error"
)

const DefaultBufSize = 100

// Update is the uniform shape every engine event and controller
// notification normalizes to before reaching listeners.
type Update struct {
	Type        string    `json:"type"`
	ExecutionID string    `json:"executionId,omitempty"`
	Message     string    `json:"message,omitempty"`
	Tool        string    `json:"tool,omitempty"`
	CallID      string    `json:"callId,omitempty"`
	Turn        int       `json:"turn,omitempty"`
	CostUSD     float64   `json:"costUsd,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Listener receives updates. Listeners must not assume they see every
// update: rate-limited and filtered subscriptions drop.
type Listener func(Update)

type subscription struct {
	fn     Listener
	types  map[string]bool // nil accepts all
	minGap time.Duration

	mu   sync.Mutex
	last time.Time
}

func (s *subscription) wants(u Update) bool {
	if s.types != nil && !s.types[u.Type] {
		return false
	}
	if s.minGap <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.last.IsZero() && time.Since(s.last) < s.minGap {
		return false // drop, never queue
	}
	s.last = time.Now()
	return true
}

// SubOption configures a subscription.
type SubOption func(*subscription)

// WithTypes restricts a listener to the given update types.
func WithTypes(types ...string) SubOption {
	return func(s *subscription) {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
}

// WithRateLimit drops updates arriving within minGap of the last
// delivered one.
func WithRateLimit(minGap time.Duration) SubOption {
	return func(s *subscription) { s.minGap = minGap }
}

// Handler keeps a bounded ring of recent updates and fans new ones out
// to listeners. Producers never block: overflow evicts the oldest
// buffered update and slow or failing listeners only affect themselves.
type Handler struct {
	mu      sync.Mutex
	buf     []Update
	size    int
	subs    map[int]*subscription
	nextSub int
}

func NewHandler(size int) *Handler {
	if size <= 0 {
		size = DefaultBufSize
	}
	return &Handler{
		size: size,
		subs: make(map[int]*subscription),
	}
}

// Subscribe registers a listener and returns its unsubscribe func.
func (h *Handler) Subscribe(fn Listener, opts ...SubOption) func() {
	sub := &subscription{fn: fn}
	for _, opt := range opts {
		opt(sub)
	}
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = sub
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Push buffers the update and broadcasts it.
func (h *Handler) Push(u Update) {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}

	h.mu.Lock()
	h.buf = append(h.buf, u)
	if len(h.buf) > h.size {
		h.buf = h.buf[len(h.buf)-h.size:]
	}
	targets := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range targets {
		if !sub.wants(u) {
			continue
		}
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[stream] listener panic: %v", r)
				}
			}()
			s.fn(u)
		}(sub)
	}
	wg.Wait()
}

// Recent returns up to n buffered updates, newest last.
func (h *Handler) Recent(n int) []Update {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.buf) {
		n = len(h.buf)
	}
	out := make([]Update, n)
	copy(out, h.buf[len(h.buf)-n:])
	return out
}

// FromEngine normalizes an engine event into an update and pushes it.
// Events outside the closed union are dropped silently.
func (h *Handler) FromEngine(executionID string, ev engine.Event) {
	switch ev.Type {
	case engine.EventReasoning:
		h.Push(Update{
			Type:        UpdateReasoning,
			ExecutionID: executionID,
			Message:     ev.Reasoning.Text,
			Turn:        ev.Reasoning.Turn,
		})
	case engine.EventToolStart:
		h.Push(Update{
			Type:        UpdateToolStart,
			ExecutionID: executionID,
			Tool:        ev.ToolStart.Name,
			CallID:      ev.ToolStart.CallID,
		})
	case engine.EventToolResult:
		h.Push(Update{
			Type:        UpdateToolResult,
			ExecutionID: executionID,
			Tool:        ev.ToolResult.Name,
			CallID:      ev.ToolResult.CallID,
			Message:     ev.ToolResult.Output,
		})
	case engine.EventTerminal:
		typ := UpdateResult
		if !ev.Terminal.Success {
			typ = UpdateError
		}
		h.Push(Update{
			Type:        typ,
			ExecutionID: executionID,
			Message:     ev.Terminal.Result,
			CostUSD:     ev.Terminal.CostUSD,
		})
	}
}
