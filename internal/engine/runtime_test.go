package engine

import (
	"context"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
)

func textDelta(s string) api.StreamEvent {
	return api.StreamEvent{
		Type:  api.EventContentBlockDelta,
		Delta: &api.Delta{Type: "text_delta", Text: s},
	}
}

func TestForwardStopsOnContextCancel(t *testing.T) {
	r := &Runtime{gates: map[string]ToolGate{
		"s1": func(context.Context, ToolCall) error { return nil },
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan api.StreamEvent)
	out := make(chan Event, 1) // nobody drains this
	done := make(chan struct{})
	go func() {
		r.forward(ctx, Request{SessionID: "s1"}, events, out)
		close(done)
	}()

	// The first delta fills out's buffer; the second leaves a send
	// pending with no consumer.
	events <- textDelta("one")
	events <- textDelta("two")
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forward did not return after cancel")
	}

	r.mu.Lock()
	_, ok := r.gates["s1"]
	r.mu.Unlock()
	if ok {
		t.Error("gate not dropped after cancel")
	}
}

func TestForwardSynthesizesTerminal(t *testing.T) {
	r := &Runtime{
		gates:   map[string]ToolGate{},
		pricing: Pricing{InputPerMTok: 3.0, OutputPerMTok: 15.0},
	}

	events := make(chan api.StreamEvent, 4)
	events <- textDelta("all clear")
	events <- api.StreamEvent{
		Type:  api.EventMessageDelta,
		Usage: &api.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000},
	}
	close(events)

	out := make(chan Event, 4)
	r.forward(context.Background(), Request{SessionID: "s9"}, events, out)

	var last Event
	for ev := range out {
		last = ev
	}
	if last.Type != EventTerminal || last.Terminal == nil {
		t.Fatalf("last event = %+v", last)
	}
	if !last.Terminal.Success || last.Terminal.Result != "all clear" {
		t.Errorf("terminal = %+v", last.Terminal)
	}
	if last.Terminal.SessionID != "s9" {
		t.Errorf("session = %q", last.Terminal.SessionID)
	}
	if last.Terminal.CostUSD != 18.0 {
		t.Errorf("cost = %v", last.Terminal.CostUSD)
	}
}
