package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stellarlinkco/opsagent/internal/config"
	"github.com/stellarlinkco/opsagent/internal/controller"
	"github.com/stellarlinkco/opsagent/internal/engine"
)

type fakeEngine struct {
	events []engine.Event
	closed bool
}

func (f *fakeEngine) Stream(ctx context.Context, req engine.Request) (<-chan engine.Event, error) {
	ch := make(chan engine.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeEngine) Close() error {
	f.closed = true
	return nil
}

func testHome(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("OPSAGENT_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPSAGENT_SESSION_DB", "")
}

func TestNewApp_WiresController(t *testing.T) {
	testHome(t)

	fake := &fakeEngine{events: []engine.Event{
		{Type: engine.EventTerminal, Terminal: &engine.Terminal{
			Success: true, Subtype: engine.SubtypeSuccess, Result: "system healthy",
		}},
	}}
	var out bytes.Buffer
	a, err := newApp(func(cfg *config.Config) (engine.Engine, error) { return fake, nil }, &out)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	err = a.execute(context.Background(), controller.Task{
		Instruction: "check load",
		Type:        "adhoc",
		Budget:      a.budget(),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "system healthy") {
		t.Errorf("output = %q", out.String())
	}
	if !strings.Contains(out.String(), "completed") {
		t.Errorf("output missing completion: %q", out.String())
	}
}

func TestDefaultEngineFactory_RequiresKey(t *testing.T) {
	testHome(t)
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Provider.APIKey = ""
	if _, err := defaultEngineFactory(cfg); err == nil {
		t.Error("expected error without API key")
	}
}

func TestAppClose_ReleasesEngine(t *testing.T) {
	testHome(t)
	fake := &fakeEngine{}
	a, err := newApp(func(cfg *config.Config) (engine.Engine, error) { return fake, nil }, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	a.Close()
	if !fake.closed {
		t.Error("engine not closed")
	}
}
