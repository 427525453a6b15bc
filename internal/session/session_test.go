package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func testManager(t *testing.T, opts Options) (*Manager, *Store) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewManager(store, opts), store
}

func TestCreateAndLoad(t *testing.T) {
	m, _ := testManager(t, Options{})

	state, err := m.Create("syslog_check", "exec-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if state.ID == "" {
		t.Fatal("empty session id")
	}

	loaded, err := m.Load(state.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.TaskType != "syslog_check" || loaded.ExecutionID != "exec-1" {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestLoad_NotFound(t *testing.T) {
	m, _ := testManager(t, Options{})
	if _, err := m.Load("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAddMessage_AppendsInOrder(t *testing.T) {
	m, _ := testManager(t, Options{})
	state, _ := m.Create("t", "e")

	for i := 0; i < 5; i++ {
		if err := m.AddMessage(state.ID, fmt.Sprintf("event-%d", i)); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	loaded, _ := m.Load(state.ID)
	if len(loaded.Events) != 5 {
		t.Fatalf("events = %d", len(loaded.Events))
	}
	for i, ev := range loaded.Events {
		if ev != fmt.Sprintf("event-%d", i) {
			t.Errorf("events[%d] = %q", i, ev)
		}
	}
}

func TestAutoCheckpointCadence(t *testing.T) {
	m, _ := testManager(t, Options{CheckpointEvery: 3, CheckpointGap: time.Nanosecond})
	state, _ := m.Create("t", "e")

	m.Track(state.ID, 1, 0.01, "Bash", "working")
	for i := 0; i < 3; i++ {
		if err := m.AddMessage(state.ID, "ev"); err != nil {
			t.Fatal(err)
		}
	}

	loaded, _ := m.Load(state.ID)
	if len(loaded.Checkpoints) != 1 {
		t.Fatalf("checkpoints = %d, want 1 after cadence", len(loaded.Checkpoints))
	}
	if loaded.Checkpoints[0].Turn != 1 || loaded.Checkpoints[0].LastTool != "Bash" {
		t.Errorf("checkpoint = %+v", loaded.Checkpoints[0])
	}

	// The cadence counter reset; two more events stay below the threshold.
	m.Track(state.ID, 2, 0.02, "Read", "more")
	m.AddMessage(state.ID, "ev")
	m.AddMessage(state.ID, "ev")
	loaded, _ = m.Load(state.ID)
	if len(loaded.Checkpoints) != 1 {
		t.Errorf("checkpoints = %d, want still 1", len(loaded.Checkpoints))
	}
}

func TestAutoCheckpointRespectsGap(t *testing.T) {
	m, _ := testManager(t, Options{CheckpointEvery: 2, CheckpointGap: time.Hour})
	state, _ := m.Create("t", "e")

	m.Track(state.ID, 1, 0, "", "")
	m.AddMessage(state.ID, "a")
	m.AddMessage(state.ID, "b")
	// First checkpoint lands (no prior checkpoint time).
	m.Track(state.ID, 2, 0.1, "", "")
	m.AddMessage(state.ID, "c")
	m.AddMessage(state.ID, "d")

	loaded, _ := m.Load(state.ID)
	if len(loaded.Checkpoints) != 1 {
		t.Errorf("checkpoints = %d, want 1 (gap suppresses the second)", len(loaded.Checkpoints))
	}
}

func TestAddCheckpoint_IdempotentAndMonotone(t *testing.T) {
	m, _ := testManager(t, Options{})
	state, _ := m.Create("t", "e")

	cp := Checkpoint{Turn: 5, CostUSD: 0.5, LastTool: "Bash", Resumable: true}
	if err := m.AddCheckpoint(state.ID, cp); err != nil {
		t.Fatal(err)
	}
	// Identical snapshot is skipped.
	if err := m.AddCheckpoint(state.ID, cp); err != nil {
		t.Fatal(err)
	}
	loaded, _ := m.Load(state.ID)
	if len(loaded.Checkpoints) != 1 {
		t.Fatalf("checkpoints = %d, want 1", len(loaded.Checkpoints))
	}

	// A lower turn is clamped up so the sequence stays non-decreasing.
	m.AddCheckpoint(state.ID, Checkpoint{Turn: 3, CostUSD: 0.7, Resumable: true})
	loaded, _ = m.Load(state.ID)
	if len(loaded.Checkpoints) != 2 {
		t.Fatalf("checkpoints = %d", len(loaded.Checkpoints))
	}
	if loaded.Checkpoints[1].Turn != 5 {
		t.Errorf("clamped turn = %d, want 5", loaded.Checkpoints[1].Turn)
	}
	if loaded.Checkpoints[1].Timestamp.Before(loaded.Checkpoints[0].Timestamp) {
		t.Error("checkpoint timestamps decreased")
	}
}

func TestResume(t *testing.T) {
	m, _ := testManager(t, Options{})
	state, _ := m.Create("t", "e")

	m.AddMessage(state.ID, "ev-1")
	m.AddMessage(state.ID, "ev-2")
	m.AddCheckpoint(state.ID, Checkpoint{Turn: 2, CostUSD: 0.2, Resumable: true})
	m.AddMessage(state.ID, "ev-3")
	m.AddCheckpoint(state.ID, Checkpoint{Turn: 3, CostUSD: 0.3, Resumable: false})

	cp, events, err := m.Resume(state.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	// The non-resumable checkpoint is skipped in favor of the latest
	// resumable one, but the event log is complete.
	if cp.Turn != 2 {
		t.Errorf("checkpoint turn = %d, want 2", cp.Turn)
	}
	if len(events) != 3 {
		t.Errorf("events = %d, want full log", len(events))
	}
}

func TestResume_NoCheckpoint(t *testing.T) {
	m, _ := testManager(t, Options{})
	state, _ := m.Create("t", "e")
	if _, _, err := m.Resume(state.ID); err == nil {
		t.Error("expected error for session without resumable checkpoint")
	}
}

func TestListOrderedByUpdate(t *testing.T) {
	m, _ := testManager(t, Options{})

	a, _ := m.Create("t", "e1")
	time.Sleep(5 * time.Millisecond)
	b, _ := m.Create("t", "e2")
	time.Sleep(5 * time.Millisecond)
	m.AddMessage(a.ID, "touch") // a becomes most recent

	states, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 2 {
		t.Fatalf("states = %d", len(states))
	}
	if states[0].ID != a.ID {
		t.Errorf("most recent = %s, want %s", states[0].ID, a.ID)
	}
	_ = b
}

func TestDelete(t *testing.T) {
	m, _ := testManager(t, Options{})
	state, _ := m.Create("t", "e")

	if err := m.Delete(state.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Load(state.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v after delete", err)
	}
}

func TestCleanup(t *testing.T) {
	m, _ := testManager(t, Options{})
	m.Create("t", "e1")
	m.Create("t", "e2")

	// A huge retention keeps everything.
	removed, err := m.Cleanup(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}

	// Zero retention removes everything.
	time.Sleep(2 * time.Millisecond)
	removed, err = m.Cleanup(0)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	states, _ := m.List()
	if len(states) != 0 {
		t.Errorf("states after cleanup = %d", len(states))
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")

	store, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(store, Options{})
	state, _ := m.Create("syslog_check", "e1")
	m.AddMessage(state.ID, "persisted event")
	store.Close()

	store, err = OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	loaded, err := store.Get(state.ID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if len(loaded.Events) != 1 || loaded.Events[0] != "persisted event" {
		t.Errorf("events = %v", loaded.Events)
	}
}
