// Package session persists execution state and periodic checkpoints so
// an interrupted execution can be resumed later.
package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager wraps the store with checkpoint cadence and retention rules.
// Mutation is keyed per session id, so concurrent executions touching
// different sessions do not contend.
type Manager struct {
	store *Store

	checkpointEvery int
	checkpointGap   time.Duration

	mu   sync.Mutex
	live map[string]Checkpoint // latest counters per session, for auto snapshots
	last map[string]time.Time  // last checkpoint time per session
	seen map[string]int        // raw events since last checkpoint
}

// Options tunes checkpoint cadence. Zero values take defaults.
type Options struct {
	CheckpointEvery int           // raw events between auto checkpoints
	CheckpointGap   time.Duration // minimum interval between checkpoints
}

func NewManager(store *Store, opts Options) *Manager {
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 10
	}
	if opts.CheckpointGap <= 0 {
		opts.CheckpointGap = 5 * time.Second
	}
	return &Manager{
		store:           store,
		checkpointEvery: opts.CheckpointEvery,
		checkpointGap:   opts.CheckpointGap,
		live:            make(map[string]Checkpoint),
		last:            make(map[string]time.Time),
		seen:            make(map[string]int),
	}
}

// Create registers a new session for an execution.
func (m *Manager) Create(taskType, executionID string) (*State, error) {
	now := time.Now()
	state := &State{
		ID:          uuid.NewString(),
		TaskType:    taskType,
		ExecutionID: executionID,
		Metadata:    make(map[string]string),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Put(state); err != nil {
		return nil, err
	}
	return state, nil
}

func (m *Manager) Load(id string) (*State, error) {
	return m.store.Get(id)
}

func (m *Manager) Save(state *State) error {
	state.UpdatedAt = time.Now()
	return m.store.Put(state)
}

// Update applies fn to the stored state and persists the result.
func (m *Manager) Update(id string, fn func(*State)) error {
	state, err := m.store.Get(id)
	if err != nil {
		return err
	}
	fn(state)
	return m.Save(state)
}

// Track records the session's live counters used for auto checkpoints.
func (m *Manager) Track(id string, turn int, costUSD float64, lastTool, progress string) {
	m.mu.Lock()
	m.live[id] = Checkpoint{Turn: turn, CostUSD: costUSD, LastTool: lastTool, Progress: progress, Resumable: true}
	m.mu.Unlock()
}

// AddMessage appends one raw engine event to the session log and inserts
// an auto checkpoint when the cadence conditions are met.
func (m *Manager) AddMessage(id, raw string) error {
	if err := m.Update(id, func(s *State) {
		s.Events = append(s.Events, raw)
	}); err != nil {
		return err
	}

	m.mu.Lock()
	m.seen[id]++
	due := m.seen[id] >= m.checkpointEvery && time.Since(m.last[id]) >= m.checkpointGap
	snap, tracked := m.live[id]
	m.mu.Unlock()

	if !due || !tracked {
		return nil
	}
	if err := m.AddCheckpoint(id, snap); err != nil {
		log.Printf("[session] auto checkpoint warning for %s: %v", id, err)
	}
	return nil
}

// AddCheckpoint appends a checkpoint. Snapshots identical to the last
// checkpoint are skipped; turn ordering is enforced so the sequence stays
// non-decreasing.
func (m *Manager) AddCheckpoint(id string, cp Checkpoint) error {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	err := m.Update(id, func(s *State) {
		if n := len(s.Checkpoints); n > 0 {
			prev := s.Checkpoints[n-1]
			if prev.Turn == cp.Turn && prev.CostUSD == cp.CostUSD && prev.LastTool == cp.LastTool {
				return // idempotent: identical snapshot
			}
			if cp.Turn < prev.Turn {
				cp.Turn = prev.Turn
			}
			if cp.Timestamp.Before(prev.Timestamp) {
				cp.Timestamp = prev.Timestamp
			}
		}
		s.Checkpoints = append(s.Checkpoints, cp)
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.seen[id] = 0
	m.last[id] = time.Now()
	m.mu.Unlock()
	return nil
}

// Resume returns the latest resumable checkpoint plus the full raw event
// log. Splicing these into a fresh engine invocation is the caller's
// responsibility.
func (m *Manager) Resume(id string) (Checkpoint, []string, error) {
	state, err := m.store.Get(id)
	if err != nil {
		return Checkpoint{}, nil, err
	}
	cp, ok := state.LatestResumable()
	if !ok {
		return Checkpoint{}, nil, fmt.Errorf("session %s has no resumable checkpoint", id)
	}
	events := make([]string, len(state.Events))
	copy(events, state.Events)
	return cp, events, nil
}

func (m *Manager) List() ([]*State, error) {
	return m.store.List()
}

func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	delete(m.live, id)
	delete(m.last, id)
	delete(m.seen, id)
	m.mu.Unlock()
	return m.store.Delete(id)
}

// Cleanup deletes sessions last updated more than maxAge ago and returns
// the deleted count. maxAge 0 deletes everything.
func (m *Manager) Cleanup(maxAge time.Duration) (int, error) {
	return m.store.PurgeBefore(time.Now().Add(-maxAge))
}
