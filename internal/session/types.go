package session

import "time"

// Checkpoint is a durable snapshot enabling later resumption. Checkpoints
// within one session are non-decreasing by timestamp and turn.
type Checkpoint struct {
	Timestamp time.Time `json:"timestamp"`
	Turn      int       `json:"turn"`
	CostUSD   float64   `json:"costUsd"`
	LastTool  string    `json:"lastTool,omitempty"`
	Progress  string    `json:"progress,omitempty"`
	Resumable bool      `json:"resumable"`
}

// State is the persisted execution state of one session.
type State struct {
	ID          string            `json:"id"`
	TaskType    string            `json:"taskType"`
	ExecutionID string            `json:"executionId"`
	Progress    string            `json:"progress,omitempty"`
	Events      []string          `json:"events,omitempty"`
	Checkpoints []Checkpoint      `json:"checkpoints,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// LatestResumable returns the newest resumable checkpoint, or false when
// none exists.
func (s *State) LatestResumable() (Checkpoint, bool) {
	for i := len(s.Checkpoints) - 1; i >= 0; i-- {
		if s.Checkpoints[i].Resumable {
			return s.Checkpoints[i], true
		}
	}
	return Checkpoint{}, false
}
