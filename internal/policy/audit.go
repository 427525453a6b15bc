package policy

import (
	"sync"
	"time"
)

// AuditEntry records one permission evaluation, approved or denied.
type AuditEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Tool        string    `json:"tool"`
	Allowed     bool      `json:"allowed"`
	Reason      string    `json:"reason"`
	Category    string    `json:"category"`
	ExecutionID string    `json:"executionId"`
	CostUSD     float64   `json:"costUsd"`
	ToolCalls   int       `json:"toolCalls"`
}

// auditLog is an append-only capped ring. When full, the oldest entry is
// evicted. Supports concurrent append from parallel executions.
type auditLog struct {
	mu    sync.Mutex
	buf   []AuditEntry
	cap   int
	start int
	count int
}

func newAuditLog(capacity int) *auditLog {
	return &auditLog{
		buf: make([]AuditEntry, capacity),
		cap: capacity,
	}
}

func (a *auditLog) append(entry AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count < a.cap {
		a.buf[(a.start+a.count)%a.cap] = entry
		a.count++
		return
	}
	a.buf[a.start] = entry
	a.start = (a.start + 1) % a.cap
}

func (a *auditLog) entries() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditEntry, a.count)
	for i := 0; i < a.count; i++ {
		out[i] = a.buf[(a.start+i)%a.cap]
	}
	return out
}
