// Package policy implements the permission engine consulted before every
// tool execution: global resource budgets, per-tool rate limits, and
// pattern-based security rules, with an append-only audit trail.
package policy

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Rule categories recorded on audit entries.
const (
	CategoryBudgetCost    = "budget_cost"
	CategoryBudgetCalls   = "budget_tool_calls"
	CategoryBudgetElapsed = "budget_elapsed"
	CategoryRateLimit     = "rate_limit"
	CategoryShell         = "shell_destructive"
	CategoryPath          = "path_sensitive"
	CategoryAllowed       = "allowed"
)

// Budget is the ephemeral per-execution resource ceiling set. Zero values
// disable the corresponding ceiling.
type Budget struct {
	CostCeilingUSD float64
	MaxToolCalls   int
	MaxDuration    time.Duration
}

// ExecutionContext is the live counter snapshot the controller passes on
// every check. Counters are monotonically non-decreasing within one
// execution.
type ExecutionContext struct {
	ExecutionID string
	TaskType    string
	CostUSD     float64
	ToolCalls   int
	Elapsed     time.Duration
	Budget      Budget
}

// Decision is the outcome of one permission check.
type Decision struct {
	Allowed  bool
	Reason   string
	Category string
}

func deny(category, format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...), Category: category}
}

// Engine evaluates global rules then tool-specific rules. Safe for
// concurrent use across parallel executions.
type Engine struct {
	rules   []toolRule
	limiter *rateLimiter
	audit   *auditLog

	mu    sync.Mutex
	usage map[string]int // per-tool approved call counts
}

// Options tunes the engine. Zero values take defaults.
type Options struct {
	// ScratchDir is the only subtree where recursive deletes are allowed.
	ScratchDir string
	// BashPerMinute caps Bash invocations inside the sliding window.
	BashPerMinute int
	// ReadPerMinute caps read-only tool invocations inside the window.
	ReadPerMinute int
	// AuditCap bounds the audit ring; oldest entries are evicted.
	AuditCap int
}

func NewEngine(opts Options) *Engine {
	if opts.BashPerMinute <= 0 {
		opts.BashPerMinute = 10
	}
	if opts.ReadPerMinute <= 0 {
		opts.ReadPerMinute = 60
	}
	if opts.AuditCap <= 0 {
		opts.AuditCap = 1000
	}
	return &Engine{
		rules:   defaultRules(opts.ScratchDir),
		limiter: newRateLimiter(opts.BashPerMinute, opts.ReadPerMinute),
		audit:   newAuditLog(opts.AuditCap),
		usage:   make(map[string]int),
	}
}

// Check evaluates global rules (budgets, rate limits) then tool-specific
// security rules. Every evaluation is audited; denials log at warning
// level. A denied call performs no action.
func (e *Engine) Check(tool string, input map[string]any, ec ExecutionContext) Decision {
	decision := e.evaluate(tool, input, ec)

	e.audit.append(AuditEntry{
		Timestamp:   time.Now(),
		Tool:        tool,
		Allowed:     decision.Allowed,
		Reason:      decision.Reason,
		Category:    decision.Category,
		ExecutionID: ec.ExecutionID,
		CostUSD:     ec.CostUSD,
		ToolCalls:   ec.ToolCalls,
	})
	if decision.Allowed {
		e.mu.Lock()
		e.usage[tool]++
		e.mu.Unlock()
	} else {
		log.Printf("[policy] warning: denied %s for %s: %s (%s)", tool, ec.ExecutionID, decision.Reason, decision.Category)
	}
	return decision
}

func (e *Engine) evaluate(tool string, input map[string]any, ec ExecutionContext) Decision {
	// (a) global rules: budgets first, then the sliding-window limiter.
	if b := ec.Budget; b.CostCeilingUSD > 0 && ec.CostUSD >= b.CostCeilingUSD {
		return deny(CategoryBudgetCost, "cost ceiling reached: $%.4f of $%.4f", ec.CostUSD, b.CostCeilingUSD)
	}
	if b := ec.Budget; b.MaxToolCalls > 0 && ec.ToolCalls >= b.MaxToolCalls {
		return deny(CategoryBudgetCalls, "tool call ceiling reached: %d of %d", ec.ToolCalls, b.MaxToolCalls)
	}
	if b := ec.Budget; b.MaxDuration > 0 && ec.Elapsed >= b.MaxDuration {
		return deny(CategoryBudgetElapsed, "elapsed time ceiling reached: %s of %s", ec.Elapsed.Round(time.Second), b.MaxDuration)
	}
	if !e.limiter.allow(tool) {
		return deny(CategoryRateLimit, "rate limit exceeded for %s", tool)
	}

	// (b) tool-specific security rules.
	for _, rule := range e.rules {
		if !rule.applies(tool) {
			continue
		}
		if reason := rule.violation(tool, input); reason != "" {
			return deny(rule.category, "%s", reason)
		}
	}

	return Decision{Allowed: true, Reason: "no rule matched", Category: CategoryAllowed}
}

// Stats summarizes the audit trail and approved usage.
type Stats struct {
	Checks       int
	Approved     int
	ApprovalRate float64
	ToolUsage    map[string]int
	TopDenials   []DenialCount
}

// DenialCount pairs a denial reason with its occurrence count.
type DenialCount struct {
	Reason string
	Count  int
}

// Stats computes approval-rate, per-tool usage and top denial reasons
// over the retained audit window.
func (e *Engine) Stats() Stats {
	entries := e.audit.entries()
	st := Stats{ToolUsage: make(map[string]int)}
	denials := make(map[string]int)
	for _, entry := range entries {
		st.Checks++
		if entry.Allowed {
			st.Approved++
		} else {
			denials[entry.Reason]++
		}
	}
	if st.Checks > 0 {
		st.ApprovalRate = float64(st.Approved) / float64(st.Checks)
	}

	e.mu.Lock()
	for tool, n := range e.usage {
		st.ToolUsage[tool] = n
	}
	e.mu.Unlock()

	for reason, n := range denials {
		st.TopDenials = append(st.TopDenials, DenialCount{Reason: reason, Count: n})
	}
	sortDenials(st.TopDenials)
	return st
}

// Audit returns a copy of the retained audit entries, oldest first.
func (e *Engine) Audit() []AuditEntry {
	return e.audit.entries()
}
