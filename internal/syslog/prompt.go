package syslog

import (
	"fmt"
	"strings"
)

// TaskType tags syslog analysis executions for sessions and the audit
// trail.
const TaskType = "syslog_check"

// AllowedTools is the whitelist for syslog analysis runs: read-only
// inspection plus Bash for the diagnostic commands the analysis
// recommends checking.
var AllowedTools = []string{"Bash", "Read", "Glob", "Grep"}

// Instruction renders the analysis prompt from parsed entries.
func Instruction(entries []Entry) string {
	if len(entries) == 0 {
		return ""
	}

	var b strings.Builder
	for _, e := range entries {
		pid := "-"
		if e.PID != 0 {
			pid = fmt.Sprintf("%d", e.PID)
		}
		fmt.Fprintf(&b, "%s %s %s[%s]: %s\n",
			e.Timestamp.Format("Jan 2 15:04:05"), e.Hostname, e.Process, pid, e.Message)
	}

	return fmt.Sprintf(`You are a system administrator expert. Analyze these system log entries and provide actionable insights:

LOG ENTRIES:
%s
For each issue you identify, provide:

## Critical Issues
- **Issue**: Description of the problem
- **Risk**: What could happen if not fixed
- **Fix**: Exact commands/steps to resolve it

## Warnings & Patterns
- Notable trends or recurring events
- Potential issues to monitor

## Recommended Actions
For each recommendation, provide:
1. **What to do**: Clear action item
2. **Why**: Explanation of benefit
3. **How**: Specific commands or configuration changes
4. **Priority**: High/Medium/Low

## System Health Summary
Overall assessment with specific metrics if available

**Focus on providing executable fixes - include exact bash commands, config file changes, or specific steps to resolve each issue.**

Format response in clear markdown.`, b.String())
}

// SystemPrompt grounds the agent for server maintenance work.
const SystemPrompt = `You are an experienced Linux system administrator assisting with server maintenance.
Prefer read-only diagnostics. Never run destructive commands; propose them in your report instead.
Be specific: name processes, files, and exact commands.`
