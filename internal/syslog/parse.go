// Package syslog reads and parses the system log and builds the
// analysis instruction handed to the agent.
package syslog

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Entry is one parsed syslog line in the classic BSD format:
// timestamp hostname process[pid]: message.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Hostname  string    `json:"hostname"`
	Process   string    `json:"process"`
	PID       int       `json:"pid,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

var linePattern = regexp.MustCompile(
	`^(\w{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+` + // timestamp
		`(\S+)\s+` + // hostname
		`([^:\[\s]+)(?:\[(\d+)\])?` + // process[pid]
		`:\s*(.*)`, // message
)

// ParseLine parses one syslog line. Lines outside the classic format
// return (Entry{}, false) and are skipped by callers.
func ParseLine(line string) (Entry, bool) {
	line = strings.TrimSpace(line)
	m := linePattern.FindStringSubmatch(line)
	if m == nil {
		return Entry{}, false
	}

	// The classic timestamp has no year; assume the current one.
	ts, err := time.ParseInLocation("2006 Jan 2 15:04:05",
		fmt.Sprintf("%d %s", time.Now().Year(), squashSpaces(m[1])), time.Local)
	if err != nil {
		return Entry{}, false
	}

	entry := Entry{
		Timestamp: ts,
		Hostname:  m[2],
		Process:   m[3],
		Message:   m[5],
		Raw:       line,
	}
	if m[4] != "" {
		entry.PID, _ = strconv.Atoi(m[4])
	}
	return entry, true
}

// Tail reads the last n parseable entries from the log at path.
func Tail(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open syslog: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n*4 {
			// Keep a bounded window; unparseable lines make the factor
			// of four a safe overshoot.
			lines = lines[len(lines)-n*2:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read syslog: %w", err)
	}

	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		if entry, ok := ParseLine(line); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func squashSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
