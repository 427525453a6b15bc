package stream

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// ConsoleListener renders updates as single lines, suitable for
// interactive runs. Reasoning fragments stream without a newline; other
// updates get a prefixed line.
func ConsoleListener(w io.Writer) Listener {
	var mu sync.Mutex
	inText := false
	return func(u Update) {
		mu.Lock()
		defer mu.Unlock()
		switch u.Type {
		case UpdateReasoning:
			fmt.Fprint(w, u.Message)
			inText = true
		case UpdateToolStart:
			if inText {
				fmt.Fprintln(w)
				inText = false
			}
			fmt.Fprintf(w, "* %s\n", u.Tool)
		case UpdateToolResult:
			if inText {
				fmt.Fprintln(w)
				inText = false
			}
			fmt.Fprintf(w, "  %s -> %s\n", u.Tool, firstLine(u.Message))
		case UpdateResult:
			if inText {
				fmt.Fprintln(w)
				inText = false
			}
			fmt.Fprintf(w, "done ($%.4f)\n", u.CostUSD)
		case UpdateError:
			if inText {
				fmt.Fprintln(w)
				inText = false
			}
			fmt.Fprintf(w, "error: %s\n", u.Message)
		}
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
