package policy

import (
	"sync"
	"time"
)

const rateWindow = 60 * time.Second

// rateLimiter enforces per-tool sliding-window limits. Shell execution
// gets the tight limit, read-only tools the loose one; everything else
// sits between the two.
type rateLimiter struct {
	bashLimit int
	readLimit int

	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

func newRateLimiter(bashLimit, readLimit int) *rateLimiter {
	return &rateLimiter{
		bashLimit: bashLimit,
		readLimit: readLimit,
		windows:   make(map[string][]time.Time),
		now:       time.Now,
	}
}

func (rl *rateLimiter) limitFor(tool string) int {
	switch {
	case shellTools[tool]:
		return rl.bashLimit
	case fileReadTools[tool]:
		return rl.readLimit
	default:
		return (rl.bashLimit + rl.readLimit) / 2
	}
}

// allow records the call when within limit. Denied calls do not consume
// window capacity.
func (rl *rateLimiter) allow(tool string) bool {
	limit := rl.limitFor(tool)
	if limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rateWindow)
	window := rl.windows[tool]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		rl.windows[tool] = kept
		return false
	}
	rl.windows[tool] = append(kept, now)
	return true
}
