package gate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a sliding-window ceiling per tool name and, when
// configured, a global token bucket across all tools.
type RateLimiter struct {
	mu           sync.Mutex
	window       time.Duration
	defaultLimit int
	perTool      map[string]int
	calls        map[string][]time.Time
	global       *rate.Limiter
	now          func() time.Time
}

// NewRateLimiter creates a limiter. globalPerSecond <= 0 disables the global bucket.
func NewRateLimiter(window time.Duration, defaultLimit int, perTool map[string]int, globalPerSecond float64, globalBurst int) *RateLimiter {
	rl := &RateLimiter{
		window:       window,
		defaultLimit: defaultLimit,
		perTool:      make(map[string]int, len(perTool)),
		calls:        make(map[string][]time.Time),
		now:          time.Now,
	}
	for k, v := range perTool {
		rl.perTool[k] = v
	}
	if globalPerSecond > 0 {
		if globalBurst < 1 {
			globalBurst = int(globalPerSecond)
		}
		if globalBurst < 1 {
			globalBurst = 1
		}
		rl.global = rate.NewLimiter(rate.Limit(globalPerSecond), globalBurst)
	}
	return rl
}

// Limit returns the ceiling that applies to tool.
func (rl *RateLimiter) Limit(tool string) int {
	if n, ok := rl.perTool[tool]; ok {
		return n
	}
	return rl.defaultLimit
}

// Allow records a call to tool if it fits in the window. When it does not,
// retryAfter is how long until the oldest call ages out.
func (rl *RateLimiter) Allow(tool string) (ok bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	recent := filterAfter(rl.calls[tool], now.Add(-rl.window))
	rl.calls[tool] = recent

	if limit := rl.Limit(tool); limit > 0 && len(recent) >= limit {
		return false, recent[0].Add(rl.window).Sub(now)
	}
	if rl.global != nil && !rl.global.AllowN(now, 1) {
		return false, time.Second
	}
	rl.calls[tool] = append(recent, now)
	return true, 0
}

// Count returns the number of calls to tool inside the current window.
func (rl *RateLimiter) Count(tool string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(filterAfter(rl.calls[tool], rl.now().Add(-rl.window)))
}

// filterAfter keeps timestamps strictly after cutoff; input is time-ordered.
func filterAfter(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
