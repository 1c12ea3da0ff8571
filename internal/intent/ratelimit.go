package intent

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimits caps intent throughput at three granularities. Zero values fall
// back to defaults.
type RateLimits struct {
	Window        time.Duration
	PerConnection int
	PerRoom       int
	PerActionType int
}

func DefaultRateLimits() RateLimits {
	return RateLimits{
		Window:        time.Second,
		PerConnection: 20,
		PerRoom:       200,
		PerActionType: 10,
	}
}

type window struct {
	start time.Time
	count int
}

// rateLimiter is a fixed-window counter keyed by scope strings.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limits  RateLimits
	clock   clockwork.Clock
}

func newRateLimiter(clock clockwork.Clock, limits RateLimits) *rateLimiter {
	if limits.Window <= 0 {
		limits = DefaultRateLimits()
	}
	return &rateLimiter{
		windows: make(map[string]*window),
		limits:  limits,
		clock:   clock,
	}
}

// allow checks connection, room, and action-type budgets in one pass. All
// three counters are charged even when one denies, so a flooding client keeps
// burning its own budget rather than probing for a free slot.
func (rl *rateLimiter) allow(connectionID, roomCode, action string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	ok := true
	if !rl.chargeLocked("conn:"+connectionID, rl.limits.PerConnection, now) {
		ok = false
	}
	if !rl.chargeLocked("room:"+roomCode, rl.limits.PerRoom, now) {
		ok = false
	}
	if !rl.chargeLocked("action:"+connectionID+":"+action, rl.limits.PerActionType, now) {
		ok = false
	}
	return ok
}

func (rl *rateLimiter) chargeLocked(key string, limit int, now time.Time) bool {
	w, exists := rl.windows[key]
	if !exists || now.Sub(w.start) >= rl.limits.Window {
		w = &window{start: now}
		rl.windows[key] = w
	}
	w.count++
	return w.count <= limit
}

// evictExpired drops windows that have lapsed, bounding memory.
func (rl *rateLimiter) evictExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.clock.Now()
	for key, w := range rl.windows {
		if now.Sub(w.start) >= rl.limits.Window {
			delete(rl.windows, key)
		}
	}
}
