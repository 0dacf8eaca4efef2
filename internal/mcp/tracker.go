package mcp

import (
	"sync"
	"time"
)

// viewTracker records recent keiro_get_run calls so handleAdvance can tell
// when a caller advances a run it has not looked at, and nudge them.
//
// Keyed on (session, run) with a time window. The tracker is in-memory and
// per-process; the nudge is advisory, so losing it on restart is harmless.
type viewTracker struct {
	mu     sync.Mutex
	views  map[viewKey]time.Time
	window time.Duration
}

type viewKey struct {
	session string
	runID   string
}

func newViewTracker(window time.Duration) *viewTracker {
	return &viewTracker{
		views:  make(map[viewKey]time.Time),
		window: window,
	}
}

// Record notes that session read runID.
func (t *viewTracker) Record(session, runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.views[viewKey{session, runID}] = time.Now()

	// Lazy cleanup keeps many short sessions from growing the map forever.
	if len(t.views) > 1000 {
		t.purgeStale()
	}
}

// WasViewed reports whether session read runID within the window.
func (t *viewTracker) WasViewed(session, runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := viewKey{session, runID}
	ts, ok := t.views[k]
	if !ok {
		return false
	}
	if time.Since(ts) > t.window {
		delete(t.views, k)
		return false
	}
	return true
}

// purgeStale removes entries older than the window. Must be called with mu held.
func (t *viewTracker) purgeStale() {
	now := time.Now()
	for k, ts := range t.views {
		if now.Sub(ts) > t.window {
			delete(t.views, k)
		}
	}
}
