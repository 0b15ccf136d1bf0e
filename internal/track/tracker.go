// Package track correlates dispatched work with the reports that come back
// from executors. Every handout (primary dispatch, validation attempt,
// discovery step) is recorded with a deadline; one sweep loop in the server
// expires overdue entries so each subsystem can fail them.
package track

import (
	"sync"
	"time"

	"chaosbrain/internal/logging"

	"chaosbrain/internal/types"
)

// Entry records one outstanding piece of dispatched work.
type Entry struct {
	ID        types.WorkID
	StartedAt time.Time
	Deadline  time.Time
	Attempt   int
}

// Tracker is a deadline-aware map of outstanding work. All methods are safe
// for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	pending map[types.WorkID]Entry
	clock   func() time.Time
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		pending: make(map[types.WorkID]Entry),
		clock:   time.Now,
	}
}

// Track records a handout with the given report budget. Re-tracking the same
// id replaces the previous entry and resets the deadline.
func (t *Tracker) Track(id types.WorkID, attempt int, timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	if _, ok := t.pending[id]; ok {
		logging.ServerDebug("tracker: re-tracking %s, deadline reset", id)
	}
	t.pending[id] = Entry{
		ID:        id,
		StartedAt: now,
		Deadline:  now.Add(timeout),
		Attempt:   attempt,
	}
}

// Resolve removes and returns the entry for a report that arrived. The second
// return is false when the id was never tracked or already expired; the caller
// decides whether that report is stale or bogus.
func (t *Tracker) Resolve(id types.WorkID) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return e, ok
}

// Sweep removes and returns every entry whose deadline has passed. Called
// from the single sweep ticker; the caller routes each expired entry to the
// subsystem that owns it.
func (t *Tracker) Sweep(now time.Time) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []Entry
	for id, e := range t.pending {
		if now.After(e.Deadline) {
			expired = append(expired, e)
			delete(t.pending, id)
		}
	}
	return expired
}

// Pending returns the number of outstanding entries.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
