package track

import (
	"testing"
	"time"

	"chaosbrain/internal/types"
)

func TestTracker_TrackResolve(t *testing.T) {
	tr := New()
	id := types.CommandWork(7)

	tr.Track(id, 1, time.Minute)
	if tr.Pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", tr.Pending())
	}

	e, ok := tr.Resolve(id)
	if !ok {
		t.Fatal("expected tracked entry")
	}
	if e.Attempt != 1 || e.ID != id {
		t.Fatalf("unexpected entry: %+v", e)
	}

	// A second resolve for the same id is stale.
	if _, ok := tr.Resolve(id); ok {
		t.Fatal("expected stale resolve to miss")
	}
}

func TestTracker_SweepExpiresOnlyOverdue(t *testing.T) {
	tr := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.clock = func() time.Time { return base }

	tr.Track(types.CommandWork(1), 1, 10*time.Second)
	tr.Track(types.ValidationWork(2), 2, time.Minute)
	tr.Track(types.SessionStepWork("s", 3), 1, 2*time.Minute)

	expired := tr.Sweep(base.Add(30 * time.Second))
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired, got %d", len(expired))
	}
	if expired[0].ID != types.CommandWork(1) {
		t.Fatalf("unexpected expired entry: %+v", expired[0])
	}
	if tr.Pending() != 2 {
		t.Fatalf("expected 2 still pending, got %d", tr.Pending())
	}

	// Expired work must not resolve later.
	if _, ok := tr.Resolve(types.CommandWork(1)); ok {
		t.Fatal("expired entry should be gone")
	}
}

func TestTracker_RetrackResetsDeadline(t *testing.T) {
	tr := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	tr.clock = func() time.Time { return now }

	id := types.ValidationWork(5)
	tr.Track(id, 1, 10*time.Second)

	now = base.Add(8 * time.Second)
	tr.Track(id, 2, 10*time.Second)

	// Past the first deadline, before the second.
	if expired := tr.Sweep(base.Add(12 * time.Second)); len(expired) != 0 {
		t.Fatalf("expected no expirations, got %+v", expired)
	}

	e, ok := tr.Resolve(id)
	if !ok || e.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %+v ok=%v", e, ok)
	}
}
