package scheduler

import (
	"testing"
	"time"

	"chaosbrain/internal/store"
)

// fakeSource is an in-memory queue standing in for the command store.
type fakeSource struct {
	items []store.QueueItem
}

func (f *fakeSource) PollNext() (store.QueueItem, bool) {
	if len(f.items) == 0 {
		return store.QueueItem{}, false
	}
	item := f.items[0]
	f.items = f.items[1:]
	return item, true
}

func (f *fakeSource) QueueLen() int { return len(f.items) }

func (f *fakeSource) push(ids ...int64) {
	for _, id := range ids {
		f.items = append(f.items, store.QueueItem{ID: id, Code: "code"})
	}
}

func newTestScheduler(cfg Config, src Source) (*Scheduler, *time.Time) {
	s := New(cfg, src)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }
	return s, &now
}

func drain(s *Scheduler) []int64 {
	var got []int64
	for {
		item, ok := s.PollNext()
		if !ok {
			return got
		}
		got = append(got, item.ID)
	}
}

// TestScheduler_SequentialDispatch covers the plain path: three commands,
// enough slots, three polls return ids 1,2,3 in order.
func TestScheduler_SequentialDispatch(t *testing.T) {
	src := &fakeSource{}
	s, _ := newTestScheduler(DefaultConfig(), src)

	src.push(1, 2, 3)
	got := drain(s)
	if len(got) != 3 {
		t.Fatalf("expected 3 dispatches, got %v", got)
	}
	for i, id := range got {
		if id != int64(i+1) {
			t.Fatalf("expected FIFO order, got %v", got)
		}
	}
}

// TestScheduler_BurstPacing verifies a burst grows the slot set one hand-out
// at a time up to the ceiling, then the rest of the queue waits out the
// cool-down without anything being dropped.
func TestScheduler_BurstPacing(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultConfig()
	s, now := newTestScheduler(cfg, src)

	src.push(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12)

	got := drain(s)
	if len(got) != cfg.MaxSlots {
		t.Fatalf("expected %d immediate dispatches, got %d (%v)", cfg.MaxSlots, len(got), got)
	}
	if s.SlotCount() != cfg.MaxSlots {
		t.Fatalf("expected growth to ceiling %d, got %d", cfg.MaxSlots, s.SlotCount())
	}

	// Mid-cool-down nothing moves.
	*now = now.Add(10 * time.Second)
	if _, ok := s.PollNext(); ok {
		t.Fatal("expected no dispatch during cool-down")
	}
	if src.QueueLen() != 2 {
		t.Fatalf("blocked polls must not consume the queue, depth=%d", src.QueueLen())
	}

	// After the cool-down the remaining commands flow in order.
	*now = now.Add(20 * time.Second)
	item, ok := s.PollNext()
	if !ok || item.ID != 11 {
		t.Fatalf("expected command 11 after cool-down, got %+v ok=%v", item, ok)
	}
	item, ok = s.PollNext()
	if !ok || item.ID != 12 {
		t.Fatalf("expected command 12 next, got %+v ok=%v", item, ok)
	}
}

func TestScheduler_EmptyQueue(t *testing.T) {
	s, _ := newTestScheduler(DefaultConfig(), &fakeSource{})
	if _, ok := s.PollNext(); ok {
		t.Fatal("expected no dispatch from empty queue")
	}
	if s.SlotCount() != 3 {
		t.Fatalf("expected floor of 3 slots, got %d", s.SlotCount())
	}
}

// TestScheduler_CooldownPerSlot verifies a slot handed out at T is not handed
// out again before T plus the cool-down.
func TestScheduler_CooldownPerSlot(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultConfig()
	cfg.MinSlots = 1
	cfg.MaxSlots = 1
	s, now := newTestScheduler(cfg, src)

	src.push(1, 2)
	if _, ok := s.PollNext(); !ok {
		t.Fatal("expected first dispatch")
	}

	for _, d := range []time.Duration{time.Second, 24 * time.Second} {
		*now = now.Add(d - now.Sub(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
		if _, ok := s.PollNext(); ok {
			t.Fatalf("expected slot still cooling at +%v", d)
		}
	}

	*now = now.Add(25 * time.Second)
	item, ok := s.PollNext()
	if !ok || item.ID != 2 {
		t.Fatalf("expected command 2 after cool-down, got %+v ok=%v", item, ok)
	}
}

// TestScheduler_ShrinksWhenCalm verifies idle slots are evicted back toward
// the floor by sweep ticks once occupancy and depth both drop.
func TestScheduler_ShrinksWhenCalm(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultConfig()
	cfg.MinSlots = 2
	cfg.MaxSlots = 6
	s, now := newTestScheduler(cfg, src)

	src.push(1, 2, 3, 4)
	drain(s)
	grown := s.SlotCount()
	if grown <= cfg.MinSlots {
		t.Fatalf("expected growth first, got %d slots", grown)
	}

	// Everything cools off; ticks on an empty queue shrink one at a time.
	*now = now.Add(time.Minute)
	for i := 0; i < 10; i++ {
		s.Resize()
	}
	if s.SlotCount() != cfg.MinSlots {
		t.Fatalf("expected shrink to floor %d, got %d", cfg.MinSlots, s.SlotCount())
	}
}

// TestScheduler_ManualOverride verifies the override clears cool-downs and
// stages commands without dropping any.
func TestScheduler_ManualOverride(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultConfig()
	cfg.MinSlots = 2
	cfg.MaxSlots = 2
	s, _ := newTestScheduler(cfg, src)

	src.push(1, 2, 3, 4)
	drain(s)
	if _, ok := s.PollNext(); ok {
		t.Fatal("expected all slots cooling before override")
	}
	if src.QueueLen() != 2 {
		t.Fatalf("expected 2 left in queue, got %d", src.QueueLen())
	}

	if staged := s.ManualOverride(2); staged != 2 {
		t.Fatalf("expected 2 staged, got %d", staged)
	}
	if s.HoldbackLen() != 2 {
		t.Fatalf("expected holdback of 2, got %d", s.HoldbackLen())
	}

	// Staged commands go out first, in order, on the freed slots.
	item, ok := s.PollNext()
	if !ok || item.ID != 3 {
		t.Fatalf("expected staged command 3, got %+v ok=%v", item, ok)
	}
	item, ok = s.PollNext()
	if !ok || item.ID != 4 {
		t.Fatalf("expected staged command 4, got %+v ok=%v", item, ok)
	}
	if s.HoldbackLen() != 0 {
		t.Fatalf("expected drained holdback, got %d", s.HoldbackLen())
	}
}

func TestScheduler_ManualOverrideShortQueue(t *testing.T) {
	src := &fakeSource{}
	s, _ := newTestScheduler(DefaultConfig(), src)

	src.push(1)
	if staged := s.ManualOverride(5); staged != 1 {
		t.Fatalf("expected 1 staged, got %d", staged)
	}
}

func TestScheduler_Status(t *testing.T) {
	src := &fakeSource{}
	s, now := newTestScheduler(DefaultConfig(), src)

	src.push(42)
	s.PollNext()

	*now = now.Add(5 * time.Second)
	st := s.Status()
	if len(st) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(st))
	}

	cooling := 0
	for _, sl := range st {
		if sl.Cooling {
			cooling++
			if sl.CommandID != 42 {
				t.Fatalf("expected command 42 on cooling slot, got %d", sl.CommandID)
			}
			if sl.Remaining != 20*time.Second {
				t.Fatalf("expected 20s remaining, got %v", sl.Remaining)
			}
		}
	}
	if cooling != 1 {
		t.Fatalf("expected exactly 1 cooling slot, got %d", cooling)
	}
}
