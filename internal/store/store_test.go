package store

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"chaosbrain/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore(t *testing.T, max int) *Store {
	t.Helper()
	s := New(max)
	t.Cleanup(s.Close)
	return s
}

// TestStore_IDsStrictlyIncreasing verifies ids increase by one and are never
// reused across any sequence of adds.
func TestStore_IDsStrictlyIncreasing(t *testing.T) {
	s := newTestStore(t, 100)

	var last int64
	for i := 0; i < 20; i++ {
		cmd := s.Add("p", "code", "undo", types.Metadata{Origin: "test"}, i%2 == 0)
		if cmd.ID != last+1 {
			t.Fatalf("expected id %d, got %d", last+1, cmd.ID)
		}
		last = cmd.ID
	}
}

// TestStore_FIFO verifies commands come off the queue in submission order.
func TestStore_FIFO(t *testing.T) {
	s := newTestStore(t, 100)

	a := s.Add("first", "code-a", "", types.Metadata{}, true)
	b := s.Add("second", "code-b", "", types.Metadata{}, true)

	item, ok := s.PollNext()
	if !ok || item.ID != a.ID {
		t.Fatalf("expected id %d first, got %+v ok=%v", a.ID, item, ok)
	}
	item, ok = s.PollNext()
	if !ok || item.ID != b.ID {
		t.Fatalf("expected id %d second, got %+v ok=%v", b.ID, item, ok)
	}
	if _, ok := s.PollNext(); ok {
		t.Fatal("expected empty queue")
	}
}

// TestStore_ScenarioA walks the basic submit/poll/report happy path.
func TestStore_ScenarioA(t *testing.T) {
	s := newTestStore(t, 100)

	cmd := s.Add("P1", "execCode1", "undoCode1", types.Metadata{Author: "viewer"}, true)
	if cmd.ID != 1 {
		t.Fatalf("expected id 1, got %d", cmd.ID)
	}
	if cmd.Status != types.StatusQueued {
		t.Fatalf("expected queued, got %s", cmd.Status)
	}

	item, ok := s.PollNext()
	if !ok || item.ID != 1 || item.Code != "execCode1" {
		t.Fatalf("unexpected poll result: %+v ok=%v", item, ok)
	}

	if known := s.ReportResult(1, true, ""); !known {
		t.Fatal("report for id 1 should be known")
	}
	got, _ := s.Get(1)
	if got.Status != types.StatusExecuted {
		t.Fatalf("expected executed, got %s", got.Status)
	}
	if got.ExecutedAt.IsZero() {
		t.Fatal("expected execution timestamp")
	}
}

// TestStore_ReportIdempotent verifies a second report cannot overwrite a
// terminal status.
func TestStore_ReportIdempotent(t *testing.T) {
	s := newTestStore(t, 100)
	cmd := s.Add("p", "c", "", types.Metadata{}, true)

	s.ReportResult(cmd.ID, false, "exploded")
	s.ReportResult(cmd.ID, true, "")

	got, _ := s.Get(cmd.ID)
	if got.Status != types.StatusFailed {
		t.Fatalf("expected failed to stick, got %s", got.Status)
	}
	if got.Error != "exploded" {
		t.Fatalf("expected error preserved, got %q", got.Error)
	}
}

func TestStore_ReportUnknownID(t *testing.T) {
	s := newTestStore(t, 100)
	if known := s.ReportResult(999, true, ""); known {
		t.Fatal("report for id 999 should be unknown")
	}
}

// TestStore_HistoryTrim verifies oldest entries are evicted while the queue
// keeps serving, and that evicted ids report as unknown afterwards.
func TestStore_HistoryTrim(t *testing.T) {
	s := newTestStore(t, 3)

	for i := 0; i < 5; i++ {
		s.Add("p", "c", "", types.Metadata{}, true)
	}

	if _, ok := s.Get(1); ok {
		t.Fatal("id 1 should be trimmed")
	}
	if _, ok := s.Get(5); !ok {
		t.Fatal("id 5 should be retained")
	}
	if got := s.LowestRetainedID(); got != 3 {
		t.Fatalf("expected lowest retained id 3, got %d", got)
	}

	// All five queue items survive trimming.
	for i := int64(1); i <= 5; i++ {
		item, ok := s.PollNext()
		if !ok || item.ID != i {
			t.Fatalf("expected queue item %d, got %+v ok=%v", i, item, ok)
		}
	}

	// A late report for a trimmed id is unknown but not fatal.
	if known := s.ReportResult(1, true, ""); known {
		t.Fatal("report for trimmed id should be unknown")
	}
}

func TestStore_RepeatAndUndo(t *testing.T) {
	s := newTestStore(t, 100)
	cmd := s.Add("p", "exec", "undo", types.Metadata{}, true)
	s.PollNext()
	s.ReportResult(cmd.ID, true, "")

	if err := s.Repeat(cmd.ID); err != nil {
		t.Fatalf("repeat: %v", err)
	}
	item, ok := s.PollNext()
	if !ok || item.Code != "exec" {
		t.Fatalf("expected exec code requeued, got %+v", item)
	}

	if err := s.Undo(cmd.ID); err != nil {
		t.Fatalf("undo: %v", err)
	}
	item, ok = s.PollNext()
	if !ok || item.Code != "undo" {
		t.Fatalf("expected undo code queued, got %+v", item)
	}
	got, _ := s.Get(cmd.ID)
	if got.Status != types.StatusUndone {
		t.Fatalf("undo should mark undone immediately, got %s", got.Status)
	}

	if err := s.Undo(999); err != ErrUnknownCommand {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestStore_UndoWithoutScript(t *testing.T) {
	s := newTestStore(t, 100)
	cmd := s.Add("p", "exec", "", types.Metadata{}, true)
	if err := s.Undo(cmd.ID); err != ErrNoUndo {
		t.Fatalf("expected ErrNoUndo, got %v", err)
	}
}

func TestStore_Inject(t *testing.T) {
	s := newTestStore(t, 100)
	s.Inject("print('force fix')")

	item, ok := s.PollNext()
	if !ok {
		t.Fatal("expected injected item")
	}
	if item.ID != types.SentinelID {
		t.Fatalf("injected code must carry the sentinel id, got %d", item.ID)
	}
	if _, ok := s.Get(types.SentinelID); ok {
		t.Fatal("sentinel id must not appear in history")
	}
}

func TestStore_EnqueueExisting(t *testing.T) {
	s := newTestStore(t, 100)
	cmd := s.Add("p", "exec", "", types.Metadata{}, false)

	got, _ := s.Get(cmd.ID)
	if got.Status != types.StatusTesting {
		t.Fatalf("expected testing while held, got %s", got.Status)
	}
	if _, ok := s.PollNext(); ok {
		t.Fatal("held command must not be on the queue")
	}

	s.EnqueueExisting(cmd.ID, "fixed exec")
	item, ok := s.PollNext()
	if !ok || item.ID != cmd.ID || item.Code != "fixed exec" {
		t.Fatalf("unexpected item: %+v ok=%v", item, ok)
	}
	got, _ = s.Get(cmd.ID)
	if got.Status != types.StatusQueued {
		t.Fatalf("expected queued after approval, got %s", got.Status)
	}
}

// TestStore_ChangeHook verifies every mutation fires the observer.
func TestStore_ChangeHook(t *testing.T) {
	s := New(100)
	defer s.Close()

	var mu sync.Mutex
	seen := make(map[types.Status]int)
	done := make(chan struct{}, 8)
	s.OnChange(func(cmd types.Command) {
		mu.Lock()
		seen[cmd.Status]++
		mu.Unlock()
		done <- struct{}{}
	})

	cmd := s.Add("p", "c", "", types.Metadata{}, true)
	s.ReportResult(cmd.ID, true, "")

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("change hook not invoked")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if seen[types.StatusQueued] != 1 || seen[types.StatusExecuted] != 1 {
		t.Fatalf("unexpected hook calls: %v", seen)
	}
}

// TestStore_ConcurrentAdds hammers the actor from many goroutines and checks
// id uniqueness.
func TestStore_ConcurrentAdds(t *testing.T) {
	s := newTestStore(t, 1000)

	const n = 50
	var wg sync.WaitGroup
	ids := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- s.Add("p", "c", "", types.Metadata{}, true).ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d unique ids, got %d", n, len(seen))
	}
}
