package validation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"chaosbrain/internal/oracle"
	"chaosbrain/internal/track"
)

// mockFixer returns scripted fixes in order.
type mockFixer struct {
	fixes []oracle.Scripts
	err   error
	calls int
}

func (m *mockFixer) FixScript(ctx context.Context, prompt, script, execErr string) (oracle.Scripts, error) {
	m.calls++
	if m.err != nil {
		return oracle.Scripts{}, m.err
	}
	if len(m.fixes) == 0 {
		return oracle.Scripts{Exec: script + " -- touched"}, nil
	}
	fix := m.fixes[0]
	m.fixes = m.fixes[1:]
	return fix, nil
}

func newTestCoordinator(enabled bool, maxAttempts int, fixer Fixer) *Coordinator {
	return NewCoordinator(Config{
		Enabled:     enabled,
		MaxAttempts: maxAttempts,
		Timeout:     time.Minute,
	}, fixer, track.New())
}

// TestCoordinator_PassFirstTry covers the clean validation path: submit,
// test dispatch, passing report, approval.
func TestCoordinator_PassFirstTry(t *testing.T) {
	fixer := &mockFixer{}
	c := newTestCoordinator(true, 3, fixer)

	c.Submit(1, "make it rain", oracle.Scripts{Exec: "rain()", Undo: "stopRain()"})

	item, ok := c.PollWork()
	if !ok || item.CommandID != 1 || item.Attempt != 1 {
		t.Fatalf("unexpected work item: %+v ok=%v", item, ok)
	}
	if item.Code != "rain()" || item.Undo != "stopRain()" {
		t.Fatalf("unexpected scripts: %+v", item)
	}

	if got := c.Report(context.Background(), 1, true, ""); got != OutcomeApproved {
		t.Fatalf("expected approved, got %s", got)
	}
	if fixer.calls != 0 {
		t.Fatalf("fixer must not run on success, ran %d times", fixer.calls)
	}

	a, ok := c.PollApproved()
	if !ok || a.CommandID != 1 || a.Exec != "rain()" {
		t.Fatalf("unexpected approval: %+v ok=%v", a, ok)
	}
}

// TestCoordinator_FixThenPass covers the repair loop: fail, fixed script
// re-enters at the front, passes on attempt two, and the approval carries the
// fixed script.
func TestCoordinator_FixThenPass(t *testing.T) {
	fixer := &mockFixer{fixes: []oracle.Scripts{{Exec: "rainFixed()", Undo: "stop()"}}}
	c := newTestCoordinator(true, 3, fixer)

	c.Submit(1, "make it rain", oracle.Scripts{Exec: "rainBroken()"})
	c.Submit(2, "spawn a crate", oracle.Scripts{Exec: "crate()"})

	c.PollWork()
	if got := c.Report(context.Background(), 1, false, "attempt to index nil"); got != OutcomeRetrying {
		t.Fatalf("expected retrying, got %s", got)
	}

	// The fix goes ahead of command 2.
	item, ok := c.PollWork()
	if !ok || item.CommandID != 1 || item.Attempt != 2 {
		t.Fatalf("expected fixed command 1 first, got %+v ok=%v", item, ok)
	}
	if item.Code != "rainFixed()" {
		t.Fatalf("expected fixed script, got %q", item.Code)
	}

	if got := c.Report(context.Background(), 1, true, ""); got != OutcomeApproved {
		t.Fatalf("expected approved, got %s", got)
	}
	a, _ := c.PollApproved()
	if a.Exec != "rainFixed()" || a.Undo != "stop()" {
		t.Fatalf("approval must carry the fixed script, got %+v", a)
	}

	// Command 2 still flows.
	item, ok = c.PollWork()
	if !ok || item.CommandID != 2 {
		t.Fatalf("expected command 2 next, got %+v ok=%v", item, ok)
	}
}

// TestCoordinator_ThirdAttemptPasses fails twice with different errors and
// passes on the last allowed attempt; the approval carries the second fix.
func TestCoordinator_ThirdAttemptPasses(t *testing.T) {
	fixer := &mockFixer{fixes: []oracle.Scripts{{Exec: "v2()"}, {Exec: "v3()", Undo: "u3()"}}}
	c := newTestCoordinator(true, 3, fixer)

	c.Submit(1, "idea", oracle.Scripts{Exec: "v1()"})

	c.PollWork()
	c.Report(context.Background(), 1, false, "nil index")
	c.PollWork()
	c.Report(context.Background(), 1, false, "bad argument")

	item, ok := c.PollWork()
	if !ok || item.Attempt != 3 || item.Code != "v3()" {
		t.Fatalf("expected third candidate on attempt 3, got %+v ok=%v", item, ok)
	}
	if got := c.Report(context.Background(), 1, true, ""); got != OutcomeApproved {
		t.Fatalf("expected approved, got %s", got)
	}

	a, _ := c.PollApproved()
	if a.Exec != "v3()" || a.Undo != "u3()" {
		t.Fatalf("approval must carry the final fix, got %+v", a)
	}
}

// TestCoordinator_AttemptsExhausted rejects after max attempts.
func TestCoordinator_AttemptsExhausted(t *testing.T) {
	fixer := &mockFixer{fixes: []oracle.Scripts{{Exec: "v2()"}, {Exec: "v3()"}}}
	c := newTestCoordinator(true, 3, fixer)

	c.Submit(1, "idea", oracle.Scripts{Exec: "v1()"})

	for attempt := 1; attempt <= 2; attempt++ {
		item, ok := c.PollWork()
		if !ok || item.Attempt != attempt {
			t.Fatalf("expected attempt %d, got %+v ok=%v", attempt, item, ok)
		}
		if got := c.Report(context.Background(), 1, false, "err"); got != OutcomeRetrying {
			t.Fatalf("attempt %d: expected retrying, got %s", attempt, got)
		}
	}

	item, _ := c.PollWork()
	if item.Attempt != 3 {
		t.Fatalf("expected final attempt 3, got %d", item.Attempt)
	}
	if got := c.Report(context.Background(), 1, false, "err"); got != OutcomeRejected {
		t.Fatalf("expected rejected, got %s", got)
	}
	if fixer.calls != 2 {
		t.Fatalf("fixer must not run on the final failure, ran %d times", fixer.calls)
	}
	if _, ok := c.PollApproved(); ok {
		t.Fatal("rejected command must not be approved")
	}
}

// TestCoordinator_UnchangedFixRejects rejects when the oracle cannot improve
// the script.
func TestCoordinator_UnchangedFixRejects(t *testing.T) {
	fixer := &mockFixer{fixes: []oracle.Scripts{{Exec: "same()"}}}
	c := newTestCoordinator(true, 3, fixer)

	c.Submit(1, "idea", oracle.Scripts{Exec: "same()"})
	c.PollWork()
	if got := c.Report(context.Background(), 1, false, "err"); got != OutcomeRejected {
		t.Fatalf("expected rejected for unchanged fix, got %s", got)
	}
}

func TestCoordinator_FixerErrorRejects(t *testing.T) {
	fixer := &mockFixer{err: fmt.Errorf("oracle down")}
	c := newTestCoordinator(true, 3, fixer)

	c.Submit(1, "idea", oracle.Scripts{Exec: "x()"})
	c.PollWork()
	if got := c.Report(context.Background(), 1, false, "err"); got != OutcomeRejected {
		t.Fatalf("expected rejected on fixer error, got %s", got)
	}
}

// TestCoordinator_DisabledPassthrough approves submissions immediately when
// validation is off.
func TestCoordinator_DisabledPassthrough(t *testing.T) {
	c := newTestCoordinator(false, 3, &mockFixer{})

	c.Submit(7, "idea", oracle.Scripts{Exec: "go()", Undo: "back()"})
	if _, ok := c.PollWork(); ok {
		t.Fatal("disabled coordinator must not queue test work")
	}
	a, ok := c.PollApproved()
	if !ok || a.CommandID != 7 || a.Exec != "go()" {
		t.Fatalf("expected immediate approval, got %+v ok=%v", a, ok)
	}
}

func TestCoordinator_StaleReport(t *testing.T) {
	c := newTestCoordinator(true, 3, &mockFixer{})
	if got := c.Report(context.Background(), 42, true, ""); got != OutcomeUnknown {
		t.Fatalf("expected unknown for stale report, got %s", got)
	}
}

// TestCoordinator_Expire drops a timed-out attempt from the pipeline without
// a verdict: no approval, no rejection, and late reports are stale.
func TestCoordinator_Expire(t *testing.T) {
	c := newTestCoordinator(true, 3, &mockFixer{})

	c.Submit(1, "idea", oracle.Scripts{Exec: "slow()"})
	c.PollWork()

	if !c.Expire(1) {
		t.Fatal("expected in-flight attempt to be dropped")
	}
	if c.Expire(1) {
		t.Fatal("second expiry must be a no-op")
	}

	if _, ok := c.PollWork(); ok {
		t.Fatal("dropped attempt must not re-enter the test queue")
	}
	if _, ok := c.PollApproved(); ok {
		t.Fatal("dropped attempt must never be approved")
	}

	// A report after expiry is stale.
	if got := c.Report(context.Background(), 1, true, ""); got != OutcomeUnknown {
		t.Fatalf("expected unknown after expiry, got %s", got)
	}
}

func TestCoordinator_ToggleMidstream(t *testing.T) {
	c := newTestCoordinator(true, 3, &mockFixer{})

	c.Submit(1, "before toggle", oracle.Scripts{Exec: "a()"})
	c.SetEnabled(false)
	c.Submit(2, "after toggle", oracle.Scripts{Exec: "b()"})

	// Command 2 skipped validation entirely.
	a, ok := c.PollApproved()
	if !ok || a.CommandID != 2 {
		t.Fatalf("expected command 2 approved directly, got %+v ok=%v", a, ok)
	}

	// Command 1 still finishes its pipeline.
	item, ok := c.PollWork()
	if !ok || item.CommandID != 1 {
		t.Fatalf("expected command 1 in test queue, got %+v ok=%v", item, ok)
	}
}
