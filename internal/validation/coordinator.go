// Package validation runs generated scripts through a test executor before
// they reach the live game. Failed scripts go back to the oracle for repair
// and re-test until they pass, stop changing, or run out of attempts.
package validation

import (
	"context"
	"sync"
	"time"

	"chaosbrain/internal/logging"
	"chaosbrain/internal/oracle"
	"chaosbrain/internal/track"
	"chaosbrain/internal/types"
)

// Fixer repairs a failing script. *oracle.Generator satisfies it.
type Fixer interface {
	FixScript(ctx context.Context, prompt, script, execErr string) (oracle.Scripts, error)
}

// Config configures the coordinator.
type Config struct {
	Enabled     bool
	MaxAttempts int           // Test attempts per command, fixes included
	Timeout     time.Duration // Budget for a test executor report
}

// Outcome classifies what a test report did to a command.
type Outcome int

const (
	// OutcomeUnknown - the report did not match any in-flight attempt
	OutcomeUnknown Outcome = iota
	// OutcomeApproved - the script passed and is cleared for dispatch
	OutcomeApproved
	// OutcomeRetrying - the script failed, a fix is queued for re-test
	OutcomeRetrying
	// OutcomeRejected - the command is out of attempts or unfixable
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApproved:
		return "approved"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// WorkItem is one script handed to the test executor.
type WorkItem struct {
	CommandID int64
	Code      string
	Undo      string // Cleanup script the test world runs after a pass
	Attempt   int
}

// Approved is a script cleared for live dispatch. Exec may differ from the
// originally submitted script when a fix was applied.
type Approved struct {
	CommandID int64
	Exec      string
	Undo      string
}

type pendingItem struct {
	commandID int64
	prompt    string
	scripts   oracle.Scripts
	attempt   int
}

// Coordinator owns the validation pipeline. Disabled coordinators pass every
// submission straight through to the approved queue.
type Coordinator struct {
	fixer   Fixer
	tracker *track.Tracker

	mu       sync.Mutex
	enabled  bool
	maxTries int
	timeout  time.Duration
	work     []*pendingItem           // Awaiting a test executor poll
	inFlight map[int64]*pendingItem   // Dispatched, awaiting report
	approved []Approved
}

// NewCoordinator creates a coordinator. The tracker is shared with the server
// so the single sweep tick expires overdue test attempts.
func NewCoordinator(cfg Config, fixer Fixer, tracker *track.Tracker) *Coordinator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Coordinator{
		fixer:    fixer,
		tracker:  tracker,
		enabled:  cfg.Enabled,
		maxTries: cfg.MaxAttempts,
		timeout:  cfg.Timeout,
		inFlight: make(map[int64]*pendingItem),
	}
}

// Submit offers a freshly generated command for validation. When validation
// is disabled the command is approved immediately.
func (c *Coordinator) Submit(commandID int64, prompt string, scripts oracle.Scripts) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		c.approved = append(c.approved, Approved{CommandID: commandID, Exec: scripts.Exec, Undo: scripts.Undo})
		return
	}

	c.work = append(c.work, &pendingItem{
		commandID: commandID,
		prompt:    prompt,
		scripts:   scripts,
		attempt:   1,
	})
	logging.Validation("command %d submitted for validation (queue=%d)", commandID, len(c.work))
}

// PollWork hands the next script to the test executor and starts its report
// clock.
func (c *Coordinator) PollWork() (WorkItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.work) == 0 {
		return WorkItem{}, false
	}
	item := c.work[0]
	c.work = c.work[1:]
	c.inFlight[item.commandID] = item

	c.tracker.Track(types.ValidationWork(item.commandID), item.attempt, c.timeout)
	logging.Validation("command %d attempt %d/%d dispatched to test executor",
		item.commandID, item.attempt, c.maxTries)
	return WorkItem{
		CommandID: item.commandID,
		Code:      item.scripts.Exec,
		Undo:      item.scripts.Undo,
		Attempt:   item.attempt,
	}, true
}

// Report processes a test executor result. On failure the oracle is asked for
// a fix, which re-enters the queue at the front so repairs do not starve
// behind new submissions. A fix identical to the failing script, a fixer
// error, or attempt exhaustion all reject the command.
func (c *Coordinator) Report(ctx context.Context, commandID int64, success bool, errMsg string) Outcome {
	c.mu.Lock()
	item, ok := c.inFlight[commandID]
	if !ok {
		c.mu.Unlock()
		logging.ValidationWarn("report for command %d matches no in-flight attempt, dropped", commandID)
		return OutcomeUnknown
	}
	delete(c.inFlight, commandID)
	c.tracker.Resolve(types.ValidationWork(commandID))

	if success {
		c.approved = append(c.approved, Approved{
			CommandID: commandID,
			Exec:      item.scripts.Exec,
			Undo:      item.scripts.Undo,
		})
		c.mu.Unlock()
		logging.Validation("command %d approved on attempt %d", commandID, item.attempt)
		return OutcomeApproved
	}

	if item.attempt >= c.maxTries {
		c.mu.Unlock()
		logging.ValidationWarn("command %d rejected: %d attempts exhausted (last error: %s)",
			commandID, item.attempt, errMsg)
		return OutcomeRejected
	}
	c.mu.Unlock()

	// Fixer call happens outside the lock; it is an LLM round-trip.
	fixed, err := c.fixer.FixScript(ctx, item.prompt, item.scripts.Exec, errMsg)
	if err != nil {
		logging.ValidationWarn("command %d rejected: fix failed: %v", commandID, err)
		return OutcomeRejected
	}
	if fixed.Exec == item.scripts.Exec {
		logging.ValidationWarn("command %d rejected: oracle returned the script unchanged", commandID)
		return OutcomeRejected
	}

	c.mu.Lock()
	c.work = append([]*pendingItem{{
		commandID: commandID,
		prompt:    item.prompt,
		scripts:   fixed,
		attempt:   item.attempt + 1,
	}}, c.work...)
	c.mu.Unlock()

	logging.Validation("command %d fix queued for attempt %d/%d", commandID, item.attempt+1, c.maxTries)
	return OutcomeRetrying
}

// Expire drops a test attempt whose report never arrived. The sweep has
// already removed the tracker entry. The item leaves the pipeline without an
// explicit verdict; its command stays in whatever status it held, and a late
// report for it is stale.
func (c *Coordinator) Expire(commandID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.inFlight[commandID]
	if !ok {
		return false
	}
	delete(c.inFlight, commandID)

	logging.ValidationWarn("command %d attempt %d timed out with no report, dropped",
		commandID, item.attempt)
	return true
}

// PollApproved drains one approved command, FIFO.
func (c *Coordinator) PollApproved() (Approved, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.approved) == 0 {
		return Approved{}, false
	}
	a := c.approved[0]
	c.approved = c.approved[1:]
	return a, true
}

// SetEnabled flips the validation toggle at runtime. Work already in the
// pipeline finishes under the old setting.
func (c *Coordinator) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled != enabled {
		logging.Validation("validation toggled: enabled=%v", enabled)
	}
	c.enabled = enabled
}

// Enabled reports whether new submissions are validated.
func (c *Coordinator) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Pending returns queued plus in-flight attempt counts.
func (c *Coordinator) Pending() (queued, inFlight int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.work), len(c.inFlight)
}
