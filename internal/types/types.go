// Package types holds the shared data model for the chaosbrain dispatch
// pipeline: submitted commands, their lifecycle status, and the tagged work
// identifiers used to correlate asynchronous executor reports.
package types

import "time"

// Status represents the lifecycle state of a submitted command.
type Status string

const (
	// StatusQueued - command is waiting in the dispatch queue.
	StatusQueued Status = "queued"
	// StatusPendingModeration - command is held for an external moderation pass.
	StatusPendingModeration Status = "pending_moderation"
	// StatusTesting - command is being validated on the test executor.
	StatusTesting Status = "testing"
	// StatusExecuted - primary executor reported success.
	StatusExecuted Status = "executed"
	// StatusFailed - primary executor reported failure.
	StatusFailed Status = "failed"
	// StatusUndone - the inverse script was dispatched; marked optimistically.
	StatusUndone Status = "undone"
	// StatusRejected - validation exhausted its repair attempts.
	StatusRejected Status = "rejected"
)

// Terminal reports whether the status is a final state. Reports arriving for
// a command already in a terminal state are ignored.
func (s Status) Terminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusUndone, StatusRejected:
		return true
	default:
		return false
	}
}

// Metadata carries submission provenance for a command.
type Metadata struct {
	Origin  string // free-form source tag, e.g. "twitch", "web"
	Author  string // display label of the submitter
	UserRef string // optional correlation to an external account
}

// Command is one entry in the append-only history. The ID is assigned at
// creation, is strictly increasing, and is never reused for the lifetime of
// the process.
type Command struct {
	ID        int64
	CreatedAt time.Time

	Prompt   string
	ExecCode string
	UndoCode string

	Origin  string
	Author  string
	UserRef string

	Status     Status
	Error      string
	ExecutedAt time.Time // zero until a report lands
}

// SentinelID marks ad-hoc injected code that is not a tracked command.
// Executors report it back as id 0, which report handlers ignore.
const SentinelID int64 = 0
