package agent

import "fmt"

// Phase is where a session is in its lifecycle.
type Phase int

const (
	// PhasePreparing - session created, no oracle call yet
	PhasePreparing Phase = iota
	// PhaseGenerating - waiting on an oracle completion
	PhaseGenerating
	// PhaseTesting - a discovery step is out with the test executor
	PhaseTesting
	// PhaseFixing - reworking after a failed step
	PhaseFixing
	// PhaseComplete - final scripts produced
	PhaseComplete
	// PhaseFailed - iteration cap hit, oracle failure, or step timeout
	PhaseFailed
	// PhaseUnknown - the oracle emitted a phase tag we don't recognize
	PhaseUnknown
)

func (p Phase) String() string {
	switch p {
	case PhasePreparing:
		return "preparing"
	case PhaseGenerating:
		return "generating"
	case PhaseTesting:
		return "testing"
	case PhaseFixing:
		return "fixing"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// Terminal reports whether the phase ends a session.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// ParsePhase maps an oracle phase tag to the closed enum. Anything
// unrecognized becomes PhaseUnknown; callers decide what that means.
func ParsePhase(s string) Phase {
	switch s {
	case "preparing":
		return PhasePreparing
	case "generating":
		return PhaseGenerating
	case "testing":
		return PhaseTesting
	case "fixing":
		return PhaseFixing
	case "complete":
		return PhaseComplete
	case "failed":
		return PhaseFailed
	default:
		return PhaseUnknown
	}
}

// Mode selects how a session produces its command.
type Mode string

const (
	// ModeDirect - one oracle call, command enqueued as-is
	ModeDirect Mode = "direct"
	// ModeIterative - the oracle explores via test executor steps first
	ModeIterative Mode = "iterative"
	// ModeValidated - one oracle call, command routed through validation
	ModeValidated Mode = "validated"
)

// ParseMode validates a wire mode string, defaulting empty to direct.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDirect, ModeIterative, ModeValidated:
		return Mode(s), nil
	case "":
		return ModeDirect, nil
	default:
		return "", fmt.Errorf("unknown session mode: %q", s)
	}
}
