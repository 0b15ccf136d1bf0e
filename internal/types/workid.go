package types

import "fmt"

// WorkKind distinguishes the three identifier spaces that can appear in an
// executor report. Keeping them as a tagged type (rather than the sign of a
// raw integer) means the dispatch, validation and session paths cannot be
// confused inside the process; only the wire layer deals in signed ints.
type WorkKind int

const (
	// WorkCommand - a first-class command handed to the primary executor.
	WorkCommand WorkKind = iota
	// WorkValidation - a candidate script under trial on the test executor.
	WorkValidation
	// WorkSessionStep - a discovery step belonging to an iterative session.
	WorkSessionStep
)

func (k WorkKind) String() string {
	switch k {
	case WorkCommand:
		return "command"
	case WorkValidation:
		return "validation"
	case WorkSessionStep:
		return "session_step"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// WorkID identifies one outstanding piece of executor work. It is comparable
// and is used directly as a map key by the correlation tracker.
type WorkID struct {
	Kind      WorkKind
	Command   int64  // set for WorkCommand and WorkValidation
	Session   string // set for WorkSessionStep
	Iteration int    // set for WorkSessionStep
}

// CommandWork identifies a primary dispatch of command id.
func CommandWork(id int64) WorkID {
	return WorkID{Kind: WorkCommand, Command: id}
}

// ValidationWork identifies a validation trial of command id.
func ValidationWork(id int64) WorkID {
	return WorkID{Kind: WorkValidation, Command: id}
}

// SessionStepWork identifies one iteration of an agent session.
func SessionStepWork(session string, iteration int) WorkID {
	return WorkID{Kind: WorkSessionStep, Session: session, Iteration: iteration}
}

func (w WorkID) String() string {
	if w.Kind == WorkSessionStep {
		return fmt.Sprintf("%s:%s#%d", w.Kind, w.Session, w.Iteration)
	}
	return fmt.Sprintf("%s:%d", w.Kind, w.Command)
}
