// Package agent runs oracle-driven sessions that produce commands. A direct
// session is one generation call; an iterative session lets the oracle probe
// the world through the test executor, one discovery script at a time, before
// committing a final effect.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"chaosbrain/internal/logging"
	"chaosbrain/internal/oracle"
	"chaosbrain/internal/track"
	"chaosbrain/internal/types"
)

// Reasoner is the oracle surface sessions drive. *oracle.Generator satisfies it.
type Reasoner interface {
	GenerateScripts(ctx context.Context, idea, currentMap string) (oracle.Scripts, error)
	IterateStep(ctx context.Context, idea string, iteration, maxIterations int, prevResult string) (oracle.StepPlan, error)
}

// CompleteFunc receives a finished session's scripts. The server wires this
// to the command store (direct/iterative) or the validation coordinator
// (validated).
type CompleteFunc func(sessionID, prompt string, mode Mode, scripts oracle.Scripts)

// Config configures the session manager.
type Config struct {
	MaxIterations int           // Oracle steps per session before failing
	SessionGrace  time.Duration // Retention of terminal sessions
	StepTimeout   time.Duration // Budget for a test executor step report
}

// Step is one entry of a session's ordered log.
type Step struct {
	Iteration int
	Phase     Phase
	Thinking  string
	Code      string
	Success   bool
	Output    string
	Error     string
}

// Session is the manager's record of one run. Snapshot returns copies; the
// manager owns the live struct.
type Session struct {
	ID         string
	Prompt     string
	Mode       Mode
	Phase      Phase
	Iteration  int
	Steps      []Step
	Error      string
	CreatedAt  time.Time
	FinishedAt time.Time

	// Step currently waiting to be polled by the test executor, nil when
	// none. inFlight marks a polled step awaiting its report.
	pendingCode string
	inFlight    bool
	lastResult  string
}

// StepWork is a discovery script handed to the test executor.
type StepWork struct {
	SessionID string
	Iteration int
	Code      string
}

// Manager owns all sessions.
type Manager struct {
	cfg      Config
	reasoner Reasoner
	tracker  *track.Tracker
	complete CompleteFunc

	mu       sync.Mutex
	sessions map[string]*Session
	// Sessions with a pending step, in arrival order.
	ready []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	clock  func() time.Time
}

// NewManager creates a session manager. onComplete may be nil.
func NewManager(cfg Config, reasoner Reasoner, tracker *track.Tracker, onComplete CompleteFunc) *Manager {
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		reasoner: reasoner,
		tracker:  tracker,
		complete: onComplete,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
		clock:    time.Now,
	}
}

// Close cancels in-flight oracle calls and waits for them.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// StartSession creates a session and kicks off its first oracle call.
func (m *Manager) StartSession(prompt string, mode Mode) string {
	s := &Session{
		ID:        uuid.New().String(),
		Prompt:    prompt,
		Mode:      mode,
		Phase:     PhasePreparing,
		CreatedAt: m.clock(),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	logging.Agent("session %s started (mode=%s): %s", s.ID, mode, prompt)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if mode == ModeIterative {
			m.advance(s.ID, "")
		} else {
			m.generateDirect(s.ID)
		}
	}()
	return s.ID
}

// generateDirect performs the single oracle call for direct and validated
// sessions.
func (m *Manager) generateDirect(sessionID string) {
	m.setPhase(sessionID, PhaseGenerating)

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	prompt := s.Prompt
	m.mu.Unlock()

	scripts, err := m.reasoner.GenerateScripts(m.ctx, prompt, "")
	if err != nil {
		m.fail(sessionID, "generation failed: "+err.Error())
		return
	}
	m.finish(sessionID, scripts)
}

// advance asks the oracle for the next step of an iterative session and
// either stages it for the test executor or finishes the session.
func (m *Manager) advance(sessionID, prevResult string) {
	m.setPhase(sessionID, PhaseGenerating)

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if s.Iteration >= m.cfg.MaxIterations {
		m.mu.Unlock()
		m.fail(sessionID, "iteration cap reached without a final script")
		return
	}
	s.Iteration++
	prompt, iteration := s.Prompt, s.Iteration
	m.mu.Unlock()

	plan, err := m.reasoner.IterateStep(m.ctx, prompt, iteration, m.cfg.MaxIterations, prevResult)
	if err != nil {
		m.fail(sessionID, "iteration step failed: "+err.Error())
		return
	}

	if plan.Done {
		m.mu.Lock()
		if s, ok := m.sessions[sessionID]; ok {
			s.Steps = append(s.Steps, Step{
				Iteration: iteration,
				Phase:     PhaseComplete,
				Thinking:  plan.Thinking,
				Code:      plan.Script,
				Success:   true,
			})
		}
		m.mu.Unlock()
		m.finish(sessionID, oracle.Scripts{Exec: plan.Script, Undo: plan.Undo})
		return
	}

	phase := ParsePhase(plan.Phase)
	if phase == PhaseUnknown {
		logging.AgentWarn("session %s: oracle phase tag %q not recognized", sessionID, plan.Phase)
	}

	m.mu.Lock()
	s, ok = m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.Phase = phase
	if phase == PhaseUnknown {
		s.Phase = PhaseTesting
	}
	s.Steps = append(s.Steps, Step{
		Iteration: iteration,
		Phase:     s.Phase,
		Thinking:  plan.Thinking,
		Code:      plan.Script,
	})
	s.pendingCode = plan.Script
	m.ready = append(m.ready, sessionID)
	m.mu.Unlock()

	logging.Agent("session %s step %d staged for test executor", sessionID, iteration)
}

// PollStep hands the next staged discovery script to the test executor.
func (m *Manager) PollStep() (StepWork, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.ready) > 0 {
		id := m.ready[0]
		m.ready = m.ready[1:]
		s, ok := m.sessions[id]
		if !ok || s.pendingCode == "" || s.Phase.Terminal() {
			continue
		}
		work := StepWork{SessionID: id, Iteration: s.Iteration, Code: s.pendingCode}
		s.pendingCode = ""
		s.inFlight = true
		m.tracker.Track(types.SessionStepWork(id, s.Iteration), s.Iteration, m.cfg.StepTimeout)
		return work, true
	}
	return StepWork{}, false
}

// ReportStep feeds a test executor result back into its session. Reports for
// unknown sessions, wrong iterations, or sessions with nothing in flight are
// ignored.
func (m *Manager) ReportStep(sessionID string, iteration int, success bool, output, errMsg string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.inFlight || s.Iteration != iteration {
		m.mu.Unlock()
		logging.AgentWarn("stale step report for session %s iteration %d, ignored", sessionID, iteration)
		return
	}
	s.inFlight = false
	m.tracker.Resolve(types.SessionStepWork(sessionID, iteration))

	if i := len(s.Steps) - 1; i >= 0 {
		s.Steps[i].Success = success
		s.Steps[i].Output = output
		s.Steps[i].Error = errMsg
	}

	result := output
	if !success {
		s.Phase = PhaseFixing
		result = "step FAILED with error: " + errMsg
	}
	s.lastResult = result
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.advance(sessionID, result)
	}()
}

// ExpireStep fails a session whose step report never arrived. Called from the
// sweep after the tracker entry is removed.
func (m *Manager) ExpireStep(sessionID string, iteration int) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.inFlight || s.Iteration != iteration {
		m.mu.Unlock()
		return
	}
	s.inFlight = false
	m.mu.Unlock()

	m.fail(sessionID, "test executor never reported the step")
}

// Get returns a snapshot of one session.
func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return m.snapshot(s), true
}

// Counts returns active and terminal session counts for the status surface.
func (m *Manager) Counts() (active, terminal int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.Phase.Terminal() {
			terminal++
		} else {
			active++
		}
	}
	return active, terminal
}

// GC removes terminal sessions past the grace period. Called from the sweep.
func (m *Manager) GC(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if s.Phase.Terminal() && now.Sub(s.FinishedAt) > m.cfg.SessionGrace {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		logging.AgentDebug("gc removed %d terminal session(s)", removed)
	}
	return removed
}

func (m *Manager) setPhase(sessionID string, phase Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok && !s.Phase.Terminal() {
		s.Phase = phase
	}
}

func (m *Manager) fail(sessionID, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Phase.Terminal() {
		m.mu.Unlock()
		return
	}
	s.Phase = PhaseFailed
	s.Error = reason
	s.FinishedAt = m.clock()
	m.mu.Unlock()

	logging.AgentWarn("session %s failed: %s", sessionID, reason)
}

func (m *Manager) finish(sessionID string, scripts oracle.Scripts) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Phase.Terminal() {
		m.mu.Unlock()
		return
	}
	s.Phase = PhaseComplete
	s.FinishedAt = m.clock()
	prompt, mode := s.Prompt, s.Mode
	m.mu.Unlock()

	logging.Agent("session %s complete (exec=%d bytes)", sessionID, len(scripts.Exec))
	if m.complete != nil {
		m.complete(sessionID, prompt, mode, scripts)
	}
}

func (m *Manager) snapshot(s *Session) Session {
	out := *s
	out.Steps = make([]Step, len(s.Steps))
	copy(out.Steps, s.Steps)
	out.pendingCode = ""
	return out
}
