// Package server exposes the poll/report HTTP surface the game executors
// speak, plus the submission and observability routes. The primary executor
// has no inbound connectivity; everything flows through its 1-2 second poll
// loop against this server.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"chaosbrain/internal/agent"
	"chaosbrain/internal/config"
	"chaosbrain/internal/logging"
	"chaosbrain/internal/oracle"
	"chaosbrain/internal/scheduler"
	"chaosbrain/internal/store"
	"chaosbrain/internal/track"
	"chaosbrain/internal/types"
	"chaosbrain/internal/validation"
)

// Server wires the store, scheduler, coordinator, sessions, and oracle
// behind the wire protocol.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	sched   *scheduler.Scheduler
	coord   *validation.Coordinator
	agents  *agent.Manager
	tracker *track.Tracker
	gen     Generator

	// Session steps cross the wire as synthetic negative ids so they never
	// collide with command ids. The server owns the mapping.
	negMu   sync.Mutex
	negIDs  map[int64]types.WorkID
	nextNeg int64

	httpServer *http.Server
}

// Generator is the oracle surface the trigger path needs. *oracle.Generator
// satisfies it.
type Generator interface {
	GenerateScripts(ctx context.Context, idea, currentMap string) (oracle.Scripts, error)
}

// Deps carries the constructed components.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Coord     *validation.Coordinator
	Agents    *agent.Manager
	Tracker   *track.Tracker
	Generator Generator
}

// New creates the server.
func New(d Deps) *Server {
	s := &Server{
		cfg:     d.Config,
		store:   d.Store,
		sched:   d.Scheduler,
		coord:   d.Coord,
		agents:  d.Agents,
		tracker: d.Tracker,
		gen:     d.Generator,
		negIDs:  make(map[int64]types.WorkID),
		nextNeg: -1,
	}
	s.httpServer = &http.Server{
		Addr:         d.Config.Server.Addr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// routes builds the mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/poll", s.handlePoll)
	mux.HandleFunc("/report", s.handleReport)
	mux.HandleFunc("/poll/test", s.handlePollTest)
	mux.HandleFunc("/report/test", s.handleReportTest)
	mux.HandleFunc("/trigger", s.handleTrigger)
	mux.HandleFunc("/repeat", s.handleRepeat)
	mux.HandleFunc("/undo", s.handleUndo)
	mux.HandleFunc("/inject", s.handleInject)
	mux.HandleFunc("/override", s.handleOverride)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Run serves HTTP and drives the sweep loop until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Server("listening on %s", s.httpServer.Addr)
		err := s.httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		s.sweepLoop(ctx)
		return nil
	})

	return g.Wait()
}

// sweepLoop is the single timeout driver: one ticker expires overdue work,
// breathes the scheduler, and collects dead sessions.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.GetSweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep runs one tick.
func (s *Server) sweep(now time.Time) {
	for _, e := range s.tracker.Sweep(now) {
		switch e.ID.Kind {
		case types.WorkCommand:
			logging.ServerWarn("command %d never reported within budget, marking failed", e.ID.Command)
			s.store.SetStatus(e.ID.Command, types.StatusFailed, "executor never reported a result")
		case types.WorkValidation:
			s.coord.Expire(e.ID.Command)
		case types.WorkSessionStep:
			s.agents.ExpireStep(e.ID.Session, e.ID.Iteration)
			s.releaseNegID(e.ID)
		}
	}

	s.sched.Resize()
	s.agents.GC(now)
}

// ApplyConfig applies a hot-reloaded configuration. Only the runtime-safe
// knobs move: the validation toggle and logging settings.
func (s *Server) ApplyConfig(cfg *config.Config) {
	logging.Configure(logging.Settings{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	})
	s.coord.SetEnabled(cfg.Validation.Enabled)
	logging.Server("config reloaded (validation=%v)", cfg.Validation.Enabled)
}

// allocNegID maps a session step to a fresh negative wire id.
func (s *Server) allocNegID(id types.WorkID) int64 {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	wire := s.nextNeg
	s.nextNeg--
	s.negIDs[wire] = id
	return wire
}

// lookupNegID resolves a negative wire id, removing it when consume is set.
func (s *Server) lookupNegID(wire int64, consume bool) (types.WorkID, bool) {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	id, ok := s.negIDs[wire]
	if ok && consume {
		delete(s.negIDs, wire)
	}
	return id, ok
}

// releaseNegID drops any wire id pointing at the given work.
func (s *Server) releaseNegID(id types.WorkID) {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	for wire, w := range s.negIDs {
		if w == id {
			delete(s.negIDs, wire)
			return
		}
	}
}
