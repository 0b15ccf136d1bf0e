package server

import (
	"encoding/json"
	"net/http"

	"chaosbrain/internal/agent"
	"chaosbrain/internal/logging"
	"chaosbrain/internal/oracle"
	"chaosbrain/internal/store"
	"chaosbrain/internal/types"
	"chaosbrain/internal/validation"
)

// pollResponse is the executor-facing dispatch shape.
type pollResponse struct {
	HasCode   bool   `json:"has_code"`
	Code      string `json:"code,omitempty"`
	CommandID int64  `json:"command_id,omitempty"`

	// Test-path extras: attempt diagnostics and the cleanup script the test
	// world runs after a pass.
	Attempt     int    `json:"attempt,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Cleanup     string `json:"cleanup,omitempty"`
}

// reportRequest is what executors post back.
type reportRequest struct {
	CommandID    int64  `json:"command_id"`
	Success      bool   `json:"success"`
	Error        string `json:"error"`
	ResultData   string `json:"result_data"`
	IsTestClient bool   `json:"is_test_client"`
}

type triggerRequest struct {
	Prompt  string `json:"prompt"`
	Origin  string `json:"origin"`
	Author  string `json:"author"`
	UserRef string `json:"user_ref"`
	Mode    string `json:"mode"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.ServerError("failed to encode response: %v", err)
	}
}

// decodeJSON is lenient about content types and empty bodies, matching the
// tunneling proxies the executors poll through.
func decodeJSON(r *http.Request, v interface{}) {
	if r.Body == nil {
		return
	}
	defer r.Body.Close()
	_ = json.NewDecoder(r.Body).Decode(v)
}

// handlePoll serves the primary executor. Approved validation output drains
// into the store first so slot pacing applies to every dispatch path.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.drainApproved()

	item, ok := s.sched.PollNext()
	if !ok {
		writeJSON(w, http.StatusOK, pollResponse{HasCode: false})
		return
	}

	if item.ID != types.SentinelID {
		s.tracker.Track(types.CommandWork(item.ID), 1, s.cfg.GetPollTimeout())
	}
	writeJSON(w, http.StatusOK, pollResponse{HasCode: true, Code: item.Code, CommandID: item.ID})
}

// drainApproved moves everything off the approved queue onto the dispatch
// queue under the original command ids.
func (s *Server) drainApproved() {
	for {
		a, ok := s.coord.PollApproved()
		if !ok {
			return
		}
		s.store.EnqueueExisting(a.CommandID, a.Exec)
	}
}

// handleReport ingests primary executor results. Id 0 is ignored; negative
// ids belong to the session correlation path.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req reportRequest
	decodeJSON(r, &req)

	switch {
	case req.CommandID == 0:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})

	case req.CommandID < 0:
		s.reportSessionStep(req)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		s.tracker.Resolve(types.CommandWork(req.CommandID))
		known := s.store.ReportResult(req.CommandID, req.Success, req.Error)
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "known": known})
	}
}

// handlePollTest serves the test executor: validation work first, then
// pending session discovery steps under synthetic negative ids.
func (s *Server) handlePollTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if item, ok := s.coord.PollWork(); ok {
		writeJSON(w, http.StatusOK, pollResponse{
			HasCode:     true,
			Code:        item.Code,
			CommandID:   item.CommandID,
			Attempt:     item.Attempt,
			MaxAttempts: s.cfg.Validation.MaxAttempts,
			Cleanup:     item.Undo,
		})
		return
	}

	if step, ok := s.agents.PollStep(); ok {
		wire := s.allocNegID(types.SessionStepWork(step.SessionID, step.Iteration))
		writeJSON(w, http.StatusOK, pollResponse{
			HasCode:   true,
			Code:      step.Code,
			CommandID: wire,
			Attempt:   step.Iteration,
		})
		return
	}

	writeJSON(w, http.StatusOK, pollResponse{HasCode: false})
}

// handleReportTest ingests test executor results. Positive ids close
// validation attempts, negative ids advance sessions.
func (s *Server) handleReportTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req reportRequest
	decodeJSON(r, &req)
	if !req.IsTestClient {
		logging.ServerDebug("test report for %d without is_test_client marker", req.CommandID)
	}

	switch {
	case req.CommandID == 0:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})

	case req.CommandID < 0:
		s.reportSessionStep(req)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		outcome := s.coord.Report(r.Context(), req.CommandID, req.Success, req.Error)
		if outcome == validation.OutcomeRejected {
			s.store.SetStatus(req.CommandID, types.StatusRejected, req.Error)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": outcome.String()})
	}
}

// reportSessionStep routes a negative-id report to the session that owns it.
func (s *Server) reportSessionStep(req reportRequest) {
	id, ok := s.lookupNegID(req.CommandID, true)
	if !ok || id.Kind != types.WorkSessionStep {
		logging.ServerWarn("report for unmapped wire id %d, ignored", req.CommandID)
		return
	}
	s.agents.ReportStep(id.Session, id.Iteration, req.Success, req.ResultData, req.Error)
}

// handleTrigger is the submission surface: an idea comes in, scripts come
// out of the oracle, and the command enters the pipeline.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req triggerRequest
	decodeJSON(r, &req)
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no prompt"})
		return
	}

	mode, err := agent.ParseMode(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	meta := types.Metadata{Origin: req.Origin, Author: req.Author, UserRef: req.UserRef}

	if mode == agent.ModeIterative {
		sessionID := s.agents.StartSession(req.Prompt, mode)
		writeJSON(w, http.StatusOK, map[string]string{"status": "session", "session_id": sessionID})
		return
	}

	validate := mode == agent.ModeValidated || s.coord.Enabled()
	logging.Server("generating scripts for %q (author=%s, validate=%v)", req.Prompt, req.Author, validate)

	scripts, err := s.gen.GenerateScripts(r.Context(), req.Prompt, "")
	if err != nil {
		if validate {
			// The validated path rejects rather than ships a stub.
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "generation failed"})
			return
		}
		// The direct path ships a loud stub so the stream sees something.
		cmd := s.store.Add(req.Prompt, `print("AI Generation Failed")`, "", meta, true)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "queued", "command_id": cmd.ID, "code_preview": cmd.ExecCode,
		})
		return
	}

	if validate {
		cmd := s.store.Add(req.Prompt, scripts.Exec, scripts.Undo, meta, false)
		s.coord.Submit(cmd.ID, req.Prompt, scripts)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "testing", "command_id": cmd.ID, "code_preview": scripts.Exec,
		})
		return
	}

	cmd := s.store.Add(req.Prompt, scripts.Exec, scripts.Undo, meta, true)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "queued", "command_id": cmd.ID, "code_preview": scripts.Exec,
	})
}

// handleRepeat re-enqueues a past command's execution script.
func (s *Server) handleRepeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		CommandID int64 `json:"command_id"`
	}
	decodeJSON(r, &req)

	if err := s.store.Repeat(req.CommandID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "queued", "command_id": req.CommandID})
}

// handleUndo enqueues a command's inverse script.
func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		CommandID int64 `json:"command_id"`
	}
	decodeJSON(r, &req)

	if err := s.store.Undo(req.CommandID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "queued", "command_id": req.CommandID})
}

// handleInject queues raw operator code under the sentinel id. The executor
// runs it but never reports on it.
func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	decodeJSON(r, &req)
	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no code"})
		return
	}

	s.store.Inject(req.Code)
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

// handleOverride pops up to count commands past every cool-down.
func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Count int `json:"count"`
	}
	decodeJSON(r, &req)
	if req.Count < 1 {
		req.Count = 1
	}

	staged := s.sched.ManualOverride(req.Count)
	writeJSON(w, http.StatusOK, map[string]int{"staged": staged})
}

type slotSummary struct {
	ID               int   `json:"id"`
	Occupied         bool  `json:"occupied"`
	CommandID        int64 `json:"command_id,omitempty"`
	SecondsRemaining int   `json:"seconds_remaining"`
}

// handleStatus is the observability surface for the operator page.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	slots := []slotSummary{}
	for _, sl := range s.sched.Status() {
		slots = append(slots, slotSummary{
			ID:               sl.ID,
			Occupied:         sl.Cooling,
			CommandID:        sl.CommandID,
			SecondsRemaining: int(sl.Remaining.Seconds()),
		})
	}

	queued, inFlight := s.coord.Pending()
	active, terminal := s.agents.Counts()

	type recentCommand struct {
		ID     int64  `json:"id"`
		Prompt string `json:"prompt"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
	recent := []recentCommand{}
	for _, cmd := range s.store.Recent(10) {
		recent = append(recent, recentCommand{
			ID: cmd.ID, Prompt: cmd.Prompt, Status: string(cmd.Status), Error: cmd.Error,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue_len": s.store.QueueLen(),
		"holdback":  s.sched.HoldbackLen(),
		"slots":     slots,
		"validation": map[string]interface{}{
			"enabled":   s.coord.Enabled(),
			"queued":    queued,
			"in_flight": inFlight,
		},
		"sessions": map[string]int{"active": active, "terminal": terminal},
		"pending":  s.tracker.Pending(),
		"recent":   recent,
	})
}

// handleIndex serves the operator page placeholder. The real dashboard is an
// external collaborator driving /trigger and /status.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>chaosbrain</title>
<style>
body { background: #121212; color: #00ff41; font-family: monospace; padding: 40px; }
code { color: #fff; }
</style>
</head>
<body>
<h1>chaosbrain</h1>
<p>Dispatch server is up. Submit ideas with <code>POST /trigger {"prompt": "..."}</code>,
watch the pipeline at <code>GET /status</code>.</p>
</body>
</html>
`

// SessionComplete returns the agent completion hook: a finished session's
// scripts become a command, routed through validation for validated mode.
func SessionComplete(st *store.Store, coord *validation.Coordinator) agent.CompleteFunc {
	return func(sessionID, prompt string, mode agent.Mode, scripts oracle.Scripts) {
		meta := types.Metadata{Origin: "session", UserRef: sessionID}
		if mode == agent.ModeValidated {
			cmd := st.Add(prompt, scripts.Exec, scripts.Undo, meta, false)
			coord.Submit(cmd.ID, prompt, scripts)
			return
		}
		st.Add(prompt, scripts.Exec, scripts.Undo, meta, true)
	}
}
