// Package store implements the command store: an append-only history of
// submitted commands plus the FIFO dispatch queue consumed by the slot
// scheduler.
//
// The store is a single-owner actor. One goroutine owns the history and the
// queue, and every operation is a typed request delivered over a channel.
// Id ordering falls out of the single writer; there is no mutex to misorder
// against and no lock is ever held across a call into another component.
package store

import (
	"errors"
	"time"

	"chaosbrain/internal/logging"
	"chaosbrain/internal/types"
)

// =============================================================================
// COMMAND STORE - APPEND-ONLY HISTORY + FIFO DISPATCH QUEUE
// =============================================================================

// ErrUnknownCommand is returned when an operation references an id that is
// not in history (either trimmed away or never assigned).
var ErrUnknownCommand = errors.New("unknown command id")

// ErrNoUndo is returned by Undo when the command has no inverse script.
var ErrNoUndo = errors.New("command has no undo script")

// QueueItem is one entry of the dispatch queue: the command id and the code
// to hand to the executor.
type QueueItem struct {
	ID   int64
	Code string
}

// ChangeFunc observes history mutations. It is invoked on its own goroutine
// so slow observers (dashboard, archive) never stall the store.
type ChangeFunc func(cmd types.Command)

// Store owns command history and the dispatch queue.
type Store struct {
	ops    chan storeOp
	stopCh chan struct{}
	doneCh chan struct{}

	// Owned by the run loop. Never touched from outside it.
	nextID     int64
	history    []types.Command
	queue      []QueueItem
	historyMax int
	lowestID   int64 // lowest id still retained in history, for eviction diagnostics
	onChange   ChangeFunc

	clock func() time.Time
}

// storeOp is a request processed by the owner goroutine.
type storeOp interface {
	apply(s *Store)
}

// New creates and starts a command store retaining at most historyMax
// entries. Call Close to stop the owner goroutine.
func New(historyMax int) *Store {
	s := &Store{
		ops:        make(chan storeOp),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		nextID:     1,
		historyMax: historyMax,
		lowestID:   1,
		clock:      time.Now,
	}
	go s.run()
	return s
}

// Close stops the owner goroutine. Pending callers receive zero values.
func (s *Store) Close() {
	close(s.stopCh)
	<-s.doneCh
}

// OnChange registers the history-changed observer. Must be called before the
// store is shared across goroutines.
func (s *Store) OnChange(fn ChangeFunc) {
	s.onChange = fn
}

func (s *Store) run() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case op := <-s.ops:
			op.apply(s)
		}
	}
}

// send delivers an op to the owner goroutine, giving up on shutdown.
func (s *Store) send(op storeOp) bool {
	select {
	case s.ops <- op:
		return true
	case <-s.stopCh:
		return false
	}
}

// notify fires the history-changed hook without blocking the owner.
func (s *Store) notify(cmd types.Command) {
	if s.onChange == nil {
		return
	}
	go s.onChange(cmd)
}

// -----------------------------------------------------------------------------
// Operations
// -----------------------------------------------------------------------------

type addOp struct {
	prompt, execCode, undoCode string
	meta                       types.Metadata
	status                     types.Status
	enqueue                    bool
	reply                      chan types.Command
}

func (op addOp) apply(s *Store) {
	cmd := types.Command{
		ID:        s.nextID,
		CreatedAt: s.clock(),
		Prompt:    op.prompt,
		ExecCode:  op.execCode,
		UndoCode:  op.undoCode,
		Origin:    op.meta.Origin,
		Author:    op.meta.Author,
		UserRef:   op.meta.UserRef,
		Status:    op.status,
	}
	s.nextID++

	s.history = append(s.history, cmd)
	if len(s.history) > s.historyMax {
		// Oldest entries go first. The queue is deliberately untouched: a
		// trimmed command's queue item stays dispatchable.
		drop := len(s.history) - s.historyMax
		s.history = s.history[drop:]
		s.lowestID = s.history[0].ID
	}

	if op.enqueue {
		s.queue = append(s.queue, QueueItem{ID: cmd.ID, Code: cmd.ExecCode})
	}

	logging.Store("add id=%d origin=%s enqueue=%v status=%s", cmd.ID, cmd.Origin, op.enqueue, cmd.Status)
	s.notify(cmd)
	op.reply <- cmd
}

// Add appends a command to history and, if enqueue is set, to the dispatch
// queue with status Queued. With enqueue false the command is created in
// Testing state for the validation path.
func (s *Store) Add(prompt, execCode, undoCode string, meta types.Metadata, enqueue bool) types.Command {
	status := types.StatusQueued
	if !enqueue {
		status = types.StatusTesting
	}
	return s.AddWithStatus(prompt, execCode, undoCode, meta, status, enqueue)
}

// AddWithStatus is Add with an explicit initial status (PendingModeration
// submissions come in through here).
func (s *Store) AddWithStatus(prompt, execCode, undoCode string, meta types.Metadata, status types.Status, enqueue bool) types.Command {
	reply := make(chan types.Command, 1)
	if !s.send(addOp{prompt: prompt, execCode: execCode, undoCode: undoCode, meta: meta, status: status, enqueue: enqueue, reply: reply}) {
		return types.Command{}
	}
	return <-reply
}

type pollOp struct {
	reply chan *QueueItem
}

func (op pollOp) apply(s *Store) {
	if len(s.queue) == 0 {
		op.reply <- nil
		return
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	logging.StoreDebug("poll id=%d depth=%d", item.ID, len(s.queue))
	op.reply <- &item
}

// PollNext pops the head of the dispatch queue. The second return is false
// when the queue is empty.
func (s *Store) PollNext() (QueueItem, bool) {
	reply := make(chan *QueueItem, 1)
	if !s.send(pollOp{reply: reply}) {
		return QueueItem{}, false
	}
	item := <-reply
	if item == nil {
		return QueueItem{}, false
	}
	return *item, true
}

type enqueueOp struct {
	item   QueueItem
	status types.Status
	front  bool
	reply  chan bool
}

func (op enqueueOp) apply(s *Store) {
	if op.front {
		s.queue = append([]QueueItem{op.item}, s.queue...)
	} else {
		s.queue = append(s.queue, op.item)
	}
	if op.item.ID != types.SentinelID {
		if i := s.indexOf(op.item.ID); i >= 0 {
			s.history[i].Status = op.status
			s.notify(s.history[i])
		}
	}
	op.reply <- true
}

// EnqueueExisting places already-stored code back on the dispatch queue
// under its original id and marks the command Queued. Used when validation
// approves a script.
func (s *Store) EnqueueExisting(id int64, code string) {
	reply := make(chan bool, 1)
	if s.send(enqueueOp{item: QueueItem{ID: id, Code: code}, status: types.StatusQueued, reply: reply}) {
		<-reply
	}
}

// Inject enqueues ad-hoc code (e.g. a force-fix script) under the sentinel
// id. It never appears in history.
func (s *Store) Inject(code string) {
	reply := make(chan bool, 1)
	if s.send(enqueueOp{item: QueueItem{ID: types.SentinelID, Code: code}, status: types.StatusQueued, reply: reply}) {
		<-reply
	}
	logging.Store("inject len=%d", len(code))
}

type reportOp struct {
	id      int64
	success bool
	errMsg  string
	reply   chan bool
}

func (op reportOp) apply(s *Store) {
	i := s.indexOf(op.id)
	if i < 0 {
		if op.id < s.lowestID {
			logging.StoreWarn("report for evicted id=%d (history trimmed)", op.id)
		} else {
			logging.StoreWarn("report for unknown id=%d", op.id)
		}
		op.reply <- false
		return
	}

	cmd := &s.history[i]
	if cmd.Status.Terminal() {
		// Idempotent: first terminal report wins.
		logging.StoreDebug("report ignored, id=%d already %s", op.id, cmd.Status)
		op.reply <- true
		return
	}

	cmd.ExecutedAt = s.clock()
	if op.success {
		cmd.Status = types.StatusExecuted
		cmd.Error = ""
	} else {
		cmd.Status = types.StatusFailed
		cmd.Error = op.errMsg
	}
	logging.Store("report id=%d success=%v", op.id, op.success)
	s.notify(*cmd)
	op.reply <- true
}

// ReportResult records an executor report for id. Returns whether the id was
// known; unknown ids are logged and otherwise harmless.
func (s *Store) ReportResult(id int64, success bool, errMsg string) bool {
	reply := make(chan bool, 1)
	if !s.send(reportOp{id: id, success: success, errMsg: errMsg, reply: reply}) {
		return false
	}
	return <-reply
}

type requeueOp struct {
	id    int64
	undo  bool
	reply chan error
}

func (op requeueOp) apply(s *Store) {
	i := s.indexOf(op.id)
	if i < 0 {
		op.reply <- ErrUnknownCommand
		return
	}
	cmd := &s.history[i]

	if op.undo {
		if cmd.UndoCode == "" {
			op.reply <- ErrNoUndo
			return
		}
		s.queue = append(s.queue, QueueItem{ID: cmd.ID, Code: cmd.UndoCode})
		// Optimistic: marked undone at enqueue time, not at report time.
		cmd.Status = types.StatusUndone
		logging.Store("undo id=%d", cmd.ID)
	} else {
		s.queue = append(s.queue, QueueItem{ID: cmd.ID, Code: cmd.ExecCode})
		cmd.Status = types.StatusQueued
		cmd.Error = ""
		logging.Store("repeat id=%d", cmd.ID)
	}
	s.notify(*cmd)
	op.reply <- nil
}

// Repeat re-enqueues the stored execution script under the same id.
func (s *Store) Repeat(id int64) error {
	reply := make(chan error, 1)
	if !s.send(requeueOp{id: id, reply: reply}) {
		return ErrUnknownCommand
	}
	return <-reply
}

// Undo enqueues the stored inverse script under the same id and immediately
// marks the command Undone.
func (s *Store) Undo(id int64) error {
	reply := make(chan error, 1)
	if !s.send(requeueOp{id: id, undo: true, reply: reply}) {
		return ErrUnknownCommand
	}
	return <-reply
}

type setStatusOp struct {
	id     int64
	status types.Status
	errMsg string
	reply  chan bool
}

func (op setStatusOp) apply(s *Store) {
	i := s.indexOf(op.id)
	if i < 0 {
		op.reply <- false
		return
	}
	s.history[i].Status = op.status
	if op.errMsg != "" {
		s.history[i].Error = op.errMsg
	}
	s.notify(s.history[i])
	op.reply <- true
}

// SetStatus overwrites a command's status (validation rejections, moderation
// decisions). Returns whether the id was known.
func (s *Store) SetStatus(id int64, status types.Status, errMsg string) bool {
	reply := make(chan bool, 1)
	if !s.send(setStatusOp{id: id, status: status, errMsg: errMsg, reply: reply}) {
		return false
	}
	return <-reply
}

type getOp struct {
	id    int64
	reply chan *types.Command
}

func (op getOp) apply(s *Store) {
	if i := s.indexOf(op.id); i >= 0 {
		cmd := s.history[i]
		op.reply <- &cmd
		return
	}
	op.reply <- nil
}

// Get returns a copy of the command with the given id.
func (s *Store) Get(id int64) (types.Command, bool) {
	reply := make(chan *types.Command, 1)
	if !s.send(getOp{id: id, reply: reply}) {
		return types.Command{}, false
	}
	cmd := <-reply
	if cmd == nil {
		return types.Command{}, false
	}
	return *cmd, true
}

type recentOp struct {
	n     int
	reply chan []types.Command
}

func (op recentOp) apply(s *Store) {
	n := op.n
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]types.Command, n)
	copy(out, s.history[len(s.history)-n:])
	op.reply <- out
}

// Recent returns copies of the newest n history entries (oldest first).
// n <= 0 returns the whole retained history.
func (s *Store) Recent(n int) []types.Command {
	reply := make(chan []types.Command, 1)
	if !s.send(recentOp{n: n, reply: reply}) {
		return nil
	}
	return <-reply
}

type lenOp struct {
	reply chan int
}

func (op lenOp) apply(s *Store) {
	op.reply <- len(s.queue)
}

// QueueLen returns the current dispatch queue depth.
func (s *Store) QueueLen() int {
	reply := make(chan int, 1)
	if !s.send(lenOp{reply: reply}) {
		return 0
	}
	return <-reply
}

// LowestRetainedID returns the smallest id still in history. Reports below
// it reference trimmed entries.
func (s *Store) LowestRetainedID() int64 {
	reply := make(chan int64, 1)
	if !s.send(lowestOp{reply: reply}) {
		return 0
	}
	return <-reply
}

type lowestOp struct {
	reply chan int64
}

func (op lowestOp) apply(s *Store) {
	op.reply <- s.lowestID
}

// indexOf returns the history index for id, or -1. History is ordered by id
// so a binary search would do, but the slice is capped small.
func (s *Store) indexOf(id int64) int {
	for i := range s.history {
		if s.history[i].ID == id {
			return i
		}
	}
	return -1
}
