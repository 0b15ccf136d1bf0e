package scheduler

import (
	"sync"
	"time"

	"chaosbrain/internal/logging"
	"chaosbrain/internal/store"
)

// =============================================================================
// SLOT SCHEDULER - PACED DISPATCH TOWARD THE GAME EXECUTOR
// =============================================================================
//
// The scheduler sits between the command queue and the polling executor.
// Commands do not flow out as fast as the executor polls; each dispatch
// occupies a slot, and an occupied slot refuses further handouts until its
// cool-down elapses. The slot count breathes between a floor and a ceiling
// based on occupancy and queue depth, so a burst of submissions widens the
// pipe and a quiet period narrows it.
//
// Key concepts:
// - Slot: permission to hand one command to the executor per cool-down window
// - Occupancy: fraction of slots still inside their cool-down
// - Holdback: commands popped from the queue that could not be dispatched;
//   they are never dropped, and are served before the queue on later polls

// Source is where the scheduler pulls commands from. *store.Store satisfies it.
type Source interface {
	PollNext() (store.QueueItem, bool)
	QueueLen() int
}

// Config configures the slot scheduler.
type Config struct {
	MinSlots  int           // Floor for the slot count
	MaxSlots  int           // Ceiling for the slot count
	Cooldown  time.Duration // How long a slot stays occupied after a handout
	DepthLow  int           // Queue depth at or below which slots settle toward the floor
	DepthHigh int           // Queue depth at or above which slots scale toward the ceiling
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinSlots:  3,
		MaxSlots:  10,
		Cooldown:  25 * time.Second,
		DepthLow:  5,
		DepthHigh: 50,
	}
}

// Occupancy thresholds for breathing the slot count.
const (
	growOccupancy   = 0.8
	shrinkOccupancy = 0.3
)

type slot struct {
	id          int
	lastHandout time.Time // Zero when the slot has never dispatched
	commandID   int64
}

// cooling reports whether the slot is still inside its cool-down window.
func (s *slot) cooling(now time.Time, cooldown time.Duration) bool {
	return !s.lastHandout.IsZero() && now.Sub(s.lastHandout) < cooldown
}

// SlotStatus is a snapshot of one slot for the status surface.
type SlotStatus struct {
	ID        int           `json:"id"`
	Cooling   bool          `json:"cooling"`
	CommandID int64         `json:"command_id,omitempty"`
	Remaining time.Duration `json:"remaining_cooldown,omitempty"`
}

// Scheduler paces dispatch through cooling slots.
type Scheduler struct {
	mu     sync.Mutex
	config Config
	source Source

	slots    []*slot
	nextSlot int // id allocator, never reused

	// Popped but undispatched commands. Served FIFO before the source.
	holdback []store.QueueItem

	clock func() time.Time
}

// New creates a scheduler pulling from the given source.
func New(config Config, source Source) *Scheduler {
	if config.MinSlots < 1 {
		config.MinSlots = 1
	}
	if config.MaxSlots < config.MinSlots {
		config.MaxSlots = config.MinSlots
	}

	s := &Scheduler{
		config: config,
		source: source,
		clock:  time.Now,
	}
	for i := 0; i < config.MinSlots; i++ {
		s.slots = append(s.slots, &slot{id: s.nextSlot})
		s.nextSlot++
	}
	return s
}

// PollNext hands out the next command if a slot is available. Returns false
// when the queue is empty or every slot is cooling. A command is only popped
// once a free slot is secured, so nothing is ever lost between queue and wire.
func (s *Scheduler) PollNext() (store.QueueItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	free := s.freeSlot(now)
	if free == nil {
		if len(s.holdback) > 0 || s.source.QueueLen() > 0 {
			logging.SchedulerDebug("all %d slots cooling, executor waits", len(s.slots))
		}
		return store.QueueItem{}, false
	}

	item, ok := s.pop()
	if !ok {
		return store.QueueItem{}, false
	}

	free.lastHandout = now
	free.commandID = item.ID
	logging.Scheduler("dispatched command %d via slot %d (slots=%d, depth=%d, holdback=%d)",
		item.ID, free.id, len(s.slots), s.source.QueueLen(), len(s.holdback))

	s.resize(now)
	return item, true
}

// pop takes the next command, preferring the holdback buffer over the source.
func (s *Scheduler) pop() (store.QueueItem, bool) {
	if len(s.holdback) > 0 {
		item := s.holdback[0]
		s.holdback = s.holdback[1:]
		return item, true
	}
	return s.source.PollNext()
}

// freeSlot returns a slot outside its cool-down, or nil.
func (s *Scheduler) freeSlot(now time.Time) *slot {
	for _, sl := range s.slots {
		if !sl.cooling(now, s.config.Cooldown) {
			return sl
		}
	}
	return nil
}

// Resize breathes the slot count by one step. Runs after every successful
// hand-out; the sweep tick also calls it so an idle scheduler still settles
// back toward the floor.
func (s *Scheduler) Resize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resize(s.clock())
}

func (s *Scheduler) resize(now time.Time) {
	depth := s.source.QueueLen() + len(s.holdback)

	cooling := 0
	for _, sl := range s.slots {
		if sl.cooling(now, s.config.Cooldown) {
			cooling++
		}
	}
	occupancy := float64(cooling) / float64(len(s.slots))

	if (occupancy >= growOccupancy || depth >= s.config.DepthHigh) && len(s.slots) < s.config.MaxSlots {
		s.slots = append(s.slots, &slot{id: s.nextSlot})
		s.nextSlot++
		logging.Scheduler("scaled up to %d slots (occupancy=%.0f%%, depth=%d)",
			len(s.slots), occupancy*100, depth)
		return
	}

	if occupancy <= shrinkOccupancy && depth <= s.config.DepthLow && len(s.slots) > s.config.MinSlots {
		for i, sl := range s.slots {
			if !sl.cooling(now, s.config.Cooldown) {
				s.slots = append(s.slots[:i], s.slots[i+1:]...)
				logging.Scheduler("scaled down to %d slots (occupancy=%.0f%%, depth=%d)",
					len(s.slots), occupancy*100, depth)
				return
			}
		}
	}
}

// ManualOverride clears every cool-down stamp and pre-stages up to n queued
// commands for immediate dispatch on the next polls. Staged commands go into
// the holdback buffer, never to the floor.
func (s *Scheduler) ManualOverride(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sl := range s.slots {
		sl.lastHandout = time.Time{}
		sl.commandID = 0
	}

	staged := 0
	for staged < n {
		item, ok := s.source.PollNext()
		if !ok {
			break
		}
		s.holdback = append(s.holdback, item)
		staged++
	}

	logging.Scheduler("manual override: stamps cleared, %d command(s) staged", staged)
	return staged
}

// Status returns a snapshot of every slot.
func (s *Scheduler) Status() []SlotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	out := make([]SlotStatus, 0, len(s.slots))
	for _, sl := range s.slots {
		st := SlotStatus{ID: sl.id}
		if sl.cooling(now, s.config.Cooldown) {
			st.Cooling = true
			st.CommandID = sl.commandID
			st.Remaining = s.config.Cooldown - now.Sub(sl.lastHandout)
		}
		out = append(out, st)
	}
	return out
}

// SlotCount returns the current number of slots.
func (s *Scheduler) SlotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// HoldbackLen returns the number of staged, undispatched commands.
func (s *Scheduler) HoldbackLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.holdback)
}
