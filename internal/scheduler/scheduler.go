// Package scheduler coalesces high-frequency thinking events into periodic
// flushes and passes everything else through immediately.
package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/clock"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

// DefaultWindow is the debounce window of the coalesced lane.
const DefaultWindow = 50 * time.Millisecond

// Lane is the delivery lane of an event.
type Lane int

const (
	// Immediate events are dispatched on receipt.
	Immediate Lane = iota
	// Coalesced events wait for the debounce window to pass quietly.
	Coalesced
)

// LaneFor returns the lane of an event kind. Only the thinking family is
// coalesced.
func LaneFor(kind model.EventKind) Lane {
	if kind.Family() == model.FamilyThinking {
		return Coalesced
	}
	return Immediate
}

// Options configures a Scheduler.
type Options struct {
	Window time.Duration
	Clock  clock.Clock
	Logger *logger.Logger

	// Dispatch applies a batch to state. It runs with the scheduler's lock
	// held, so batches never interleave.
	Dispatch func(batch []model.StreamEvent)
}

// Scheduler is owned by one turn. Dispatch order always equals submission
// order: an immediate event first flushes whatever is pending.
type Scheduler struct {
	mu     sync.Mutex
	opts   Options
	logger *logger.Logger

	pending []model.StreamEvent
	timer   clock.Timer
	gen     uint64
	closed  bool
	flushes int
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Dispatch == nil {
		opts.Dispatch = func([]model.StreamEvent) {}
	}
	return &Scheduler{opts: opts, logger: logger.OrNop(opts.Logger).Named("scheduler")}
}

// Submit routes ev to its lane.
func (s *Scheduler) Submit(ev model.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if LaneFor(ev.Kind) == Coalesced {
		s.pending = append(s.pending, ev)
		s.arm()
		return
	}
	s.flushLocked()
	s.opts.Dispatch([]model.StreamEvent{ev})
}

// Flush dispatches the pending batch now, if any.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.flushLocked()
}

// Cancel drops the pending batch and stops the timer. The scheduler
// dispatches nothing afterwards.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.stopTimer()
	if len(s.pending) > 0 {
		s.logger.Debug("dropping pending batch", zap.Int("events", len(s.pending)))
	}
	s.pending = nil
}

// Pending returns the number of events waiting in the coalesced lane.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flushes returns how many coalesced batches have been dispatched.
func (s *Scheduler) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *Scheduler) arm() {
	s.stopTimer()
	s.gen++
	gen := s.gen
	s.timer = s.opts.Clock.AfterFunc(s.opts.Window, func() {
		s.fire(gen)
	})
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A stale generation lost the race against a rearm or flush.
	if s.closed || gen != s.gen {
		return
	}
	s.flushLocked()
}

func (s *Scheduler) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) flushLocked() {
	s.stopTimer()
	if len(s.pending) == 0 {
		return
	}
	batch := s.pending
	s.pending = nil
	s.gen++
	s.flushes++
	metrics.RecordBatchFlush()
	s.opts.Dispatch(batch)
}
