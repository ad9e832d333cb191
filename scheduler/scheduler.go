// Package scheduler emits metronome ticks with zero cumulative drift.
//
// Every tick target is recomputed from the absolute start epoch instead of
// being chained off the previous timer, so jitter in the underlying timer
// facility never accumulates across a session.
package scheduler

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/tapline/tapline/logger"
	"github.com/tapline/tapline/rhythm"
)

// ErrAlreadyRunning is returned when Start is called on a live scheduler.
var ErrAlreadyRunning = errors.New("scheduler already running")

// TickEvent is one scheduled beat emission.
type TickEvent struct {
	// BeatIndex counts beats since the start epoch, starting at 0.
	BeatIndex int64
	// BeatInBar is 1..beatsPerBar.
	BeatInBar int
	// Accent marks the first beat of a bar.
	Accent bool
	// ExpectedAt is the exact grid time of this beat.
	ExpectedAt time.Time
}

// Scheduler fires one TickEvent per beat from a fixed start epoch until
// canceled. Emission order is strictly increasing in ExpectedAt.
type Scheduler struct {
	mu     sync.Mutex
	clock  clock.Clock
	log    *logrus.Logger
	onTick func(TickEvent)

	epoch       time.Time
	beatMs      float64
	beatsPerBar int
	lastIndex   int64
	muted       bool
	running     bool
	canceled    bool
	stop        chan struct{}
}

// New creates a scheduler that delivers ticks to onTick.
func New(clk clock.Clock, onTick func(TickEvent)) *Scheduler {
	return &Scheduler{
		clock:  clk,
		log:    logger.GetProjectLogger(),
		onTick: onTick,
	}
}

// Start begins emitting ticks from epoch. The first tick fires immediately
// at the epoch itself with BeatInBar 1.
func (s *Scheduler) Start(epoch time.Time, bpm, beatsPerBar int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.epoch = epoch
	s.beatMs = rhythm.BeatInterval(bpm)
	s.beatsPerBar = beatsPerBar
	s.lastIndex = -1
	s.muted = false
	s.canceled = false
	s.running = true
	s.stop = make(chan struct{})
	go s.run(s.stop)
	return nil
}

// Cancel stops tick emission. It is idempotent. No new delivery starts
// after Cancel returns, but a callback already past its cancel check may
// still be running; callers that need a hard delivery barrier must fence
// the callback themselves. Cancel must never block on an in-flight
// callback: it is invoked under the caller's own locks.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.canceled = true
	close(s.stop)
}

// Mute suppresses or restores tick delivery without disturbing the grid.
// The beat index keeps advancing while muted.
func (s *Scheduler) Mute(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

func (s *Scheduler) run(stop chan struct{}) {
	idx, delay := s.arm()
	t := s.clock.NewTimer(delay)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			s.fire(idx)
			select {
			case <-stop:
				return
			default:
			}
			idx, delay = s.arm()
			t.Reset(delay)
		}
	}
}

// arm picks the upcoming beat index and the wait until its absolute grid
// time. The index is fixed here, not at firing time, so a timer that fires
// late still emits the beat it was armed for.
func (s *Scheduler) arm() (int64, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.nextIndexLocked()
	d := s.expectedAtLocked(idx).Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	return idx, d
}

// nextIndexLocked recomputes the upcoming beat index from the absolute
// epoch. A firing that lands exactly on its own grid time would round back
// onto the beat just emitted, so the index is floored to lastIndex+1.
func (s *Scheduler) nextIndexLocked() int64 {
	elapsed := float64(s.clock.Now().Sub(s.epoch)) / float64(time.Millisecond)
	idx := int64(math.Ceil(elapsed / s.beatMs))
	if idx <= s.lastIndex {
		idx = s.lastIndex + 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

func (s *Scheduler) expectedAtLocked(idx int64) time.Time {
	return s.epoch.Add(time.Duration(math.Round(float64(idx) * s.beatMs * float64(time.Millisecond))))
}

func (s *Scheduler) fire(idx int64) {
	s.mu.Lock()
	if s.canceled || !s.running {
		s.mu.Unlock()
		return
	}
	ev := TickEvent{
		BeatIndex:  idx,
		BeatInBar:  int(idx%int64(s.beatsPerBar)) + 1,
		Accent:     idx%int64(s.beatsPerBar) == 0,
		ExpectedAt: s.expectedAtLocked(idx),
	}
	s.lastIndex = idx
	muted := s.muted
	onTick := s.onTick
	s.mu.Unlock()

	if muted || onTick == nil {
		return
	}
	onTick(ev)
}
