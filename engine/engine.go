// Package engine drives drill sessions: it owns the tick scheduler, the
// mode state machine, the tap buffer, and finalization into history records.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/tapline/tapline/config"
	"github.com/tapline/tapline/history"
	"github.com/tapline/tapline/logger"
	"github.com/tapline/tapline/rhythm"
	"github.com/tapline/tapline/scheduler"
	"github.com/tapline/tapline/stats"
)

var (
	// ErrNotRunning is returned when an operation needs a live session.
	ErrNotRunning = errors.New("no drill running")
	// ErrSessionActive is returned by Start while a session is running.
	ErrSessionActive = errors.New("a drill is already running")
	// ErrWrongMode is returned when an operation does not apply to the
	// active session's mode.
	ErrWrongMode = errors.New("operation not valid for this drill mode")
)

const (
	// maxBufferedTaps bounds session memory. Older taps are discarded
	// first; statistics always reflect the buffered set.
	maxBufferedTaps = 80
	// minEventsForHistory is the persistence threshold for tap-based
	// drills. Fewer events ends the drill without a record, by policy.
	minEventsForHistory = 3
)

// State is the coarse lifecycle of a session.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateDone    State = "done"
)

// Phase is the mode-specific position within a running drill.
type Phase struct {
	State      State
	Silent     bool
	Prompt     rhythm.Prompt
	Resolution rhythm.Resolution
}

// TickSink receives audible/haptic tick output. Calls are fire-and-forget;
// sink failures never affect scheduling.
type TickSink interface {
	PlayTick(accent bool)
}

// Callbacks deliver engine events to the host. They run on engine
// goroutines and must not call back into the Engine.
type Callbacks struct {
	OnTick        func(scheduler.TickEvent)
	OnPhaseChange func(Phase)
	OnTapScored   func(rhythm.TapEvent, stats.Statistics)
}

// Engine owns at most one drill session at a time. One engine instance is
// constructed explicitly per host; there is no process-wide singleton.
type Engine struct {
	// emitMu serializes outbound tick and tap delivery with Stop and
	// HardStop. Both hold it through teardown, so an emission already in
	// flight completes before they return and nothing is delivered after.
	// Lock order is emitMu before mu, never the reverse.
	emitMu sync.Mutex

	mu    sync.Mutex
	clock clock.Clock
	log   *logrus.Logger
	rng   *rand.Rand
	sink  TickSink
	store history.Store
	cb    Callbacks

	sess *session
}

// session is exclusively owned by the engine; scheduler and phase timers
// hold only the pointer for identity checks, never copies of the buffer.
type session struct {
	cfg        config.DrillConfig
	startEpoch time.Time
	phase      Phase
	taps       []rhythm.TapEvent
	sched      *scheduler.Scheduler
	phaseStops []chan struct{}

	finalized   bool
	finalStats  stats.Statistics
	finalRecord *history.Record
}

// Option configures an Engine.
type Option func(*Engine)

func WithTickSink(sink TickSink) Option {
	return func(e *Engine) { e.sink = sink }
}

func WithHistoryStore(store history.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithRand injects the random source used for subdivision switches, so
// tests can force deterministic sequences.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

func WithCallbacks(cb Callbacks) Option {
	return func(e *Engine) { e.cb = cb }
}

// New creates an engine on the given clock. Use clock.RealClock{} in
// production and a fake clock in tests.
func New(clk clock.Clock, opts ...Option) *Engine {
	e := &Engine{
		clock: clk,
		log:   logger.GetProjectLogger(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins a drill session. The config is normalized first: BPM is
// clamped, invalid enums are rejected. Consonant precision starts no
// scheduler; its results arrive through RecordAnalysis.
func (e *Engine) Start(cfg config.DrillConfig) error {
	norm, err := cfg.Normalize()
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.sess != nil && e.sess.phase.State == StateRunning {
		e.mu.Unlock()
		return ErrSessionActive
	}

	s := &session{
		cfg:        norm,
		startEpoch: e.clock.Now(),
		phase:      Phase{State: StateRunning, Resolution: norm.Resolution},
	}
	switch norm.Mode {
	case rhythm.ModeSubdivisionLab:
		// The lab always opens on the sixteenth tier.
		s.phase.Resolution = rhythm.ResolutionSixteenth
	case rhythm.ModePocketControl:
		s.phase.Prompt = rhythm.PromptPush
	}

	if norm.Mode != rhythm.ModeConsonantPrecision {
		s.sched = scheduler.New(e.clock, e.handleTick)
		if err := s.sched.Start(s.startEpoch, norm.BPM, norm.BeatsPerBar); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("arming tick scheduler: %w", err)
		}
	}

	e.sess = s
	e.armPhaseTimersLocked(s)
	ph := s.phase
	cb := e.cb.OnPhaseChange
	e.mu.Unlock()

	e.log.Infof("drill started: mode=%s bpm=%d beats=%d grid=%s",
		norm.Mode, norm.BPM, norm.BeatsPerBar, s.phase.Resolution)
	if cb != nil {
		cb(ph)
	}
	return nil
}

// Tap scores a tap timestamp against the session's current grid. It always
// observes the start epoch, resolution, and prompt current at the moment of
// the call.
func (e *Engine) Tap(observedAt time.Time) (rhythm.TapEvent, error) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	s := e.sess
	if s == nil || s.phase.State != StateRunning {
		e.mu.Unlock()
		return rhythm.TapEvent{}, ErrNotRunning
	}
	if s.cfg.Mode == rhythm.ModeConsonantPrecision {
		e.mu.Unlock()
		return rhythm.TapEvent{}, ErrWrongMode
	}

	offset := rhythm.TargetOffset(s.cfg.Mode, s.phase.Prompt)
	ev := rhythm.Classify(observedAt, s.startEpoch, s.cfg.BPM, s.phase.Resolution, offset)
	s.taps = append(s.taps, ev)
	if len(s.taps) > maxBufferedTaps {
		s.taps = s.taps[len(s.taps)-maxBufferedTaps:]
	}
	running := stats.Compute(s.taps)
	cb := e.cb.OnTapScored
	e.mu.Unlock()

	if cb != nil {
		cb(ev, running)
	}
	return ev, nil
}

// Stop finalizes the session and returns its statistics. A history record
// is returned (and persisted) only when the event count passes the
// threshold. Stopping a session that already auto-finished returns the
// finalized result without persisting it twice. No tick or tap event is
// delivered after Stop returns.
func (e *Engine) Stop() (stats.Statistics, *history.Record, error) {
	e.emitMu.Lock()
	e.mu.Lock()
	s := e.sess
	if s == nil {
		e.mu.Unlock()
		e.emitMu.Unlock()
		return stats.Statistics{}, nil, ErrNotRunning
	}
	if s.finalized {
		st, rec := s.finalStats, s.finalRecord
		e.sess = nil
		e.mu.Unlock()
		e.emitMu.Unlock()
		return st, rec, nil
	}

	e.teardownLocked(s)
	st, rec := e.finalizeLocked(s)
	e.sess = nil
	e.mu.Unlock()
	e.emitMu.Unlock()

	e.appendRecord(rec)
	e.log.Infof("drill stopped: mode=%s events=%d onTime=%.1f%%", s.cfg.Mode, st.EventCount, st.OnTimePct)
	return st, rec, nil
}

// HardStop unconditionally cancels the session: every outstanding timer is
// stopped and any in-flight tick delivery has drained before it returns,
// the tap buffer is dropped, and the engine is left Idle. Safe to call when
// nothing is running.
func (e *Engine) HardStop() {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	s := e.sess
	if s == nil {
		e.mu.Unlock()
		return
	}
	e.teardownLocked(s)
	s.taps = nil
	e.sess = nil
	e.mu.Unlock()
	e.log.Debug("drill hard-stopped")
}

// Phase reports the current phase; State is StateIdle with no session.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return Phase{State: StateIdle}
	}
	return e.sess.phase
}

// teardownLocked cancels the scheduler and every pending phase timer.
func (e *Engine) teardownLocked(s *session) {
	if s.sched != nil {
		s.sched.Cancel()
	}
	for _, stop := range s.phaseStops {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
	s.phaseStops = nil
}

// finalizeLocked computes final statistics and, when the buffer passes the
// persistence threshold, builds the history record.
func (e *Engine) finalizeLocked(s *session) (stats.Statistics, *history.Record) {
	st := stats.Compute(s.taps)
	var rec *history.Record
	if st.EventCount >= minEventsForHistory {
		rec = e.buildRecordLocked(s, st)
	}
	s.finalized = true
	s.finalStats = st
	s.finalRecord = rec
	if s.phase.State == StateRunning {
		s.phase.State = StateDone
	}
	return st, rec
}

func (e *Engine) buildRecordLocked(s *session, st stats.Statistics) *history.Record {
	return &history.Record{
		ID:          uuid.NewString(),
		Mode:        s.cfg.Mode,
		CreatedAt:   e.clock.Now(),
		BPM:         s.cfg.BPM,
		BeatsPerBar: s.cfg.BeatsPerBar,
		Resolution:  s.phase.Resolution,
		Label:       fmt.Sprintf("%s @ %d BPM", s.cfg.Mode.Label(), s.cfg.BPM),
		Stats:       st,
	}
}

// appendRecord persists outside the engine lock. Store failures are logged
// and never abort or fail the drill.
func (e *Engine) appendRecord(rec *history.Record) {
	if rec == nil || e.store == nil {
		return
	}
	if err := e.store.Append(context.Background(), *rec); err != nil {
		e.log.Errorf("appending history record %s: %v", rec.ID, err)
	}
}

// handleTick forwards scheduler ticks to the sink and host callback. The
// whole check-and-deliver runs under emitMu, so a tick racing a stop either
// completes before Stop/HardStop returns or sees the session gone and
// never escapes.
func (e *Engine) handleTick(ev scheduler.TickEvent) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	s := e.sess
	if s == nil || s.phase.State != StateRunning {
		e.mu.Unlock()
		return
	}
	sink := e.sink
	cb := e.cb.OnTick
	e.mu.Unlock()

	if sink != nil {
		e.playTick(sink, ev.Accent)
	}
	if cb != nil {
		cb(ev)
	}
}

// playTick isolates sink panics from the scheduling path.
func (e *Engine) playTick(sink TickSink, accent bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("tick sink panicked: %v", r)
		}
	}()
	sink.PlayTick(accent)
}

// barDuration is the length of n bars at the session's tempo.
func barDuration(cfg config.DrillConfig, bars int) time.Duration {
	ms := float64(bars*cfg.BeatsPerBar) * rhythm.BeatInterval(cfg.BPM)
	return time.Duration(math.Round(ms * float64(time.Millisecond)))
}
