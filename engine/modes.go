package engine

import (
	"github.com/tapline/tapline/rhythm"
	"github.com/tapline/tapline/scheduler"
)

// Bar counts for each mode's auto-transition, fixed by drill design.
const (
	subdivisionSwitchBars = 2
	silentPhaseBars       = 2
	promptRotationBars    = 3
)

// armPhaseTimersLocked starts the mode's phase timers, if any. Each timer
// runs in its own goroutine on the engine clock and re-checks session
// identity under the engine lock before mutating anything, so a timer left
// in flight across a stop or mode switch can never touch a newer session.
func (e *Engine) armPhaseTimersLocked(s *session) {
	switch s.cfg.Mode {
	case rhythm.ModeSubdivisionLab:
		stop := make(chan struct{})
		s.phaseStops = append(s.phaseStops, stop)
		go e.runSubdivisionRotation(s, stop)
	case rhythm.ModeSilentBeat:
		stop := make(chan struct{})
		s.phaseStops = append(s.phaseStops, stop)
		go e.runSilentSequence(s, stop)
	case rhythm.ModePocketControl:
		stop := make(chan struct{})
		s.phaseStops = append(s.phaseStops, stop)
		go e.runPromptRotation(s, stop)
	}
}

// runSubdivisionRotation switches the scoring grid every two bars until the
// drill is stopped.
func (e *Engine) runSubdivisionRotation(s *session, stop chan struct{}) {
	period := barDuration(s.cfg, subdivisionSwitchBars)
	t := e.clock.NewTimer(period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			if !e.switchSubdivision(s) {
				return
			}
			t.Reset(period)
		}
	}
}

// switchSubdivision picks eighths or sixteenths uniformly at random, resets
// the epoch to now, clears the tap buffer, and re-arms the scheduler.
// Returns false once the session is gone.
func (e *Engine) switchSubdivision(s *session) bool {
	e.mu.Lock()
	if e.sess != s || s.phase.State != StateRunning {
		e.mu.Unlock()
		return false
	}

	res := rhythm.ResolutionEighth
	if e.rng.Intn(2) == 1 {
		res = rhythm.ResolutionSixteenth
	}
	s.phase.Resolution = res
	s.startEpoch = e.clock.Now()
	s.taps = s.taps[:0]

	s.sched.Cancel()
	s.sched = scheduler.New(e.clock, e.handleTick)
	err := s.sched.Start(s.startEpoch, s.cfg.BPM, s.cfg.BeatsPerBar)
	ph := s.phase
	cb := e.cb.OnPhaseChange
	if err != nil {
		// A half-configured session must not survive; drop to Idle.
		e.log.Errorf("re-arming scheduler after subdivision switch: %v", err)
		e.teardownLocked(s)
		e.sess = nil
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	e.log.Debugf("subdivision switch: grid=%s", res)
	if cb != nil {
		cb(ph)
	}
	return true
}

// runSilentSequence walks the fixed audible/silent/audible phases, two bars
// each, then auto-finishes the drill.
func (e *Engine) runSilentSequence(s *session, stop chan struct{}) {
	period := barDuration(s.cfg, silentPhaseBars)
	steps := []func(*session) bool{
		e.enterSilentPhase,
		e.exitSilentPhase,
		e.finishSilentDrill,
	}
	t := e.clock.NewTimer(period)
	defer t.Stop()
	for _, step := range steps {
		select {
		case <-stop:
			return
		case <-t.C():
			if !step(s) {
				return
			}
			t.Reset(period)
		}
	}
}

// enterSilentPhase suppresses tick emission. The classifier keeps scoring
// against the unchanged grid; the performer holds tempo with no cue.
func (e *Engine) enterSilentPhase(s *session) bool {
	e.mu.Lock()
	if e.sess != s || s.phase.State != StateRunning {
		e.mu.Unlock()
		return false
	}
	s.phase.Silent = true
	s.sched.Mute(true)
	ph := s.phase
	cb := e.cb.OnPhaseChange
	e.mu.Unlock()

	e.log.Debug("silent phase entered")
	if cb != nil {
		cb(ph)
	}
	return true
}

func (e *Engine) exitSilentPhase(s *session) bool {
	e.mu.Lock()
	if e.sess != s || s.phase.State != StateRunning {
		e.mu.Unlock()
		return false
	}
	s.phase.Silent = false
	s.sched.Mute(false)
	ph := s.phase
	cb := e.cb.OnPhaseChange
	e.mu.Unlock()

	e.log.Debug("silent phase exited")
	if cb != nil {
		cb(ph)
	}
	return true
}

// finishSilentDrill auto-finalizes the challenge after the closing audible
// phase. The session stays resident in Done state so a later Stop returns
// the finalized result.
func (e *Engine) finishSilentDrill(s *session) bool {
	e.mu.Lock()
	if e.sess != s || s.phase.State != StateRunning {
		e.mu.Unlock()
		return false
	}
	e.teardownLocked(s)
	st, rec := e.finalizeLocked(s)
	ph := s.phase
	cb := e.cb.OnPhaseChange
	e.mu.Unlock()

	e.appendRecord(rec)
	e.log.Infof("silent beat challenge finished: events=%d onTime=%.1f%%", st.EventCount, st.OnTimePct)
	if cb != nil {
		cb(ph)
	}
	return false
}

// runPromptRotation cycles the pocket prompt every three bars until the
// drill is stopped.
func (e *Engine) runPromptRotation(s *session, stop chan struct{}) {
	period := barDuration(s.cfg, promptRotationBars)
	t := e.clock.NewTimer(period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			if !e.rotatePrompt(s) {
				return
			}
			t.Reset(period)
		}
	}
}

// rotatePrompt advances push -> center -> layback and clears the tap
// buffer: the classifier target moved, so earlier taps no longer belong to
// the working set. The start epoch is untouched.
func (e *Engine) rotatePrompt(s *session) bool {
	e.mu.Lock()
	if e.sess != s || s.phase.State != StateRunning {
		e.mu.Unlock()
		return false
	}
	s.phase.Prompt = s.phase.Prompt.Next()
	s.taps = s.taps[:0]
	ph := s.phase
	cb := e.cb.OnPhaseChange
	e.mu.Unlock()

	e.log.Debugf("pocket prompt rotated: prompt=%s", ph.Prompt)
	if cb != nil {
		cb(ph)
	}
	return true
}
