package engine

import (
	"fmt"

	"github.com/tapline/tapline/analysis"
	"github.com/tapline/tapline/history"
	"github.com/tapline/tapline/rhythm"
	"github.com/tapline/tapline/stats"
)

// RecordAnalysis completes a consonant-precision session with the result of
// an external analysis call. The remote statistics are mapped as-is into
// the local record shape; the engine never recomputes them. A non-OK result
// yields no record and returns the engine to Idle. Callers that hit a
// transport error before obtaining any Result should HardStop instead.
func (e *Engine) RecordAnalysis(res analysis.Result) (stats.Statistics, *history.Record, error) {
	e.mu.Lock()
	s := e.sess
	if s == nil || s.phase.State != StateRunning {
		e.mu.Unlock()
		return stats.Statistics{}, nil, ErrNotRunning
	}
	if s.cfg.Mode != rhythm.ModeConsonantPrecision {
		e.mu.Unlock()
		return stats.Statistics{}, nil, ErrWrongMode
	}

	if !res.OK {
		e.teardownLocked(s)
		e.sess = nil
		e.mu.Unlock()
		return stats.Statistics{}, nil, fmt.Errorf("recording analysis: %w", analysis.ErrAnalysisFailed)
	}

	e.teardownLocked(s)
	st := res.Stats
	rec := e.buildRecordLocked(s, st)
	s.finalized = true
	s.finalStats = st
	s.finalRecord = rec
	s.phase.State = StateDone
	e.sess = nil
	e.mu.Unlock()

	e.appendRecord(rec)
	e.log.Infof("consonant analysis recorded: events=%d onTime=%.1f%%", st.EventCount, st.OnTimePct)
	return st, rec, nil
}
