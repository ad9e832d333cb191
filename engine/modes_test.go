package engine

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapline/tapline/rhythm"
	"github.com/tapline/tapline/scheduler"
	"github.com/tapline/tapline/stats"
)

// phaseRecorder captures phase-change callbacks for inspection.
type phaseRecorder struct {
	mu     sync.Mutex
	phases []Phase
}

func (r *phaseRecorder) record(ph Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, ph)
}

func (r *phaseRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.phases)
}

func TestSilentBeatSequence(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int64
	rec := &phaseRecorder{}
	fc, e, store := newTestEngine(t, WithCallbacks(Callbacks{
		OnTick:        func(scheduler.TickEvent) { ticks.Add(1) },
		OnPhaseChange: rec.record,
	}))
	epoch := fc.Now()
	require.NoError(t, e.Start(testConfig(rhythm.ModeSilentBeat)))

	// Enough taps to clear the persistence threshold.
	for i := 0; i < 4; i++ {
		_, err := e.Tap(epoch.Add(time.Duration(i) * 500 * time.Millisecond))
		require.NoError(t, err)
	}

	// Two audible bars, then the click drops out.
	stepUntil(t, fc, func() bool { return e.Phase().Silent })
	time.Sleep(50 * time.Millisecond)
	seen := ticks.Load()

	// Scoring continues against the same grid while the click is out.
	ev, err := e.Tap(epoch.Add(4505 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, rhythm.On, ev.Classification)
	assert.InDelta(t, 5, ev.DeviationMs, 1e-9)

	// A beat passes in silence without emission.
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	fc.Step(500 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seen, ticks.Load())

	// The click returns for the closing bars, then the drill auto-finishes.
	stepUntil(t, fc, func() bool {
		ph := e.Phase()
		return ph.State == StateRunning && !ph.Silent && rec.count() >= 3
	})
	stepUntil(t, fc, func() bool { return e.Phase().State == StateDone })

	records, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rhythm.ModeSilentBeat, records[0].Mode)

	// Stop returns the finalized result without persisting twice.
	st, stopRec, err := e.Stop()
	require.NoError(t, err)
	require.NotNil(t, stopRec)
	assert.Equal(t, records[0].ID, stopRec.ID)
	assert.Equal(t, 5, st.EventCount)

	records, err = store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestPocketRotationOrderAndBufferReset(t *testing.T) {
	t.Parallel()

	var lastRunning atomic.Value
	fc, e, _ := newTestEngine(t, WithCallbacks(Callbacks{
		OnTapScored: func(_ rhythm.TapEvent, running stats.Statistics) {
			lastRunning.Store(running)
		},
	}))
	epoch := fc.Now()
	require.NoError(t, e.Start(testConfig(rhythm.ModePocketControl)))
	require.Equal(t, rhythm.PromptPush, e.Phase().Prompt)

	for i := 0; i < 3; i++ {
		_, err := e.Tap(epoch.Add(time.Duration(i) * 500 * time.Millisecond))
		require.NoError(t, err)
	}

	// Rotations land every three bars, in cyclic order.
	stepUntil(t, fc, func() bool { return e.Phase().Prompt == rhythm.PromptCenter })

	// The rotation cleared the working set: the next tap starts over.
	_, err := e.Tap(fc.Now())
	require.NoError(t, err)
	running := lastRunning.Load().(stats.Statistics)
	assert.Equal(t, 1, running.EventCount)

	stepUntil(t, fc, func() bool { return e.Phase().Prompt == rhythm.PromptLayback })
	stepUntil(t, fc, func() bool { return e.Phase().Prompt == rhythm.PromptPush })
}

func TestSubdivisionLabSwitches(t *testing.T) {
	t.Parallel()

	rec := &phaseRecorder{}
	seed := int64(7)
	fc, e, store := newTestEngine(t,
		WithRand(rand.New(rand.NewSource(seed))),
		WithCallbacks(Callbacks{OnPhaseChange: rec.record}),
	)
	epoch := fc.Now()

	cfg := testConfig(rhythm.ModeSubdivisionLab)
	require.NoError(t, e.Start(cfg))

	// The lab always opens on sixteenths, whatever the config asked for.
	assert.Equal(t, rhythm.ResolutionSixteenth, e.Phase().Resolution)

	for i := 0; i < 3; i++ {
		_, err := e.Tap(epoch.Add(time.Duration(i) * 125 * time.Millisecond))
		require.NoError(t, err)
	}

	// The same seed predicts the same subdivision choices.
	clone := rand.New(rand.NewSource(seed))
	expected := rhythm.ResolutionEighth
	if clone.Intn(2) == 1 {
		expected = rhythm.ResolutionSixteenth
	}

	// Start emits one phase change; the first switch emits the second.
	stepUntil(t, fc, func() bool { return rec.count() >= 2 })
	assert.Equal(t, expected, e.Phase().Resolution)

	// The switch reset the epoch and dropped the pre-switch taps.
	st, stopRec, err := e.Stop()
	require.NoError(t, err)
	assert.Equal(t, 0, st.EventCount)
	assert.Nil(t, stopRec)

	records, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSlowMasteryHasNoAutoTransitions(t *testing.T) {
	t.Parallel()

	rec := &phaseRecorder{}
	fc, e, _ := newTestEngine(t, WithCallbacks(Callbacks{OnPhaseChange: rec.record}))
	require.NoError(t, e.Start(testConfig(rhythm.ModeSlowMastery)))

	// Step through many bars; only the initial phase change ever lands.
	for i := 0; i < 50; i++ {
		if fc.HasWaiters() {
			fc.Step(500 * time.Millisecond)
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, StateRunning, e.Phase().State)
}
