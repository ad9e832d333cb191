package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/tapline/tapline/config"
	"github.com/tapline/tapline/history"
	"github.com/tapline/tapline/rhythm"
	"github.com/tapline/tapline/scheduler"
)

func testConfig(mode rhythm.Mode) config.DrillConfig {
	return config.DrillConfig{
		Mode:        mode,
		BPM:         120,
		BeatsPerBar: 4,
		Resolution:  rhythm.ResolutionBeat,
	}
}

func newTestEngine(t *testing.T, opts ...Option) (*clocktesting.FakeClock, *Engine, *history.MemoryStore) {
	t.Helper()
	fc := clocktesting.NewFakeClock(time.Unix(1700000000, 0))
	store := history.NewMemoryStore()
	opts = append([]Option{WithHistoryStore(store)}, opts...)
	e := New(fc, opts...)
	t.Cleanup(e.HardStop)
	return fc, e, store
}

// stepUntil advances the fake clock in small increments until cond holds.
func stepUntil(t *testing.T, fc *clocktesting.FakeClock, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		if fc.HasWaiters() {
			fc.Step(100 * time.Millisecond)
		}
		return cond()
	}, 5*time.Second, time.Millisecond, "condition never reached")
}

func TestTapWhileIdle(t *testing.T) {
	t.Parallel()

	fc, e, _ := newTestEngine(t)
	_, err := e.Tap(fc.Now())
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestStartWhileRunning(t *testing.T) {
	t.Parallel()

	_, e, _ := newTestEngine(t)
	require.NoError(t, e.Start(testConfig(rhythm.ModeSlowMastery)))
	require.ErrorIs(t, e.Start(testConfig(rhythm.ModeSlowMastery)), ErrSessionActive)

	_, _, err := e.Stop()
	require.NoError(t, err)
	require.NoError(t, e.Start(testConfig(rhythm.ModeSlowMastery)))
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, e, _ := newTestEngine(t)
	cfg := testConfig(rhythm.ModeSlowMastery)
	cfg.BeatsPerBar = 3
	require.Error(t, e.Start(cfg))
	assert.Equal(t, StateIdle, e.Phase().State)
}

func TestClassificationThroughEngine(t *testing.T) {
	t.Parallel()

	fc, e, _ := newTestEngine(t)
	epoch := fc.Now()
	require.NoError(t, e.Start(testConfig(rhythm.ModeSlowMastery)))

	ev, err := e.Tap(epoch.Add(505 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, rhythm.On, ev.Classification)
	assert.InDelta(t, 5, ev.DeviationMs, 1e-9)

	ev, err = e.Tap(epoch.Add(560 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, rhythm.Late, ev.Classification)
	assert.InDelta(t, 60, ev.DeviationMs, 1e-9)
}

func TestPocketPromptBiasesClassifier(t *testing.T) {
	t.Parallel()

	fc, e, _ := newTestEngine(t)
	epoch := fc.Now()
	require.NoError(t, e.Start(testConfig(rhythm.ModePocketControl)))
	require.Equal(t, rhythm.PromptPush, e.Phase().Prompt)

	// Push pulls the target 20ms ahead of the slot.
	ev, err := e.Tap(epoch.Add(480 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, rhythm.On, ev.Classification)
	assert.InDelta(t, 0, ev.DeviationMs, 1e-9)
}

func TestPersistenceThreshold(t *testing.T) {
	t.Parallel()

	fc, e, store := newTestEngine(t)
	epoch := fc.Now()

	// Two taps: statistics come back, nothing is persisted.
	require.NoError(t, e.Start(testConfig(rhythm.ModeSlowMastery)))
	for i := 0; i < 2; i++ {
		_, err := e.Tap(epoch.Add(time.Duration(i) * 500 * time.Millisecond))
		require.NoError(t, err)
	}
	st, rec, err := e.Stop()
	require.NoError(t, err)
	assert.Equal(t, 2, st.EventCount)
	assert.Nil(t, rec)

	records, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)

	// Three taps cross the threshold.
	require.NoError(t, e.Start(testConfig(rhythm.ModeSlowMastery)))
	for i := 0; i < 3; i++ {
		_, err := e.Tap(epoch.Add(time.Duration(i) * 500 * time.Millisecond))
		require.NoError(t, err)
	}
	st, rec, err = e.Stop()
	require.NoError(t, err)
	assert.Equal(t, 3, st.EventCount)
	require.NotNil(t, rec)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, rhythm.ModeSlowMastery, rec.Mode)
	assert.Equal(t, 120, rec.BPM)
	assert.Equal(t, st, rec.Stats)

	records, err = store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)
}

func TestTapBufferCap(t *testing.T) {
	t.Parallel()

	fc, e, _ := newTestEngine(t)
	epoch := fc.Now()
	require.NoError(t, e.Start(testConfig(rhythm.ModeSlowMastery)))

	for i := 0; i < 100; i++ {
		_, err := e.Tap(epoch.Add(time.Duration(i) * 500 * time.Millisecond))
		require.NoError(t, err)
	}
	st, _, err := e.Stop()
	require.NoError(t, err)
	assert.Equal(t, 80, st.EventCount)
}

func TestHardStopCancelsEverything(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int64
	fc, e, _ := newTestEngine(t, WithCallbacks(Callbacks{
		OnTick: func(scheduler.TickEvent) { ticks.Add(1) },
	}))
	require.NoError(t, e.Start(testConfig(rhythm.ModeSlowMastery)))
	stepUntil(t, fc, func() bool { return ticks.Load() >= 2 })

	e.HardStop()
	e.HardStop()
	assert.Equal(t, StateIdle, e.Phase().State)

	// Timers armed microseconds before the stop must never land.
	seen := ticks.Load()
	if fc.HasWaiters() {
		fc.Step(10 * time.Second)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seen, ticks.Load())

	_, err := e.Tap(fc.Now())
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestStoreFailureDoesNotFailStop(t *testing.T) {
	t.Parallel()

	fc := clocktesting.NewFakeClock(time.Unix(1700000000, 0))
	e := New(fc, WithHistoryStore(failingStore{}))
	t.Cleanup(e.HardStop)
	epoch := fc.Now()

	require.NoError(t, e.Start(testConfig(rhythm.ModeSlowMastery)))
	for i := 0; i < 3; i++ {
		_, err := e.Tap(epoch.Add(time.Duration(i) * 500 * time.Millisecond))
		require.NoError(t, err)
	}
	_, rec, err := e.Stop()
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

type failingStore struct{}

func (failingStore) Append(context.Context, history.Record) error {
	return errors.New("disk full")
}

func (failingStore) List(context.Context) ([]history.Record, error) {
	return nil, nil
}

func TestSinkPanicDoesNotStopScheduling(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int64
	fc, e, _ := newTestEngine(t,
		WithTickSink(panickySink{}),
		WithCallbacks(Callbacks{OnTick: func(scheduler.TickEvent) { ticks.Add(1) }}),
	)
	require.NoError(t, e.Start(testConfig(rhythm.ModeSlowMastery)))
	stepUntil(t, fc, func() bool { return ticks.Load() >= 3 })
}

type panickySink struct{}

func (panickySink) PlayTick(bool) { panic("speaker unplugged") }

// blockingSink holds a tick delivery open until released, exposing the
// window between the session check and the host callback.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s blockingSink) PlayTick(bool) {
	s.entered <- struct{}{}
	<-s.release
}

func TestHardStopWaitsForInFlightTick(t *testing.T) {
	t.Parallel()

	var delivered atomic.Int64
	sink := blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	fc, e, _ := newTestEngine(t,
		WithTickSink(sink),
		WithCallbacks(Callbacks{OnTick: func(scheduler.TickEvent) { delivered.Add(1) }}),
	)
	require.NoError(t, e.Start(testConfig(rhythm.ModeSlowMastery)))

	// Drive one tick into the sink and hold it open there.
	require.Eventually(t, func() bool {
		select {
		case <-sink.entered:
			return true
		default:
		}
		if fc.HasWaiters() {
			fc.Step(100 * time.Millisecond)
		}
		return false
	}, 5*time.Second, time.Millisecond)

	// HardStop must not return while that delivery is still in flight.
	done := make(chan struct{})
	go func() {
		e.HardStop()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("HardStop returned while a tick was still being delivered")
	case <-time.After(50 * time.Millisecond):
	}

	close(sink.release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HardStop never returned")
	}

	// The held tick completed before HardStop returned; nothing follows it.
	assert.Equal(t, int64(1), delivered.Load())
	if fc.HasWaiters() {
		fc.Step(10 * time.Second)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), delivered.Load())
}
