package rhythm

import (
	"math"
	"time"
)

// Classification is the verdict for one tap against the grid.
type Classification string

const (
	Early Classification = "early"
	On    Classification = "on"
	Late  Classification = "late"
)

// TapEvent is an immutable record of one scored tap.
type TapEvent struct {
	ObservedAt     time.Time
	ExpectedAt     time.Time
	DeviationMs    float64
	Classification Classification
}

// Classify scores a tap timestamp against the timing grid anchored at
// startEpoch. The tap snaps to the nearest grid slot; the slot index stays
// signed, so a tap that lands ahead of the epoch scores against slot zero
// (or a negative slot) with the correct deviation sign. A deviation exactly
// at the tolerance counts as on time.
func Classify(observedAt, startEpoch time.Time, bpm int, res Resolution, offsetMs float64) TapEvent {
	step := GridStep(bpm, res)
	sinceStart := durationMs(observedAt.Sub(startEpoch))
	slot := math.Round(sinceStart / step)
	expectedMs := slot*step + offsetMs
	deviation := sinceStart - expectedMs

	class := On
	if math.Abs(deviation) > Tolerance(bpm) {
		if deviation < 0 {
			class = Early
		} else {
			class = Late
		}
	}

	return TapEvent{
		ObservedAt:     observedAt,
		ExpectedAt:     startEpoch.Add(msDuration(expectedMs)),
		DeviationMs:    deviation,
		Classification: class,
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func msDuration(ms float64) time.Duration {
	return time.Duration(math.Round(ms * float64(time.Millisecond)))
}
