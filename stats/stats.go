// Package stats reduces scored taps into session statistics.
package stats

import (
	"math"

	"github.com/tapline/tapline/rhythm"
)

// Statistics summarizes a buffer of scored taps. It is always recomputed
// from the full buffer, never maintained incrementally.
type Statistics struct {
	EventCount  int     `json:"eventCount"`
	OnTimePct   float64 `json:"onTimePct"`
	MeanAbsMs   float64 `json:"meanAbsMs"`
	StdDevMs    float64 `json:"stdDevMs"`
	AvgOffsetMs float64 `json:"avgOffsetMs"`
}

// Compute derives Statistics from the given tap events. An empty slice
// yields the zero value. StdDevMs is the population standard deviation
// (divide by n, not n-1).
func Compute(events []rhythm.TapEvent) Statistics {
	n := len(events)
	if n == 0 {
		return Statistics{}
	}

	var onCount int
	var sumAbs, sum float64
	for _, ev := range events {
		if ev.Classification == rhythm.On {
			onCount++
		}
		sumAbs += math.Abs(ev.DeviationMs)
		sum += ev.DeviationMs
	}
	mean := sum / float64(n)

	var sumSq float64
	for _, ev := range events {
		d := ev.DeviationMs - mean
		sumSq += d * d
	}

	return Statistics{
		EventCount:  n,
		OnTimePct:   100 * float64(onCount) / float64(n),
		MeanAbsMs:   sumAbs / float64(n),
		StdDevMs:    math.Sqrt(sumSq / float64(n)),
		AvgOffsetMs: mean,
	}
}
