package config

import (
	"fmt"

	"github.com/tapline/tapline/rhythm"
)

// DrillConfig represents the options that configure one drill session.
type DrillConfig struct {
	Mode        rhythm.Mode
	BPM         int
	BeatsPerBar int
	Resolution  rhythm.Resolution
}

// NewDrillConfig creates a DrillConfig with reasonable defaults for real usage.
func NewDrillConfig(mode rhythm.Mode) DrillConfig {
	return DrillConfig{
		Mode:        mode,
		BPM:         120,
		BeatsPerBar: 4,
		Resolution:  rhythm.ResolutionBeat,
	}
}

// Normalize validates the enum fields and clamps the tempo. Out-of-range
// BPM is a documented clamping policy, not an error; an unknown mode, grid
// resolution, or bar length is rejected.
func (c DrillConfig) Normalize() (DrillConfig, error) {
	if !c.Mode.Valid() {
		return c, fmt.Errorf("unknown drill mode %q", c.Mode)
	}
	if !c.Resolution.Valid() {
		return c, fmt.Errorf("unknown grid resolution %q", c.Resolution)
	}
	if c.BeatsPerBar != 2 && c.BeatsPerBar != 4 {
		return c, fmt.Errorf("beats per bar must be 2 or 4, got %d", c.BeatsPerBar)
	}
	c.BPM = rhythm.ClampBPM(c.BPM)
	return c, nil
}

// ToleranceMs is the on-time window derived from the (clamped) tempo.
func (c DrillConfig) ToleranceMs() float64 {
	return rhythm.Tolerance(c.BPM)
}
