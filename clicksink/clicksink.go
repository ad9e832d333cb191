// Package clicksink provides audible tick sinks for the engine.
package clicksink

import (
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/generators"
	"github.com/faiface/beep/speaker"

	"github.com/tapline/tapline/logger"
)

const (
	sampleRate = beep.SampleRate(44100)
	blipLength = 30 * time.Millisecond

	beatFreq   = 880.0
	accentFreq = 1320.0
)

// Beep plays a short sine blip per tick through the system speaker, with a
// higher pitch on the accented downbeat.
type Beep struct{}

// NewBeep initializes the speaker once and returns the sink.
func NewBeep() (*Beep, error) {
	if err := speaker.Init(sampleRate, sampleRate.N(time.Second/20)); err != nil {
		return nil, err
	}
	return &Beep{}, nil
}

// PlayTick implements engine.TickSink. Errors are logged and dropped; tick
// playback is fire-and-forget.
func (b *Beep) PlayTick(accent bool) {
	freq := beatFreq
	if accent {
		freq = accentFreq
	}
	tone, err := generators.SinTone(sampleRate, int(freq))
	if err != nil {
		logger.GetProjectLogger().Errorf("generating click tone: %v", err)
		return
	}
	speaker.Play(beep.Take(sampleRate.N(blipLength), tone))
}

// Discard is a silent sink for muted sessions and tests.
type Discard struct{}

func (Discard) PlayTick(bool) {}
