package rhythm

import "fmt"

// Tempo bounds enforced before any time computation.
const (
	MinBPM = 40
	MaxBPM = 300
)

// Mode identifies one of the trainer's drills.
type Mode string

const (
	ModeSubdivisionLab     Mode = "subdivision-lab"
	ModeSilentBeat         Mode = "silent-beat"
	ModePocketControl      Mode = "pocket-control"
	ModeSlowMastery        Mode = "slow-mastery"
	ModeConsonantPrecision Mode = "consonant-precision"
)

// Modes lists every drill mode in menu order.
var Modes = []Mode{
	ModeSubdivisionLab,
	ModeSilentBeat,
	ModePocketControl,
	ModeSlowMastery,
	ModeConsonantPrecision,
}

// ParseMode maps a string onto a known drill mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown drill mode %q", s)
	}
	return m, nil
}

func (m Mode) Valid() bool {
	switch m {
	case ModeSubdivisionLab, ModeSilentBeat, ModePocketControl, ModeSlowMastery, ModeConsonantPrecision:
		return true
	}
	return false
}

// Label returns the human-readable drill name.
func (m Mode) Label() string {
	switch m {
	case ModeSubdivisionLab:
		return "Subdivision Lab"
	case ModeSilentBeat:
		return "Silent Beat Challenge"
	case ModePocketControl:
		return "Pocket Control"
	case ModeSlowMastery:
		return "Slow Mastery"
	case ModeConsonantPrecision:
		return "Consonant Precision"
	}
	return string(m)
}

// Resolution is the subdivision of a beat used for scoring.
type Resolution string

const (
	ResolutionBeat      Resolution = "beat"
	ResolutionEighth    Resolution = "eighth"
	ResolutionSixteenth Resolution = "sixteenth"
)

// ParseResolution maps a string onto a known grid resolution.
func ParseResolution(s string) (Resolution, error) {
	r := Resolution(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown grid resolution %q", s)
	}
	return r, nil
}

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionBeat, ResolutionEighth, ResolutionSixteenth:
		return true
	}
	return false
}

// divisor returns how many scoring slots fit into one beat.
func (r Resolution) divisor() float64 {
	switch r {
	case ResolutionEighth:
		return 2
	case ResolutionSixteenth:
		return 4
	}
	return 1
}

// Prompt is the pocket target the performer is asked to hit.
type Prompt string

const (
	PromptPush    Prompt = "push"
	PromptCenter  Prompt = "center"
	PromptLayback Prompt = "layback"
)

// Next rotates push -> center -> layback -> push.
func (p Prompt) Next() Prompt {
	switch p {
	case PromptPush:
		return PromptCenter
	case PromptCenter:
		return PromptLayback
	}
	return PromptPush
}

// ClampBPM forces a tempo into [MinBPM, MaxBPM].
func ClampBPM(bpm int) int {
	if bpm < MinBPM {
		return MinBPM
	}
	if bpm > MaxBPM {
		return MaxBPM
	}
	return bpm
}

// BeatInterval returns the number of milliseconds a beat lasts.
func BeatInterval(bpm int) float64 {
	return 60000.0 / float64(ClampBPM(bpm))
}

// GridStep returns the width of one scoring slot in milliseconds.
func GridStep(bpm int, res Resolution) float64 {
	return BeatInterval(bpm) / res.divisor()
}

// Tolerance is the on-time window in milliseconds. Slow tempos are harder
// to judge, so at or below 60 BPM the window widens from 15ms to 22ms.
func Tolerance(bpm int) float64 {
	if ClampBPM(bpm) <= 60 {
		return 22
	}
	return 15
}

// TargetOffset returns the per-slot grid bias in milliseconds. Only the
// pocket drill biases the grid; every other mode scores dead center.
func TargetOffset(mode Mode, prompt Prompt) float64 {
	if mode != ModePocketControl {
		return 0
	}
	switch prompt {
	case PromptPush:
		return -20
	case PromptLayback:
		return 20
	}
	return 0
}
