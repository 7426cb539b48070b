package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/banter/pkg/turnclock"
)

// Direction tells which side initiated the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// TurnContext carries everything one utterance's turn needs. Created at the
// start of ProcessTurn, consumed entirely within it, never shared across
// turns.
type TurnContext struct {
	CallID      string
	TurnID      string
	Direction   Direction
	Utterance   string
	StartedAt   turnclock.Handle
	Voice       string
	DisplayName string
}

func newTurnContext(callID string, dir Direction, utterance, voice, displayName string) TurnContext {
	return TurnContext{
		CallID:      callID,
		TurnID:      uuid.NewString(),
		Direction:   dir,
		Utterance:   utterance,
		StartedAt:   turnclock.Start(),
		Voice:       voice,
		DisplayName: displayName,
	}
}

// TurnOutcome is what one completed turn produced. Immutable once returned.
// The Ms fields are -1 when the measured moment never happened (a turn that
// produced no audio has no first-audio time).
type TurnOutcome struct {
	// FinalText is the text that was (or was meant to be) spoken as the
	// answer, after any fallback substitution.
	FinalText string

	// UsedFiller is true iff at least one filler audio frame reached the
	// sink before the answer arrived.
	UsedFiller bool

	// FillerText is the phrase that was audibly played, empty otherwise.
	FillerText string

	TimeToFirstAudioMs  int64
	TimeToFinalAnswerMs int64
}

// Config holds the per-deployment timing knobs. Zero values fall back to
// the defaults below.
type Config struct {
	// MinDelay is the earliest point at which filler may be considered.
	// Answers that arrive before it never trigger filler.
	MinDelay time.Duration

	// MaxDelay is the point by which filler should already be audible when
	// the answer is still pending. Crossing it silent is reported, not
	// acted on.
	MaxDelay time.Duration

	// FillerStartTarget and FillerStartMax budget the filler's own
	// synthesis latency, measured from turn start to its first frame.
	FillerStartTarget time.Duration
	FillerStartMax    time.Duration

	// HardTimeout force-completes a turn whose answer never arrives; the
	// fallback text is spoken instead.
	HardTimeout time.Duration

	// FallbackText is spoken when generation fails or times out.
	FallbackText string
}

const (
	defaultMinDelay          = 300 * time.Millisecond
	defaultMaxDelay          = 700 * time.Millisecond
	defaultFillerStartTarget = 250 * time.Millisecond
	defaultFillerStartMax    = 400 * time.Millisecond
	defaultHardTimeout       = 5 * time.Second

	defaultFallbackText = "Sorry, I need another moment on that one."
)

func (c Config) withDefaults() Config {
	if c.MinDelay <= 0 {
		c.MinDelay = defaultMinDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.FillerStartTarget <= 0 {
		c.FillerStartTarget = defaultFillerStartTarget
	}
	if c.FillerStartMax <= 0 {
		c.FillerStartMax = defaultFillerStartMax
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = defaultHardTimeout
	}
	if c.FallbackText == "" {
		c.FallbackText = defaultFallbackText
	}
	return c
}
