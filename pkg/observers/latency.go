package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/banter/pkg/metrics"
)

// LatencyObserver assembles per-turn spans from the event stream and logs
// one summary line when the turn reaches a terminal event.
type LatencyObserver struct {
	mu    sync.Mutex
	turns map[string]*turnTrace
	log   *slog.Logger
}

type turnTrace struct {
	callID      string
	started     time.Time
	fillerFirst time.Time
	answerReady time.Time
	speakFirst  time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		turns: make(map[string]*turnTrace),
		log:   log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	turnID := ""
	if ev.Tags != nil {
		turnID = ev.Tags[metrics.TagTurnID]
	}
	if turnID == "" {
		return
	}
	o.mu.Lock()
	t := o.turns[turnID]
	if t == nil {
		t = &turnTrace{}
		o.turns[turnID] = t
	}
	switch ev.Name {
	case metrics.EventTurnStarted:
		if t.started.IsZero() {
			t.started = ev.Time
		}
		if t.callID == "" && ev.Tags != nil {
			t.callID = ev.Tags[metrics.TagCallID]
		}
	case metrics.EventFillerFirstAudio:
		if t.fillerFirst.IsZero() {
			t.fillerFirst = ev.Time
		}
	case metrics.EventAnswerReady:
		if t.answerReady.IsZero() {
			t.answerReady = ev.Time
		}
	case metrics.EventSpeakFirstAudio:
		if t.speakFirst.IsZero() {
			t.speakFirst = ev.Time
		}
	case metrics.EventTurnCompleted, metrics.EventTurnInterrupted, metrics.EventTurnFailed:
		o.logTurnLocked(turnID, t, ev)
		delete(o.turns, turnID)
	}
	o.mu.Unlock()
}

func (o *LatencyObserver) logTurnLocked(turnID string, t *turnTrace, last metrics.MetricsEvent) {
	fillerLead := durationMs(t.fillerFirst, t.answerReady)
	o.log.Info("turn latency",
		"call_id", t.callID,
		"turn_id", turnID,
		"outcome", last.Name,
		"filler_first_audio_ms", durationMs(t.started, t.fillerFirst),
		"answer_ms", durationMs(t.started, t.answerReady),
		"speak_first_audio_ms", durationMs(t.started, t.speakFirst),
		"filler_covered_ms", fillerLead,
		"total_ms", durationMs(t.started, last.Time),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
