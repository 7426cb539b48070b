package metrics

import "time"

// Event names emitted across a call's life. Tagged with call_id (and turn_id
// once a turn exists); durations ride in Fields as *_ms int64 values.
const (
	EventCallStarted = "call_started"
	EventCallEnded   = "call_ended"

	EventTurnStarted      = "turn_started"
	EventFillerStarted    = "filler_started"
	EventFillerFirstAudio = "filler_first_audio"
	EventFillerLate       = "filler_late"
	EventFillerStopped    = "filler_stopped"
	EventFillerSynthFail  = "filler_synth_failed"
	EventAnswerReady      = "answer_ready"
	EventAnswerFallback   = "answer_fallback"
	EventSpeakFirstAudio  = "speak_first_audio"
	EventTurnCompleted    = "turn_completed"
	EventTurnInterrupted  = "turn_interrupted"
	EventTurnFailed       = "turn_failed"

	EventSynthStarted = "synth_stream_started"

	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
	EventRateLimit     = "rate_limited"
)

// Tag keys shared by every turn-scoped event.
const (
	TagCallID = "call_id"
	TagTurnID = "turn_id"
)

// TurnEvent builds an event tagged with its call and turn.
func TurnEvent(name, callID, turnID string, fields map[string]any) MetricsEvent {
	return MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   map[string]string{TagCallID: callID, TagTurnID: turnID},
		Fields: fields,
	}
}

// CallEvent builds an event tagged with its call only.
func CallEvent(name, callID string, fields map[string]any) MetricsEvent {
	return MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   map[string]string{TagCallID: callID},
		Fields: fields,
	}
}
