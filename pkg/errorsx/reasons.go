package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonAnswerUpstream  ReasonCode = "answer_upstream"
	ReasonAnswerTimeout   ReasonCode = "answer_timeout"
	ReasonAnswerRateLimit ReasonCode = "answer_rate_limit"

	ReasonSynthConnect     ReasonCode = "synth_connect"
	ReasonSynthSend        ReasonCode = "synth_send"
	ReasonSynthStream      ReasonCode = "synth_stream"
	ReasonSynthRateLimit   ReasonCode = "synth_rate_limit"
	ReasonSynthCircuitOpen ReasonCode = "synth_circuit_open"

	// Path classifications attached by the orchestrator when a provider error
	// carries no reason of its own: which leg of the turn the synthesis
	// failure landed on decides whether it is absorbed or escalated.
	ReasonSynthFiller ReasonCode = "synth_filler"
	ReasonSynthFinal  ReasonCode = "synth_final"

	ReasonProviderConfig ReasonCode = "provider_config"
)
