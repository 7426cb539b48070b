package orchestrator

// State is the per-call turn state. Exactly one turn progresses through
// these states at a time; the next turn is admitted only from Idle.
type State int

const (
	StateIdle State = iota
	StateAwaitingAnswer
	StateFillerActive
	StateAnswerReady
	StateSpeaking
	StateInterrupted
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingAnswer:
		return "AWAITING_ANSWER"
	case StateFillerActive:
		return "FILLER_ACTIVE"
	case StateAnswerReady:
		return "ANSWER_READY"
	case StateSpeaking:
		return "SPEAKING"
	case StateInterrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}
