package orchestrator

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	CallID    string
	TurnID    string
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// stateMachine implements the finite state machine for turn progression.
type stateMachine struct {
	currentState State
	mu           sync.RWMutex

	callID string
	turnID string

	stateChangeListeners []StateListener
}

func newStateMachine(callID string) *stateMachine {
	return &stateMachine{
		currentState: StateIdle,
		callID:       callID,
	}
}

// State returns the current state.
func (sm *stateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}

// SetTurn records which turn subsequent transitions belong to.
func (sm *stateMachine) SetTurn(turnID string) {
	sm.mu.Lock()
	sm.turnID = turnID
	sm.mu.Unlock()
}

// transitionValid checks if a state transition is valid (must be called with lock held).
func (sm *stateMachine) transitionValid(from, to State) bool {
	validTransitions := map[State][]State{
		StateIdle:           {StateAwaitingAnswer},
		StateAwaitingAnswer: {StateFillerActive, StateAnswerReady, StateInterrupted, StateIdle},
		StateFillerActive:   {StateAnswerReady, StateInterrupted, StateIdle},
		StateAnswerReady:    {StateSpeaking, StateInterrupted, StateIdle},
		StateSpeaking:       {StateIdle, StateInterrupted},
		StateInterrupted:    {StateIdle},
	}

	allowedStates, exists := validTransitions[from]
	if !exists {
		return false
	}

	for _, allowed := range allowedStates {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (sm *stateMachine) Transition(state State, reason string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.transitionValid(sm.currentState, state) {
		return &InvalidTransitionError{
			From: sm.currentState,
			To:   state,
		}
	}

	oldState := sm.currentState
	sm.currentState = state

	event := StateChange{
		CallID:    sm.callID,
		TurnID:    sm.turnID,
		FromState: oldState,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}

	// Notify listeners (release lock during notification to avoid deadlocks)
	listeners := make([]StateListener, len(sm.stateChangeListeners))
	copy(listeners, sm.stateChangeListeners)
	sm.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(event)
	}

	sm.mu.Lock()
	return nil
}

// AddListener registers a listener for state change events.
func (sm *stateMachine) AddListener(listener StateListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.stateChangeListeners = append(sm.stateChangeListeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
