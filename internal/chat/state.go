package chat

import (
	"errors"
	"fmt"
	"slices"
)

// State is the phase of the exchange in the active session.
type State int

const (
	// StateIdle means no exchange is in flight.
	StateIdle State = iota
	// StateSending means a user message was submitted and the request is outstanding.
	StateSending
	// StatePolling means the message was accepted and the engine waits for the reply.
	StatePolling
)

// ErrInvalidTransition reports a state change the machine does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	StateIdle:    {StateSending},
	StateSending: {StatePolling, StateIdle},
	StatePolling: {StateIdle},
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StatePolling:
		return "polling"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CanTransition reports whether the machine may move from s to next.
func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}

// transition validates and returns the next state.
func (s State) transition(next State) (State, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return next, nil
}
