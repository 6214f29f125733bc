package agentrun

import "errors"

var (
	// ErrAgentDisabled is returned by CreateSession when the agent feature
	// is switched off in configuration.
	ErrAgentDisabled = errors.New("agent sessions are disabled")

	// ErrSessionNotFound is returned when a session ID is unknown, which
	// includes sessions already evicted from recent history.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTerminal is returned when an operation requires a live
	// session but the session already reached an absorbing state.
	ErrSessionTerminal = errors.New("session already terminal")

	// ErrRunInProgress is returned by BeginRun when another driver already
	// holds the session's run token.
	ErrRunInProgress = errors.New("session run already in progress")

	// ErrIterationLimit signals that advancing the iteration counter would
	// exceed the session's configured bound.
	ErrIterationLimit = errors.New("iteration limit reached")

	// ErrInvalidTransition is returned by UpdateStatus when the requested
	// transition is not allowed by the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)
