// Package agentrun is the agent session orchestration core: the session
// state machine, the concurrent session registry, the iteration engine
// that drives model calls and tool execution, the progress broadcaster
// that keeps observers consistent, and the kill-switch/timeout paths.
//
// The Registry is the only mutation surface for session records. The
// Engine drives one session per Run call and reports every change back
// through the Registry, which bumps a per-session version counter and
// fans the change out through the Broadcaster. Cancellation is
// cooperative: supervisors transition the session terminally and the
// engine notices at its next iteration boundary.
package agentrun
