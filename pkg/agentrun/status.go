package agentrun

// Status is the lifecycle state of an agent session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// IsTerminal reports whether s is an absorbing state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusStopped, StatusError:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusInitializing, StatusRunning:
		return true
	}
	return s.IsTerminal()
}

// canTransitionTo enforces the state machine: terminal states accept
// nothing, running may remain running or reach any terminal state, and
// initializing may start running or be killed before the run begins.
func (s Status) canTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusInitializing:
		return next == StatusRunning || next.IsTerminal()
	case StatusRunning:
		return next == StatusRunning || next.IsTerminal()
	}
	return false
}
