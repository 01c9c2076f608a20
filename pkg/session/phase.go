package session

// Phase is the lifecycle phase of a debug session.
type Phase int

const (
	// PhaseInitializing means the runtime connection is not ready yet.
	PhaseInitializing Phase = iota
	// PhaseRunning means the debuggee is executing.
	PhaseRunning
	// PhasePaused means the debuggee is suspended at a frame.
	PhasePaused
	// PhaseTerminated is terminal; no further commands are accepted.
	PhaseTerminated
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseRunning:
		return "running"
	case PhasePaused:
		return "paused"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
