package supervisor

// State is the lifecycle state of one worker.
type State int

const (
	Starting State = iota
	Running
	Stopping
	Stopped
	Crashed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Crashed:
		return "Crashed"
	default:
		return "Unknown"
	}
}

// alive reports whether a process may still be running in this state.
func (s State) alive() bool {
	return s == Starting || s == Running || s == Stopping
}
