package supervisor

// State is the lifecycle phase of the supervised child.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}
