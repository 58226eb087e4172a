package session

// State is a session lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
