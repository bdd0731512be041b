package stream

// State is the lifecycle state of an ingestion handle.
type State int32

// Ingestor states
const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further frames will be read in this state.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}
