package realtime

type State int

const (
	Idle State = iota
	Connecting
	Open
	Reconnecting
	Closed
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Online reports whether frames can currently be sent.
func (s State) Online() bool {
	return s == Open
}
