package stream

// State is the lifecycle state of the feed connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Live reports whether a socket is up in this state.
func (s State) Live() bool {
	return s == StateOpen || s == StateAuthenticated
}
