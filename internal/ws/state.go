package ws

// State is the connection manager lifecycle state.
// Legal transitions: Idle -> Authenticating -> Connecting -> Open ->
// Closing -> Closed; Failed is terminal and reachable from any state
// before Closed.
type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// CloseInfo describes how the connection ended. WasClean is true only for
// the expected caller-initiated close signature (code 1000).
type CloseInfo struct {
	Code     int
	Reason   string
	WasClean bool
}
