package session

// State is a session's position in its lifecycle.  It only moves
// forward: INIT → CONNECTING → RELAYING → CLOSING → CLOSED, except that
// a failed dial goes from CONNECTING straight to CLOSED.
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateRelaying
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
