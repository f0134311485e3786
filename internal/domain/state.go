package domain

// ConnectionState mirrors the peer connection state. No states exist here
// that the underlying connection does not report.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Broken reports whether the state calls for recovery.
func (s ConnectionState) Broken() bool {
	return s == StateDisconnected || s == StateFailed
}
