package stream

// State is the lifecycle state shared by sessions, subscriptions and
// price groups.
type State int

const (
	// Closed means the object is inactive and holds no server-side
	// resources. Newly constructed objects start here.
	Closed State = iota

	// Pending means an open is in flight and the first server
	// response has not arrived yet.
	Pending

	// Open means the object is active.
	Open
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Pending:
		return "Pending"
	case Open:
		return "Open"
	default:
		return "Unknown"
	}
}

// EventCode identifies a session-level notification.
type EventCode int

const (
	// StreamPending means a streaming connect is in flight.
	StreamPending EventCode = iota + 1

	// StreamConnected means the websocket login was accepted.
	StreamConnected

	// StreamDisconnected means the websocket is down, either after a
	// transport failure, a refused login or an orderly close.
	StreamDisconnected

	// SessionAuthenticationSuccess means the proxy handshake accepted
	// the application key.
	SessionAuthenticationSuccess

	// SessionAuthenticationFailed means the proxy handshake or the
	// streaming login rejected the application key.
	SessionAuthenticationFailed

	// TokenRefreshFailed means a login token re-issue was rejected.
	TokenRefreshFailed

	// DataRequestOk means a proxy data request completed.
	DataRequestOk

	// DataRequestFailed means a proxy data request failed.
	DataRequestFailed
)

// String returns the event code name.
func (c EventCode) String() string {
	switch c {
	case StreamPending:
		return "StreamPending"
	case StreamConnected:
		return "StreamConnected"
	case StreamDisconnected:
		return "StreamDisconnected"
	case SessionAuthenticationSuccess:
		return "SessionAuthenticationSuccess"
	case SessionAuthenticationFailed:
		return "SessionAuthenticationFailed"
	case TokenRefreshFailed:
		return "TokenRefreshFailed"
	case DataRequestOk:
		return "DataRequestOk"
	case DataRequestFailed:
		return "DataRequestFailed"
	default:
		return "Unknown"
	}
}

// isStateCode reports whether a code belongs on the state-change
// callback channel rather than the event channel.
func isStateCode(c EventCode) bool {
	switch c {
	case SessionAuthenticationSuccess, SessionAuthenticationFailed, TokenRefreshFailed:
		return true
	default:
		return false
	}
}
