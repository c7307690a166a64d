package atlas

import "errors"

// Sentinel errors for session and protocol failures. Callers compare with
// errors.Is; wrapped variants carry device/parameter context.
var (
	// ErrConnectionFailed means the initial TCP dial to the control port failed.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNotConnected is returned when a command is issued while the session
	// is not in the Connected state. Callers fail fast, they never queue.
	ErrNotConnected = errors.New("not connected")

	// ErrCommandTimeout means no response matched the command's correlation id
	// within the configured deadline. The connection itself stays up.
	ErrCommandTimeout = errors.New("command timeout")

	// ErrMalformedFrame marks unparseable wire data. Logged and dropped,
	// never fatal to the session.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrDisconnected is delivered to pending commands when the session is
	// explicitly disconnected underneath them.
	ErrDisconnected = errors.New("disconnected")

	// ErrMaxReconnectAttempts means the reconnect loop gave up. The session
	// stays registered but inert until an explicit Connect.
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts exceeded")
)
