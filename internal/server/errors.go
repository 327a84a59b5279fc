package server

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrServerClosed is returned by Serve after Shutdown has been called.
	ErrServerClosed = errors.New("server: closed")

	// ErrSessionClosed is reported when a line is sent to a session whose
	// connection has already been released.
	ErrSessionClosed = errors.New("server: session closed")

	// ErrAdmissionRejected is reported when the connection cap is reached.
	ErrAdmissionRejected = errors.New("server: too many clients")

	// ErrLineTooLong is reported when a client sends a line longer than the
	// configured limit.
	ErrLineTooLong = errors.New("server: line exceeds maximum size")
)

// BindError reports that the listening socket could not be bound.
// It is the only process-fatal error of the relay.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ConnectionSetupError reports that an accepted connection could not be
// turned into a session. Only that connection is abandoned.
type ConnectionSetupError struct {
	Remote string
	Err    error
}

func (e *ConnectionSetupError) Error() string {
	return fmt.Sprintf("setup connection from %s: %v", e.Remote, e.Err)
}

func (e *ConnectionSetupError) Unwrap() error { return e.Err }

// SendError reports a failed write to one recipient.
type SendError struct {
	Recipient string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Recipient, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrSessionClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
