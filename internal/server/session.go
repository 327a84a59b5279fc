package server

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// SessionState is the lifecycle stage of a Session.
type SessionState int32

const (
	// StateConnecting covers stream setup. NewSession is only called once
	// the line adapters are in place, so a Session returned by it is never
	// observed in this state.
	StateConnecting SessionState = iota
	// StateActive sessions can receive and send lines.
	StateActive
	// StateClosed is terminal; the socket has been released.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session represents one connected client. It owns the connection, and every
// write to that connection goes through Send so lines relayed by concurrent
// broadcasts never interleave.
type Session struct {
	id   string
	name string
	conn LineConn

	state   atomic.Int32
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error

	limiter *rateLimiter
}

// NewSession wraps an established line connection under the given display
// name. The returned session is Active.
func NewSession(conn LineConn, name string) (*Session, error) {
	if conn == nil {
		return nil, &ConnectionSetupError{Remote: "unknown", Err: errors.New("nil line connection")}
	}

	s := &Session{
		id:   uuid.NewString(),
		name: name,
		conn: conn,
	}
	s.state.Store(int32(StateActive))
	return s, nil
}

// ID returns a process-unique identifier, used to tell apart sessions that
// share a display name.
func (s *Session) ID() string { return s.id }

// Name returns the display name prefixed to every line this session sends.
func (s *Session) Name() string { return s.name }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }

// State reports the current lifecycle stage.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// ReceiveLine blocks until the client sends a full line or the stream ends.
// Any error means the stream is over; io.EOF marks a clean disconnect.
func (s *Session) ReceiveLine() (string, error) {
	if s.State() == StateClosed {
		return "", ErrSessionClosed
	}
	return s.conn.ReadLine()
}

// Send writes one line to the client and flushes it. Failures are reported
// as *SendError. A failed write may leave a partial line on the stream, so
// the connection is closed; the session's read loop then ends and
// unregisters it.
func (s *Session) Send(message string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.State() == StateClosed {
		return &SendError{Recipient: s.name, Err: ErrSessionClosed}
	}
	if err := s.conn.WriteLine(message); err != nil {
		_ = s.Close()
		return &SendError{Recipient: s.name, Err: err}
	}
	return nil
}

// Close releases the connection. It is safe to call more than once and
// concurrently with Send or ReceiveLine.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// allow reports whether the rate limiter lets the next line through.
func (s *Session) allow() bool {
	return s.limiter == nil || s.limiter.allow()
}
