package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"
)

// LineConn is a line-oriented duplex stream owned by exactly one Session.
//
// ReadLine blocks until a full line is available and returns it without its
// terminator. Stream termination is reported as an error; a clean end of
// stream is io.EOF. WriteLine delivers one line to the peer before it
// returns. Close may be called concurrently with ReadLine and WriteLine.
type LineConn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	Close() error
	RemoteAddr() string
}

// tcpLineConn adapts a net.Conn to LineConn using newline framing.
type tcpLineConn struct {
	conn         net.Conn
	remote       string
	scanner      *bufio.Scanner
	writer       *bufio.Writer
	idleTimeout  time.Duration
	writeTimeout time.Duration
}

// newTCPLineConn wraps an accepted connection. Nagle's algorithm is disabled
// so every relayed line leaves the host as soon as it is flushed.
func newTCPLineConn(conn net.Conn, cfg Config) (*tcpLineConn, error) {
	if conn == nil {
		return nil, &ConnectionSetupError{Remote: "unknown", Err: errors.New("nil connection")}
	}
	remote := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			return nil, &ConnectionSetupError{Remote: remote, Err: err}
		}
	}

	scanner := bufio.NewScanner(conn)
	initial := 4096
	if cfg.MaxLineBytes < initial {
		initial = cfg.MaxLineBytes
	}
	scanner.Buffer(make([]byte, 0, initial), cfg.MaxLineBytes)

	return &tcpLineConn{
		conn:         conn,
		remote:       remote,
		scanner:      scanner,
		writer:       bufio.NewWriter(conn),
		idleTimeout:  cfg.IdleTimeout,
		writeTimeout: cfg.WriteTimeout,
	}, nil
}

func (c *tcpLineConn) ReadLine() (string, error) {
	if c.idleTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return "", err
		}
	}

	// bufio.ScanLines drops the trailing "\r" of CRLF-terminated lines and
	// returns a final unterminated line before reporting EOF.
	if c.scanner.Scan() {
		return c.scanner.Text(), nil
	}
	if err := c.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return "", ErrLineTooLong
		}
		return "", err
	}
	return "", io.EOF
}

func (c *tcpLineConn) WriteLine(line string) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	if _, err := c.writer.WriteString(line); err != nil {
		return err
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *tcpLineConn) Close() error {
	return c.conn.Close()
}

func (c *tcpLineConn) RemoteAddr() string {
	return c.remote
}
