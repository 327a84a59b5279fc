package server

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// closeGracePeriod bounds the close frame written when a WebSocket session ends.
const closeGracePeriod = time.Second

// wsLineConn adapts a WebSocket connection to LineConn. Every data frame
// received is one line and every line sent is one text frame.
type wsLineConn struct {
	conn         *websocket.Conn
	remote       string
	idleTimeout  time.Duration
	writeTimeout time.Duration
}

func newWSLineConn(conn *websocket.Conn, remote string, cfg Config) (*wsLineConn, error) {
	if conn == nil {
		return nil, &ConnectionSetupError{Remote: remote, Err: errors.New("nil websocket connection")}
	}
	conn.SetReadLimit(int64(cfg.MaxLineBytes))

	return &wsLineConn{
		conn:         conn,
		remote:       remote,
		idleTimeout:  cfg.IdleTimeout,
		writeTimeout: cfg.WriteTimeout,
	}, nil
}

func (c *wsLineConn) ReadLine() (string, error) {
	if c.idleTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return "", err
		}
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", translateWSReadError(err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// translateWSReadError maps the close scenarios of a well-behaved peer to
// io.EOF so callers can treat both transports alike.
func translateWSReadError(err error) error {
	if errors.Is(err, websocket.ErrReadLimit) {
		return ErrLineTooLong
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	return err
}

func (c *wsLineConn) WriteLine(line string) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

// Close sends a best-effort close frame before releasing the socket.
func (c *wsLineConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod))
	return c.conn.Close()
}

func (c *wsLineConn) RemoteAddr() string {
	return c.remote
}
