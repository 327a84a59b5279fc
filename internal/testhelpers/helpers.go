// Package testhelpers provides common utilities for testing the linechat relay.
//
// It starts relays on ephemeral loopback ports, dials line-oriented TCP
// clients, and opens WebSocket connections against the gateway, so that
// integration tests can focus on the behavior they check.
package testhelpers

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/linechat/internal/server"
)

const (
	// ReadTimeout bounds every blocking read performed by a test client.
	ReadTimeout = 2 * time.Second

	// TestOrigin is the Origin header sent by WebSocket test clients.
	TestOrigin = "http://localhost:8080"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// StartRelay starts a relay on an ephemeral loopback port. The relay is shut
// down when the test ends.
func StartRelay(t *testing.T, cfg server.Config) (*server.Server, string) {
	t.Helper()

	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	srv := server.NewServer(cfg, DiscardLogger())

	ln, err := srv.Listen()
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
		assert.ErrorIs(t, <-served, server.ErrServerClosed)
	})
	return srv, ln.Addr().String()
}

// WaitForClients blocks until the relay has exactly n registered sessions.
func WaitForClients(t *testing.T, srv *server.Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return srv.Registry().Len() == n
	}, ReadTimeout, 5*time.Millisecond, "expected %d registered clients, have %v", n, srv.Clients())
}

// LineClient is a TCP chat client speaking newline-delimited text.
type LineClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects a LineClient to addr. The caller closes it.
func Dial(addr string) (*LineClient, error) {
	conn, err := net.DialTimeout("tcp", addr, ReadTimeout)
	if err != nil {
		return nil, err
	}
	return &LineClient{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// DialLine connects a LineClient to addr. It is closed when the test ends.
func DialLine(t *testing.T, addr string) *LineClient {
	t.Helper()

	c, err := Dial(addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// Send writes one line followed by "\n".
func (c *LineClient) Send(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, c.SendLine(line))
}

// SendLine writes one line followed by "\n". It is safe to call from
// goroutines other than the test's.
func (c *LineClient) SendLine(line string) error {
	_, err := c.conn.Write([]byte(line + "\n"))
	return err
}

// ReadLine reads the next line without its terminator.
func (c *LineClient) ReadLine(t *testing.T) string {
	t.Helper()
	line, err := c.TryReadLine(ReadTimeout)
	require.NoError(t, err)
	return line
}

// TryReadLine reads the next line, waiting at most wait.
func (c *LineClient) TryReadLine(wait time.Duration) (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ExpectNoLine fails the test if a line arrives within wait.
func (c *LineClient) ExpectNoLine(t *testing.T, wait time.Duration) {
	t.Helper()
	line, err := c.TryReadLine(wait)
	if err == nil {
		t.Fatalf("expected no line, got %q", line)
	}
	var netErr net.Error
	require.ErrorAs(t, err, &netErr, "expected a read timeout, got %v", err)
	require.True(t, netErr.Timeout(), "expected a read timeout, got %v", err)
}

// ExpectClosed fails the test unless the server closes the connection
// within wait.
func (c *LineClient) ExpectClosed(t *testing.T, wait time.Duration) {
	t.Helper()
	for {
		_, err := c.TryReadLine(wait)
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("connection still open after %s", wait)
		}
		return
	}
}

// Close closes the client connection.
func (c *LineClient) Close() error {
	return c.conn.Close()
}

// WebSocketURL converts an http:// test server URL into a ws:// URL for path.
func WebSocketURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

// ConnectWebSocket creates a WebSocket connection to the specified URL using
// TestOrigin as Origin header.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	return ConnectWebSocketWithOrigin(url, TestOrigin)
}

// ConnectWebSocketWithOrigin is ConnectWebSocket with an explicit origin.
func ConnectWebSocketWithOrigin(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// ReadWebSocketLine reads one text frame within ReadTimeout.
func ReadWebSocketLine(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(ReadTimeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}
