package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	eventuallyWait = 2 * time.Second
	eventuallyTick = 5 * time.Millisecond
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	srv := NewServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventuallyWait)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
	})
	return srv
}

func attachFake(t *testing.T, srv *Server, remote string) (*Session, *fakeLineConn) {
	t.Helper()
	conn := newFakeLineConn(remote)
	session, err := srv.Attach(conn)
	require.NoError(t, err)
	return session, conn
}

func waitForLines(t *testing.T, conn *fakeLineConn, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, conn.lines())
	}, eventuallyWait, eventuallyTick, "got %q, want %q", conn.lines(), want)
}

func TestAttachRegistersAndRelays(t *testing.T) {
	srv := newTestServer(t, NewConfig())
	a, connA := attachFake(t, srv, "a")
	b, connB := attachFake(t, srv, "b")

	assert.Equal(t, "User 1", a.Name())
	assert.Equal(t, "User 2", b.Name())
	assert.Equal(t, []string{"User 1", "User 2"}, srv.Clients())

	connA.push("hi")

	waitForLines(t, connA, "User 1 : hi")
	waitForLines(t, connB, "User 1 : hi")
}

// TestSenderSurvivesRecipientFailure verifies that a recipient whose writes
// fail does not disturb the sender's read loop or the other recipients, and
// that the failed recipient is released and unregistered.
func TestSenderSurvivesRecipientFailure(t *testing.T) {
	srv := newTestServer(t, NewConfig())
	_, connA := attachFake(t, srv, "a")
	b, connB := attachFake(t, srv, "b")
	_, connC := attachFake(t, srv, "c")
	connB.failWrites(errors.New("broken pipe"))

	connA.push("one")
	connA.push("two")

	waitForLines(t, connA, "User 1 : one", "User 1 : two")
	waitForLines(t, connC, "User 1 : one", "User 1 : two")
	assert.Empty(t, connB.lines())
	require.Eventually(t, func() bool { return !srv.Registry().Contains(b) }, eventuallyWait, eventuallyTick)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"User 1", "User 3"}, srv.Clients())
}

// TestWriteTimeoutReleasesSession verifies that a client that stops reading
// is disconnected once a write times out instead of staying registered.
func TestWriteTimeoutReleasesSession(t *testing.T) {
	cfg := NewConfig()
	cfg.WriteTimeout = 20 * time.Millisecond
	srv := newTestServer(t, cfg)

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	lc, err := newTCPLineConn(serverSide, srv.Config())
	require.NoError(t, err)
	session, err := srv.Attach(lc)
	require.NoError(t, err)

	// Nothing reads clientSide, so relaying the line back to its sender
	// hits the write deadline.
	_, err = clientSide.Write([]byte("a\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !srv.Registry().Contains(session) }, eventuallyWait, eventuallyTick)
	assert.Equal(t, StateClosed, session.State())

	require.NoError(t, clientSide.SetReadDeadline(time.Now().Add(eventuallyWait)))
	_, err = clientSide.Read(make([]byte, 64))
	assert.ErrorIs(t, err, io.EOF, "the connection is closed, not left half-written")

	// Later broadcasts no longer target the released session.
	_, connB := attachFake(t, srv, "b")
	connB.push("still relaying")
	waitForLines(t, connB, "User 1 : still relaying")
}

func TestReadLoopUnregistersOnDisconnect(t *testing.T) {
	srv := newTestServer(t, NewConfig())
	a, connA := attachFake(t, srv, "a")
	b, connB := attachFake(t, srv, "b")

	connA.hangUp()

	require.Eventually(t, func() bool { return !srv.Registry().Contains(a) }, eventuallyWait, eventuallyTick)
	assert.True(t, srv.Registry().Contains(b))
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, 1, connA.closeCount())

	connB.push("alone")
	waitForLines(t, connB, "User 2 : alone")
	assert.Empty(t, connA.lines())
}

func TestAdmissionPolicy(t *testing.T) {
	cfg := NewConfig()
	cfg.MaxClients = 1
	srv := newTestServer(t, cfg)
	_, connA := attachFake(t, srv, "a")

	rejected := newFakeLineConn("b")
	_, err := srv.Attach(rejected)

	require.ErrorIs(t, err, ErrAdmissionRejected)
	assert.Equal(t, []string{serverFullLine}, rejected.lines())
	assert.Equal(t, 1, rejected.closeCount())
	assert.Equal(t, 1, srv.Registry().Len())

	connA.hangUp()
	require.Eventually(t, func() bool {
		conn := newFakeLineConn("c")
		if _, err := srv.Attach(conn); err != nil {
			return false
		}
		return true
	}, eventuallyWait, eventuallyTick, "slot is released once the session ends")
}

func TestRateLimitedLinesAreDropped(t *testing.T) {
	cfg := NewConfig()
	cfg.RateLimit = RateLimitConfig{Burst: 1, RefillInterval: time.Hour}
	srv := newTestServer(t, cfg)
	_, connA := attachFake(t, srv, "a")

	connA.push("first")
	connA.push("second")

	waitForLines(t, connA, "User 1 : first")
	assert.Never(t, func() bool { return len(connA.lines()) > 1 }, 100*time.Millisecond, eventuallyTick)
}

func TestAttachNil(t *testing.T) {
	srv := newTestServer(t, NewConfig())

	_, err := srv.Attach(nil)

	var setupErr *ConnectionSetupError
	assert.ErrorAs(t, err, &setupErr)
}

func TestShutdownClosesSessions(t *testing.T) {
	srv := NewServer(NewConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	var conns []*fakeLineConn
	for _, remote := range []string{"a", "b", "c"} {
		_, conn := attachFake(t, srv, remote)
		conns = append(conns, conn)
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventuallyWait)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	assert.Zero(t, srv.Registry().Len())
	for _, conn := range conns {
		assert.Equal(t, 1, conn.closeCount())
	}

	_, err := srv.Attach(newFakeLineConn("late"))
	assert.ErrorIs(t, err, ErrServerClosed)
	assert.NoError(t, srv.Shutdown(ctx), "second shutdown is a no-op")
}
