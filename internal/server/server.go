package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

// Server accepts clients, registers them, and runs one read loop per
// session. Connections may come from its own TCP listener or from a Gateway.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	registry *Registry
	hub      *Hub

	// admission is nil when the number of clients is unbounded.
	admission *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a relay with the given configuration. A nil logger
// selects slog.Default().
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = sanitizeConfig(cfg)
	registry := NewRegistry(cfg.Naming)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		hub:      NewHub(registry, logger),
	}
	if cfg.MaxClients > 0 {
		s.admission = semaphore.NewWeighted(int64(cfg.MaxClients))
	}
	return s
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config { return s.cfg }

// Registry exposes the live session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Hub exposes the broadcast hub.
func (s *Server) Hub() *Hub { return s.hub }

// Logger returns the status sink of the server.
func (s *Server) Logger() *slog.Logger { return s.logger }

// Clients lists the display names of the registered sessions.
func (s *Server) Clients() []string {
	sessions := s.registry.Snapshot()
	names := make([]string, 0, len(sessions))
	for _, session := range sessions {
		names = append(names, session.Name())
	}
	return names
}

// Addr returns the address the server is accepting on, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen binds the TCP listening socket. Failure is reported as *BindError.
func (s *Server) Listen() (net.Listener, error) {
	addr := s.cfg.Addr()
	s.logger.Info("binding", "addr", addr)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}
	return ln, nil
}

// ListenAndServe binds the configured address and serves it until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called, in which case it
// returns ErrServerClosed. Failures of single accept attempts are logged and
// retried after a short, growing pause.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("server started", "addr", ln.Addr().String())

	pause := &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    time.Second,
		Factor: 2,
	}
	for {
		s.logger.Debug("waiting for a client connection")
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			wait := pause.Duration()
			s.logger.Warn("accept failed", "error", err, "retry_in", wait)
			time.Sleep(wait)
			continue
		}
		pause.Reset()
		s.handleConn(conn)
	}
}

// handleConn turns an accepted TCP connection into a registered session.
func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	s.logger.Info("client accepted", "remote", remote)

	lc, err := newTCPLineConn(conn, s.cfg)
	if err != nil {
		s.logger.Error("connection setup failed", "remote", remote, "error", err)
		_ = conn.Close()
		return
	}
	if _, err := s.Attach(lc); err != nil {
		s.logger.Warn("connection abandoned", "remote", remote, "error", err)
	}
}

// Attach registers a new session over conn and starts its read loop in its
// own goroutine. On error conn has been closed.
func (s *Server) Attach(conn LineConn) (*Session, error) {
	if conn == nil {
		return nil, &ConnectionSetupError{Remote: "unknown", Err: errors.New("nil line connection")}
	}

	session, err := s.register(conn)
	if err != nil {
		if errors.Is(err, ErrAdmissionRejected) {
			s.logger.Warn("max clients reached; rejecting connection", "remote", conn.RemoteAddr(), "max_clients", s.cfg.MaxClients)
			_ = conn.WriteLine(serverFullLine)
		}
		_ = conn.Close()
		return nil, err
	}

	s.logger.Info("client connected",
		"name", session.Name(),
		"id", session.ID(),
		"remote", session.RemoteAddr(),
		"clients", s.registry.Len())

	go func() {
		defer s.wg.Done()
		defer s.release()
		s.serveSession(session)
	}()
	return session, nil
}

// register names and adds a session under mu, so Shutdown either sees it in
// the registry or Attach sees the server closed.
func (s *Server) register(conn LineConn) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServerClosed
	}
	if !s.admit() {
		return nil, ErrAdmissionRejected
	}

	session, err := NewSession(conn, s.registry.NextName())
	if err != nil {
		s.release()
		return nil, err
	}
	session.limiter = newRateLimiter(s.cfg.RateLimit)
	s.registry.Add(session)
	s.wg.Add(1)
	return session, nil
}

// serveSession is the read loop of one session. Every line is broadcast to
// all registered sessions; when the stream ends the session unregisters
// itself and releases its connection.
func (s *Server) serveSession(session *Session) {
	reason := "disconnected"
	defer func() {
		s.registry.Remove(session)
		if err := session.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn("error closing connection", "name", session.Name(), "id", session.ID(), "error", err)
		}
		s.logger.Info("client disconnected",
			"name", session.Name(),
			"id", session.ID(),
			"reason", reason,
			"clients", s.registry.Len())
	}()

	for {
		line, err := session.ReceiveLine()
		if err != nil {
			reason = terminationReason(err)
			return
		}

		if !session.allow() {
			s.logger.Warn("rate limit exceeded; discarding line",
				"name", session.Name(),
				"id", session.ID(),
				"burst", s.cfg.RateLimit.Burst,
				"interval", s.cfg.RateLimit.RefillInterval)
			continue
		}

		s.hub.Broadcast(session.Name(), line)
	}
}

func terminationReason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		return "disconnected"
	case errors.Is(err, ErrLineTooLong):
		return "line too long"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "idle timeout"
	case isExpectedCloseError(err):
		return "connection closed"
	default:
		return err.Error()
	}
}

func (s *Server) admit() bool {
	return s.admission == nil || s.admission.TryAcquire(1)
}

func (s *Server) release() {
	if s.admission != nil {
		s.admission.Release(1)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown stops accepting connections, closes every session, and waits for
// their read loops to finish or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	s.logger.Info("shutting down")

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}

	sessions := s.registry.Snapshot()
	for _, session := range sessions {
		if cerr := session.Close(); cerr != nil && !isExpectedCloseError(cerr) {
			err = multierr.Append(err, cerr)
		}
	}
	s.logger.Info("closed client connections", "count", len(sessions))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("shutdown complete")
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout reached; some sessions may still be running")
		err = multierr.Append(err, ctx.Err())
	}
	return err
}
