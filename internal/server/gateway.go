package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Gateway exposes the relay to browsers: every WebSocket opened on /ws
// becomes a session of the same Server as the TCP clients.
type Gateway struct {
	server     *Server
	origins    *originPolicy
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewGateway creates an HTTP gateway for srv listening on the configured
// WebSocketAddr.
func NewGateway(srv *Server) *Gateway {
	g := &Gateway{
		server:  srv,
		origins: newOriginPolicy(srv.cfg.AllowedOrigins, srv.logger),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.origins.check,
	}
	g.httpServer = CreateServer(srv.cfg.WebSocketAddr, g.Routes())
	return g
}

// CreateServer creates an HTTP server with the specified address and handler.
// Timeouts only cover the HTTP exchange; upgraded connections clear them.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Routes returns the gateway's ServeMux.
func (g *Gateway) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.HealthHandler)
	mux.HandleFunc("/ws", g.WebSocketHandler)
	return mux
}

// HealthHandler reports that the relay is up and how many clients it holds.
func (g *Gateway) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "linechat relay is running with %d client(s)\n", g.server.registry.Len())
}

// WebSocketHandler upgrades GET requests and attaches the connection to the
// relay.
func (g *Gateway) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		g.server.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	lc, err := newWSLineConn(conn, r.RemoteAddr, g.server.cfg)
	if err != nil {
		g.server.logger.Error("connection setup failed", "remote", r.RemoteAddr, "error", err)
		_ = conn.Close()
		return
	}
	if _, err := g.server.Attach(lc); err != nil {
		g.server.logger.Warn("connection abandoned", "remote", r.RemoteAddr, "error", err)
	}
}

// Listen binds the gateway address. Failure is reported as *BindError.
func (g *Gateway) Listen() (net.Listener, error) {
	addr := g.httpServer.Addr
	g.server.logger.Info("binding websocket gateway", "addr", addr)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}
	return ln, nil
}

// Serve handles HTTP requests on ln until Shutdown; it then returns
// http.ErrServerClosed.
func (g *Gateway) Serve(ln net.Listener) error {
	g.server.logger.Info("websocket gateway started", "addr", ln.Addr().String())
	return g.httpServer.Serve(ln)
}

// Shutdown stops the HTTP server. WebSocket sessions are hijacked
// connections and are closed by Server.Shutdown.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.server.logger.Info("shutting down websocket gateway")
	return g.httpServer.Shutdown(ctx)
}
