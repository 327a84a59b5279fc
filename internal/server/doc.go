// Package server implements the linechat relay: TCP and WebSocket sessions,
// the shared session registry, and the hub that broadcasts every received
// line to all connected clients.
//
// The implementation is organized into specialized files for configuration,
// sessions and their transports, the registry, the hub, the accept loop, and
// the HTTP gateway.
package server
