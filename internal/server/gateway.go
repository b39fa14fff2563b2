// Package server exposes the HTTP surface: the WebSocket gateway upgrade,
// the health check, and the Prometheus metrics endpoint.
package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes wires the admin and gateway handlers into a ServeMux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.HandleFunc("/ws", s.websocketHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// healthHandler reports liveness and the current session count.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "ok sessions=%d ingress=%d\n", s.registry.Len(), s.engine.IngressLen())
}

// websocketHandler upgrades the HTTP connection and hands it to the same
// pipeline as the framed-TCP acceptor. One binary WebSocket message carries
// one codec body; the WebSocket layer provides the framing.
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if s.closing.Load() {
		http.Error(w, "Server is shutting down.", http.StatusServiceUnavailable)
		return
	}
	if s.atCapacity() {
		http.Error(w, "Server is at its connection limit.", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	// The request context ends when this handler returns; the connection
	// loops live on the server's lifecycle context instead.
	c := s.newConn(newWSTransport(wsConn, s.cfg.MaxFrameSize))
	c.start(s.lifecycleCtx())
}
