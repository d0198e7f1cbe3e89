// Package server exposes the HTTP side of the relay: health checks,
// Prometheus metrics, and the WebSocket ingress that bridges browser clients
// onto the same session state machine as raw TCP.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Gateway serves the relay's HTTP endpoints and upgrades WebSocket clients
// into sessions.
type Gateway struct {
	srv      *Server
	metrics  *Metrics
	upgrader websocket.Upgrader
}

// NewGateway creates a Gateway feeding upgraded connections into srv. The
// WebSocket origin allowlist comes from cfg.AllowedOrigins.
func NewGateway(srv *Server, cfg Config, metrics *Metrics) *Gateway {
	policy := newOriginPolicy(cfg.AllowedOrigins)
	return &Gateway{
		srv:     srv,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.checkRequest,
		},
	}
}

// Routes configures and returns an HTTP ServeMux with the gateway's routes:
// health check, Prometheus metrics, and the WebSocket endpoint.
func (g *Gateway) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", g.WebSocketHandler)
	mux.Handle("/metrics", g.metrics.Handler())
	return mux
}

// WebSocketHandler upgrades the HTTP connection and hands it to the session
// machinery. A WebSocket client speaks the same protocol as a TCP client,
// one text frame per line: three handshake frames, then encoded message
// frames.
func (g *Gateway) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(int64(g.srv.cfg.MaxLineBytes))

	g.srv.StartSession(newWSConn(conn))
}

// HealthHandler provides a simple health check endpoint that returns server
// status as plain text.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Relay server is running!")
}

// CreateServer creates and configures an HTTP server with the specified
// address and handler. WebSocket connections are hijacked on upgrade, so the
// timeouts only govern plain HTTP requests.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartServer starts the HTTP server and begins listening for connections.
func StartServer(server *http.Server) error {
	log.Printf("HTTP server listening on %s", server.Addr)
	return server.ListenAndServe()
}

// ShutdownServer gracefully shuts down the HTTP server, waiting for active
// requests to finish or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	log.Println("Shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		return err
	}

	log.Println("HTTP server shutdown completed")
	return nil
}
