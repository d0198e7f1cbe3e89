// Package server accepts TCP connections and supervises one session
// goroutine per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/linewire/relay/internal/store"
)

// Server owns the TCP chat listener. Each accepted connection gets Nagle's
// algorithm disabled and a supervised session goroutine; one connection's
// failure never terminates the accept loop.
type Server struct {
	cfg     Config
	store   *store.Store
	hub     *Hub
	metrics *Metrics

	listener net.Listener
}

// New creates a Server. The configuration is sanitized so zero values fall
// back to defaults.
func New(cfg Config, st *store.Store, hub *Hub, metrics *Metrics) *Server {
	return &Server{
		cfg:     cfg.sanitized(),
		store:   st,
		hub:     hub,
		metrics: metrics,
	}
}

// Listen binds the TCP chat listener. Call Serve afterwards to accept
// connections.
func (srv *Server) Listen() error {
	listener, err := net.Listen("tcp", srv.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("binding chat listener on %s: %w", srv.cfg.ListenAddr, err)
	}
	srv.listener = listener
	log.Printf("Chat listener bound on %s", listener.Addr())
	return nil
}

// Addr returns the bound listener address. It is nil before Listen succeeds.
func (srv *Server) Addr() net.Addr {
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

// Serve accepts connections until the listener is closed. Accept errors for
// individual connections are logged and the loop continues.
func (srv *Server) Serve() error {
	if srv.listener == nil {
		return errors.New("server: Serve called before Listen")
	}

	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("Accept error: %v", err)
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := tcpConn.SetNoDelay(true); err != nil {
				log.Printf("Error disabling Nagle's algorithm for %s: %v", conn.RemoteAddr(), err)
			}
		}

		srv.StartSession(conn)
	}
}

// StartSession spawns a supervised session goroutine for an established
// transport. Both the TCP accept loop and the WebSocket gateway feed
// connections through here.
func (srv *Server) StartSession(conn net.Conn) {
	session := newSession(conn, srv.hub, srv.store, srv.metrics, srv.cfg)
	done := srv.hub.track()
	go func() {
		defer done()
		session.Run()
	}()
}

// Shutdown stops accepting connections, force-closes live sessions, and
// waits for their goroutines to finish within the configured timeout.
func (srv *Server) Shutdown() error {
	log.Println("Initiating relay shutdown...")

	if srv.listener != nil {
		if err := srv.listener.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing chat listener: %v", err)
		}
	}

	srv.hub.CloseAll()

	if !srv.hub.Wait(srv.cfg.ShutdownTimeout.Std()) {
		log.Println("Relay shutdown timeout reached, some sessions may still be running")
		return context.DeadlineExceeded
	}

	log.Println("Relay shutdown completed successfully")
	return nil
}
