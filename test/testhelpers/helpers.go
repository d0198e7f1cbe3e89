// Package testhelpers provides common utilities for integration-testing the
// relay: starting a server on an ephemeral port, dialing it, and exchanging
// protocol lines with deadlines so a broken server fails tests instead of
// hanging them.
package testhelpers

import (
	"bufio"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/linewire/relay/internal/server"
	"github.com/linewire/relay/internal/store"
)

// Relay bundles a running relay server with the collaborators tests inspect.
type Relay struct {
	Server  *server.Server
	Hub     *server.Hub
	Store   *store.Store
	Metrics *server.Metrics
	Config  server.Config
}

// StartRelay starts a relay on an ephemeral port with a temporary data
// directory and registers shutdown with t.Cleanup.
func StartRelay(t *testing.T) *Relay {
	t.Helper()

	cfg := *server.NewConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DataDir = t.TempDir()
	cfg.RateLimit.Burst = 1000
	cfg.AllowedOrigins = []string{"*"}
	cfg.ShutdownTimeout = server.Duration(2 * time.Second)

	return startWithConfig(t, cfg)
}

// RestartRelay starts a fresh relay over an existing relay's data directory,
// simulating a process restart. The previous relay must already be shut
// down.
func RestartRelay(t *testing.T, prev *Relay) *Relay {
	t.Helper()

	cfg := prev.Config
	cfg.ListenAddr = "127.0.0.1:0"
	return startWithConfig(t, cfg)
}

func startWithConfig(t *testing.T, cfg server.Config) *Relay {
	t.Helper()

	st := store.New(cfg.DataDir)
	if err := st.LoadAll(); err != nil {
		t.Fatalf("loading store: %v", err)
	}

	metrics := server.NewMetrics()
	hub := server.NewHub(metrics)
	srv := server.New(cfg, st, hub, metrics)

	if err := srv.Listen(); err != nil {
		t.Fatalf("starting listener: %v", err)
	}
	go func() {
		_ = srv.Serve()
	}()
	t.Cleanup(func() {
		_ = srv.Shutdown()
	})

	return &Relay{Server: srv, Hub: hub, Store: st, Metrics: metrics, Config: cfg}
}

// Client is one TCP chat client connection.
type Client struct {
	Conn   net.Conn
	Reader *bufio.Reader
}

// Dial connects to the relay's chat listener.
func Dial(t *testing.T, r *Relay) *Client {
	t.Helper()

	conn, err := net.Dial("tcp", r.Server.Addr().String())
	if err != nil {
		t.Fatalf("dialing relay: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return &Client{Conn: conn, Reader: bufio.NewReader(conn)}
}

// Handshake sends the three plain-text handshake lines and returns the
// server's one-line response.
func (c *Client) Handshake(t *testing.T, action, username, password string) string {
	t.Helper()
	c.SendLine(t, action)
	c.SendLine(t, username)
	c.SendLine(t, password)
	return c.ReadLine(t)
}

// SendLine writes one newline-terminated line.
func (c *Client) SendLine(t *testing.T, line string) {
	t.Helper()
	if err := c.Conn.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("setting write deadline: %v", err)
	}
	if _, err := c.Conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("writing line %q: %v", line, err)
	}
}

// ReadLine reads one line, failing the test on error or timeout.
func (c *Client) ReadLine(t *testing.T) string {
	t.Helper()
	if err := c.Conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("setting read deadline: %v", err)
	}
	line, err := c.Reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// ExpectNoLine asserts that nothing arrives within the wait window.
func (c *Client) ExpectNoLine(t *testing.T, wait time.Duration) {
	t.Helper()
	if err := c.Conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		t.Fatalf("setting read deadline: %v", err)
	}
	if line, err := c.Reader.ReadString('\n'); err == nil {
		t.Fatalf("unexpected line: %q", line)
	}
}

// ExpectClosed asserts the server side has closed the connection.
func (c *Client) ExpectClosed(t *testing.T) {
	t.Helper()
	if err := c.Conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("setting read deadline: %v", err)
	}
	line, err := c.Reader.ReadString('\n')
	if err == nil {
		t.Fatalf("expected closed connection, got line %q", line)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatal("connection still open after wait")
	}
}

// WaitFor polls a condition until it holds or the deadline passes.
func WaitFor(t *testing.T, condition func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
