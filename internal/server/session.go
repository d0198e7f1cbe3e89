// Package server manages individual client sessions, handling the
// authentication handshake, the message read loop, the write pump, and
// lifecycle control for each connection.
package server

import (
	"bufio"
	"errors"
	"log"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/linewire/relay/internal/cipher"
	"github.com/linewire/relay/internal/store"
)

// Handshake protocol lines. The action, username, and password travel in
// plain text; only message bodies after authentication are transformed.
const (
	actionLogin    = "login"
	actionRegister = "register"

	replyRegistered      = "Registration successful."
	replyDuplicateUser   = "Registration failed: username already taken."
	replyInvalidUsername = "Registration failed: invalid username."
	replyServerError     = "Registration failed: server error."
	replyLoginFailed     = "Login failed: invalid username or password."
	replyInvalidAction   = `Invalid action. Expected "login" or "register".`
)

// logoutToken ends the session when it appears anywhere in a decoded message
// body. The triggering message is not relayed.
const logoutToken = "logout"

const writeTimeout = 10 * time.Second

// Session is the server-side state machine for one client connection. It is
// driven by the goroutine that accepted the connection; a second goroutine
// runs the write pump once the session is registered. The states are
// Connecting (transport established), Authenticating (handshake in flight),
// Active (registered, relaying), and Closed.
type Session struct {
	id      string
	conn    net.Conn
	addr    string
	scanner *bufio.Scanner
	send    chan []byte

	hub     *Hub
	store   *store.Store
	metrics *Metrics
	limiter *rateLimiter

	shift        int
	maxLineBytes int

	username      string
	authenticated bool

	// closed is guarded by the hub's mutex, alongside registry membership.
	closed bool
}

// newSession creates a Session for an accepted connection. The send channel
// is buffered so the relay can queue messages without blocking on the peer.
func newSession(conn net.Conn, hub *Hub, st *store.Store, metrics *Metrics, cfg Config) *Session {
	// The scanner's maximum token size is the larger of the limit and the
	// initial buffer capacity, so the initial buffer must not exceed the
	// configured line limit.
	initial := cfg.MaxLineBytes
	if initial > 1024 {
		initial = 1024
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, initial), cfg.MaxLineBytes)

	return &Session{
		id:           uuid.NewString(),
		conn:         conn,
		addr:         conn.RemoteAddr().String(),
		scanner:      scanner,
		send:         make(chan []byte, 256),
		hub:          hub,
		store:        st,
		metrics:      metrics,
		limiter:      newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval.Std()),
		shift:        cfg.Shift,
		maxLineBytes: cfg.MaxLineBytes,
	}
}

// Run drives the session from accept to close. Every exit path, including
// handshake failures and transport errors, funnels through the deferred
// teardown: idempotent deregistration plus transport release. A session
// failure never affects the listener or other sessions.
func (s *Session) Run() {
	defer s.teardown()

	log.Printf("Session %s connected from %s", s.id, s.addr)

	if !s.authenticate() {
		return
	}

	s.hub.Add(s)
	go s.writePump()
	s.readLoop()
}

func (s *Session) teardown() {
	s.hub.Remove(s)
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		log.Printf("Error closing connection for session %s: %v", s.id, err)
	}
	log.Printf("Session %s closed", s.id)
}

// authenticate reads the three handshake lines (action, username, password)
// in fixed order, consults the store, and reports the outcome to the client
// on a single plain-text line. It returns true only when the session may
// enter the Active state.
func (s *Session) authenticate() bool {
	action, ok := s.readLine()
	if !ok {
		return false
	}
	username, ok := s.readLine()
	if !ok {
		return false
	}
	password, ok := s.readLine()
	if !ok {
		return false
	}

	switch action {
	case actionRegister:
		if !s.register(username, password) {
			return false
		}
	case actionLogin:
		if !s.store.Authenticate(username, password) {
			s.metrics.AuthAttempts.WithLabelValues(AuthRejected).Inc()
			log.Printf("Session %s: login rejected for %q", s.id, username)
			s.reply(replyLoginFailed)
			return false
		}
		s.reply("Welcome, " + username + "!")
	default:
		s.metrics.AuthAttempts.WithLabelValues(AuthInvalidAction).Inc()
		log.Printf("Session %s: invalid handshake action %q", s.id, action)
		s.reply(replyInvalidAction)
		return false
	}

	s.username = username
	s.authenticated = true
	s.metrics.AuthAttempts.WithLabelValues(AuthAccepted).Inc()
	return true
}

func (s *Session) register(username, password string) bool {
	err := s.store.Register(username, password)
	switch {
	case err == nil:
		s.metrics.Registrations.Inc()
		s.reply(replyRegistered)
		return true
	case errors.Is(err, store.ErrUserExists):
		s.metrics.AuthAttempts.WithLabelValues(AuthRejected).Inc()
		log.Printf("Session %s: registration rejected, %q already exists", s.id, username)
		s.reply(replyDuplicateUser)
	case errors.Is(err, store.ErrInvalidUsername):
		s.metrics.AuthAttempts.WithLabelValues(AuthRejected).Inc()
		log.Printf("Session %s: registration rejected, invalid username %q", s.id, username)
		s.reply(replyInvalidUsername)
	default:
		s.metrics.AuthAttempts.WithLabelValues(AuthRejected).Inc()
		log.Printf("Session %s: registration for %q failed: %v", s.id, username, err)
		s.reply(replyServerError)
	}
	return false
}

// readLoop relays encoded message lines until the peer disconnects, a
// protocol limit trips, or the decoded text carries the logout token. The
// line is relayed to peers still encoded; only the archive receives the
// decoded text.
func (s *Session) readLoop() {
	for {
		line, ok := s.readLine()
		if !ok {
			return
		}

		if !s.limiter.allow() {
			log.Printf("Rate limit exceeded for session %s (%q); discarding message", s.id, s.username)
			continue
		}

		decoded := cipher.Decode(line, s.shift)
		if strings.Contains(decoded, logoutToken) {
			log.Printf("Session %s (%q) logged out", s.id, s.username)
			return
		}

		s.hub.Relay([]byte(line), s)

		if err := s.store.AppendMessage(s.username, decoded); err != nil {
			log.Printf("Session %s: archiving message for %q failed: %v", s.id, s.username, err)
		}
	}
}

// readLine reads the next newline-terminated line. It returns false when the
// session must close: peer disconnect, transport error, or an over-long line.
func (s *Session) readLine() (string, bool) {
	if s.scanner.Scan() {
		return s.scanner.Text(), true
	}
	s.handleReadError(s.scanner.Err())
	return "", false
}

// handleReadError logs the terminal read outcome. A nil error is an ordinary
// EOF: the peer closed the connection.
func (s *Session) handleReadError(err error) {
	switch {
	case err == nil:
		log.Printf("Session %s disconnected", s.id)
	case errors.Is(err, bufio.ErrTooLong):
		log.Printf("Session %s: line exceeded maximum size of %d bytes", s.id, s.maxLineBytes)
	case isExpectedCloseError(err):
		log.Printf("Session %s connection closed: %v", s.id, err)
	default:
		log.Printf("Session %s read error: %v", s.id, err)
	}
}

// reply writes a single plain-text handshake response directly to the
// transport. The write pump is not running yet during the handshake, so the
// session goroutine owns the connection for writing.
func (s *Session) reply(line string) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		log.Printf("Error setting write deadline for session %s: %v", s.id, err)
		return
	}
	if _, err := s.conn.Write([]byte(line + "\n")); err != nil && !isExpectedCloseError(err) {
		log.Printf("Error writing handshake reply to session %s: %v", s.id, err)
	}
}

// writePump drains the send channel onto the transport, one line per queued
// message. It exits when the hub closes the channel on deregistration or
// when a write fails, closing the transport either way so the read loop
// unblocks.
func (s *Session) writePump() {
	defer func() {
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing connection in writePump for session %s: %v", s.id, err)
		}
	}()

	for message := range s.send {
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			log.Printf("Error setting write deadline for session %s: %v", s.id, err)
			return
		}
		// The relay hands the same payload slice to every recipient, so the
		// newline goes on a private copy.
		frame := make([]byte, 0, len(message)+1)
		frame = append(frame, message...)
		frame = append(frame, '\n')
		if _, err := s.conn.Write(frame); err != nil {
			if !isExpectedCloseError(err) {
				log.Printf("Error writing message to session %s: %v", s.id, err)
			}
			return
		}
	}
}

// isExpectedCloseError checks if an error is expected during connection
// closure on either transport.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe")
}
