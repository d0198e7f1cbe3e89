package server

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/linewire/relay/internal/cipher"
	"github.com/linewire/relay/internal/store"
)

// sessionFixture holds one running session and its client end.
type sessionFixture struct {
	conn   net.Conn
	reader *bufio.Reader
	done   chan struct{}
}

// startSession runs a full session state machine against an in-memory pipe
// and returns the client end.
func startSession(t *testing.T, hub *Hub, st *store.Store, metrics *Metrics, cfg Config) *sessionFixture {
	t.Helper()

	serverEnd, clientEnd := net.Pipe()
	s := newSession(serverEnd, hub, st, metrics, cfg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run()
	}()

	t.Cleanup(func() {
		_ = clientEnd.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session goroutine did not exit")
		}
	})

	return &sessionFixture{
		conn:   clientEnd,
		reader: bufio.NewReader(clientEnd),
		done:   done,
	}
}

func (f *sessionFixture) sendLine(t *testing.T, line string) {
	t.Helper()
	if err := f.conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("setting write deadline: %v", err)
	}
	if _, err := f.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("writing line %q: %v", line, err)
	}
}

func (f *sessionFixture) readLine(t *testing.T) string {
	t.Helper()
	if err := f.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("setting read deadline: %v", err)
	}
	line, err := f.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading line: %v", err)
	}
	return strings.TrimRight(line, "\n")
}

// handshake sends the three handshake lines and returns the server's reply.
func (f *sessionFixture) handshake(t *testing.T, action, username, password string) string {
	t.Helper()
	f.sendLine(t, action)
	f.sendLine(t, username)
	f.sendLine(t, password)
	return f.readLine(t)
}

// expectClosed waits for the session goroutine to finish.
func (f *sessionFixture) expectClosed(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
}

// TestSessionRegisterThenLogin covers the happy path for both handshake
// actions, including registry membership.
func TestSessionRegisterThenLogin(t *testing.T) {
	metrics := NewMetrics()
	hub := NewHub(metrics)
	st := store.New(t.TempDir())
	cfg := testConfig()

	reg := startSession(t, hub, st, metrics, cfg)
	if got := reg.handshake(t, "register", "alice", "secret"); got != "Registration successful." {
		t.Fatalf("register reply = %q", got)
	}
	// The reply is written before the session joins the registry.
	waitFor(t, func() bool { return hub.Len() == 1 }, "registered session to join the registry")

	login := startSession(t, hub, st, metrics, cfg)
	if got := login.handshake(t, "login", "alice", "secret"); got != "Welcome, alice!" {
		t.Fatalf("login reply = %q", got)
	}
	waitFor(t, func() bool { return hub.Len() == 2 }, "logged-in session to join the registry")
}

// TestSessionLoginRejected verifies wrong passwords and unknown users are
// denied and the session closes without registry membership.
func TestSessionLoginRejected(t *testing.T) {
	metrics := NewMetrics()
	hub := NewHub(metrics)
	st := store.New(t.TempDir())
	cfg := testConfig()

	if err := st.Register("alice", "secret"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	wrong := startSession(t, hub, st, metrics, cfg)
	if got := wrong.handshake(t, "login", "alice", "hunter2"); got != "Login failed: invalid username or password." {
		t.Fatalf("login reply = %q", got)
	}
	wrong.expectClosed(t)

	unknown := startSession(t, hub, st, metrics, cfg)
	if got := unknown.handshake(t, "login", "mallory", "secret"); got != "Login failed: invalid username or password." {
		t.Fatalf("login reply = %q", got)
	}
	unknown.expectClosed(t)

	if hub.Len() != 0 {
		t.Fatalf("hub.Len() = %d, want 0 after rejected handshakes", hub.Len())
	}
}

// TestSessionDuplicateRegistration verifies a second registration of the
// same name is refused and closes the session.
func TestSessionDuplicateRegistration(t *testing.T) {
	metrics := NewMetrics()
	hub := NewHub(metrics)
	st := store.New(t.TempDir())
	cfg := testConfig()

	first := startSession(t, hub, st, metrics, cfg)
	if got := first.handshake(t, "register", "alice", "secret"); got != "Registration successful." {
		t.Fatalf("first register reply = %q", got)
	}

	second := startSession(t, hub, st, metrics, cfg)
	if got := second.handshake(t, "register", "alice", "other"); got != "Registration failed: username already taken." {
		t.Fatalf("duplicate register reply = %q", got)
	}
	second.expectClosed(t)

	if !st.Authenticate("alice", "secret") {
		t.Error("original registration was altered by the duplicate attempt")
	}
}

// TestSessionInvalidAction verifies an unknown handshake action gets the
// invalid-action notice and an immediate close.
func TestSessionInvalidAction(t *testing.T) {
	metrics := NewMetrics()
	hub := NewHub(metrics)
	st := store.New(t.TempDir())

	f := startSession(t, hub, st, metrics, testConfig())
	if got := f.handshake(t, "subscribe", "alice", "secret"); !strings.HasPrefix(got, "Invalid action.") {
		t.Fatalf("invalid action reply = %q", got)
	}
	f.expectClosed(t)
	if hub.Len() != 0 {
		t.Fatalf("hub.Len() = %d, want 0", hub.Len())
	}
}

// TestSessionAbortedHandshake verifies a peer disconnecting mid-handshake
// just closes the session.
func TestSessionAbortedHandshake(t *testing.T) {
	metrics := NewMetrics()
	hub := NewHub(metrics)
	st := store.New(t.TempDir())

	f := startSession(t, hub, st, metrics, testConfig())
	f.sendLine(t, "login")
	_ = f.conn.Close()

	f.expectClosed(t)
	if hub.Len() != 0 {
		t.Fatalf("hub.Len() = %d, want 0", hub.Len())
	}
}

// TestSessionRelayAndArchive runs the core relay scenario end to end over pipes:
// bob's encoded message reaches alice verbatim, decodes correctly, is not
// echoed to bob, and the decoded text lands in bob's history.
func TestSessionRelayAndArchive(t *testing.T) {
	metrics := NewMetrics()
	hub := NewHub(metrics)
	st := store.New(t.TempDir())
	cfg := testConfig()

	alice := startSession(t, hub, st, metrics, cfg)
	if got := alice.handshake(t, "register", "alice", "secret"); got != "Registration successful." {
		t.Fatalf("alice register reply = %q", got)
	}
	bob := startSession(t, hub, st, metrics, cfg)
	if got := bob.handshake(t, "register", "bob", "hunter2"); got != "Registration successful." {
		t.Fatalf("bob register reply = %q", got)
	}
	waitFor(t, func() bool { return hub.Len() == 2 }, "both sessions to join the registry")

	encoded := cipher.Encode("bob: hi", cfg.Shift)
	bob.sendLine(t, encoded)

	if got := alice.readLine(t); got != encoded {
		t.Fatalf("alice received %q, want the still-encoded %q", got, encoded)
	}
	if decoded := cipher.Decode(encoded, cfg.Shift); decoded != "bob: hi" {
		t.Fatalf("decoded = %q, want %q", decoded, "bob: hi")
	}

	// The archive stores the decoded text under the sender.
	waitFor(t, func() bool {
		history, ok := st.History("bob")
		return ok && len(history) == 1 && history[0] == "bob: hi"
	}, "bob's history to contain the decoded message")

	// No echo back to the sender.
	if err := bob.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
		t.Fatalf("setting read deadline: %v", err)
	}
	if line, err := bob.reader.ReadString('\n'); err == nil {
		t.Fatalf("message echoed back to sender: %q", line)
	}
}

// TestSessionLogout verifies a decoded line containing the logout token ends
// the session without being relayed and leaves the peer unaffected.
func TestSessionLogout(t *testing.T) {
	metrics := NewMetrics()
	hub := NewHub(metrics)
	st := store.New(t.TempDir())
	cfg := testConfig()

	alice := startSession(t, hub, st, metrics, cfg)
	alice.handshake(t, "register", "alice", "secret")
	bob := startSession(t, hub, st, metrics, cfg)
	bob.handshake(t, "register", "bob", "hunter2")
	waitFor(t, func() bool { return hub.Len() == 2 }, "both sessions to join the registry")

	bob.sendLine(t, cipher.Encode("time to logout now", cfg.Shift))
	bob.expectClosed(t)

	waitFor(t, func() bool { return hub.Len() == 1 }, "bob to leave the registry")

	// The logout message was not relayed.
	if err := alice.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
		t.Fatalf("setting read deadline: %v", err)
	}
	if line, err := alice.reader.ReadString('\n'); err == nil {
		t.Fatalf("logout message was relayed: %q", line)
	}

	// Alice keeps working.
	alice.sendLine(t, cipher.Encode("alice: still here", cfg.Shift))
	waitFor(t, func() bool {
		history, ok := st.History("alice")
		return ok && len(history) == 1
	}, "alice's message to be archived after bob left")
}

// TestSessionOversizedLine verifies a line above MaxLineBytes closes the
// session.
func TestSessionOversizedLine(t *testing.T) {
	metrics := NewMetrics()
	hub := NewHub(metrics)
	st := store.New(t.TempDir())
	cfg := testConfig()
	cfg.MaxLineBytes = 64

	f := startSession(t, hub, st, metrics, cfg)
	f.handshake(t, "register", "alice", "secret")

	// The session closes mid-write once the limit trips, so the write error
	// is expected.
	_ = f.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = f.conn.Write([]byte(strings.Repeat("x", 200) + "\n"))
	f.expectClosed(t)
	if hub.Len() != 0 {
		t.Fatalf("hub.Len() = %d, want 0 after oversized line", hub.Len())
	}
}

// TestSessionRateLimitDiscards verifies messages beyond the burst are
// discarded without closing the session.
func TestSessionRateLimitDiscards(t *testing.T) {
	metrics := NewMetrics()
	hub := NewHub(metrics)
	st := store.New(t.TempDir())
	cfg := testConfig()
	cfg.RateLimit.Burst = 2
	cfg.RateLimit.RefillInterval = Duration(time.Hour)

	sender := startSession(t, hub, st, metrics, cfg)
	sender.handshake(t, "register", "alice", "secret")
	receiver := startSession(t, hub, st, metrics, cfg)
	receiver.handshake(t, "register", "bob", "hunter2")
	waitFor(t, func() bool { return hub.Len() == 2 }, "both sessions to join the registry")

	for i := 0; i < 5; i++ {
		sender.sendLine(t, cipher.Encode("alice: spam", cfg.Shift))
	}

	got := 0
	for i := 0; i < 5; i++ {
		if err := receiver.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
			t.Fatalf("setting read deadline: %v", err)
		}
		if _, err := receiver.reader.ReadString('\n'); err != nil {
			break
		}
		got++
	}
	if got != 2 {
		t.Fatalf("receiver got %d messages, want burst of 2", got)
	}

	// The throttled session is still alive and registered.
	if hub.Len() != 2 {
		t.Fatalf("hub.Len() = %d, want 2", hub.Len())
	}
}

func waitFor(t *testing.T, condition func() bool, what string) {
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
