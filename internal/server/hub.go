// Package server coordinates session registration, message broadcast, and
// connection cleanup for the relay via the Hub type.
package server

import (
	"log"
	"sync"
	"time"
)

// Hub is the registry of live, authenticated sessions. Membership changes and
// snapshot copies are serialized by one mutex; the lock is never held across
// a network write, so a slow peer cannot stall unrelated sessions. Broadcast
// fan-out runs on the sending session's goroutine against a snapshot.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]bool
	wg       sync.WaitGroup
	metrics  *Metrics
}

// NewHub creates an empty Hub reporting to the given metrics collector.
func NewHub(metrics *Metrics) *Hub {
	return &Hub{
		sessions: make(map[*Session]bool),
		metrics:  metrics,
	}
}

// Add registers an authenticated session so it receives broadcasts. Only the
// session's own goroutine calls Add, after its handshake succeeds.
func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	s.closed = false
	h.sessions[s] = true
	count := len(h.sessions)
	h.mu.Unlock()

	h.metrics.ActiveSessions.Set(float64(count))
	log.Printf("Session %s registered as %q from %s. Total sessions: %d", s.id, s.username, s.addr, count)
}

// Remove deregisters a session and closes its send channel exactly once.
// Removing a session that was never added, or was already removed, is a
// no-op; every session exit path funnels through here.
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s)
	s.closed = true
	count := len(h.sessions)
	h.mu.Unlock()

	// Close the channel after releasing the lock.
	close(s.send)
	h.metrics.ActiveSessions.Set(float64(count))
	log.Printf("Session %s (%q) unregistered. Total sessions: %d", s.id, s.username, count)
}

// Len returns the number of registered sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Snapshot returns the set of registered sessions at call time.
func (h *Hub) Snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Relay delivers an encoded message line to every registered session except
// the sender. Delivery is fire-and-forget: a recipient whose send buffer is
// full has the message dropped and logged, but stays registered; its own
// read loop owns its lifecycle and will deregister it when the connection
// actually fails. Per-sender ordering is preserved because each session has a
// single reader and a single write pump.
func (h *Hub) Relay(encoded []byte, sender *Session) {
	sessions := h.Snapshot()

	for _, s := range sessions {
		if s == sender {
			continue
		}
		if h.trySend(s, encoded) {
			h.metrics.MessagesRelayed.Inc()
		} else {
			h.metrics.DeliveriesDropped.Inc()
			log.Printf("Dropped message for session %s (%q): send buffer full or session closing", s.id, s.username)
		}
	}
}

// trySend queues a message on the session's send channel without blocking.
// The read lock covers the membership check and the channel send so Remove
// cannot close the channel mid-send.
func (h *Hub) trySend(s *Session, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in trySend: %v", r)
		}
	}()

	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, exists := h.sessions[s]; !exists || s.closed {
		return false
	}

	select {
	case s.send <- message:
		return true
	default:
		return false
	}
}

// CloseAll force-closes every registered session's transport. Each session's
// read loop observes the close and tears itself down through Remove.
func (h *Hub) CloseAll() {
	sessions := h.Snapshot()

	for _, s := range sessions {
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing session %s connection: %v", s.id, err)
		}
	}

	if len(sessions) > 0 {
		log.Printf("Closed %d session connections", len(sessions))
	}
}

// track registers a session goroutine with the hub's wait group so Wait can
// block until every session has fully torn down.
func (h *Hub) track() func() {
	h.wg.Add(1)
	return h.wg.Done
}

// Wait blocks until all tracked session goroutines finish or the timeout
// elapses. It returns false on timeout.
func (h *Hub) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
