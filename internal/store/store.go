// Package store maintains the directory of registered users: each user has a
// bcrypt password verifier and an append-ordered message history, mirrored to
// one durable text file per user. The in-memory map and its file mirror are
// kept consistent by write-through on every mutation.
package store

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUserExists is returned by Register when the username is taken.
	ErrUserExists = errors.New("store: user already exists")

	// ErrInvalidUsername is returned by Register when the username does not
	// satisfy the username policy.
	ErrInvalidUsername = errors.New("store: invalid username")
)

// Usernames name files on disk, so the accepted alphabet is restricted.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,32}$`)

// User is a registered account. History is ordered newest-first, matching the
// on-disk record so a reload reproduces memory exactly.
type User struct {
	Username string
	Verifier string
	History  []string
}

// Store is the user directory. A single mutex serializes every operation;
// registration, authentication, and append rates are low relative to the file
// I/O each one performs, so finer-grained locking buys nothing here.
type Store struct {
	mu    sync.Mutex
	dir   string
	users map[string]*User
}

// New creates a Store backed by the given directory. Call LoadAll before
// serving traffic to pick up records from previous runs.
func New(dir string) *Store {
	return &Store{
		dir:   dir,
		users: make(map[string]*User),
	}
}

// Register creates a new user with a bcrypt verifier derived from password
// and persists the record immediately. It returns ErrUserExists if the
// username is already taken and ErrInvalidUsername if the username fails the
// policy check. If the durable record cannot be written the in-memory entry
// is rolled back and the registration fails.
func (s *Store) Register(username, password string) error {
	if !usernamePattern.MatchString(username) {
		return ErrInvalidUsername
	}

	verifier, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("deriving verifier for %q: %w", username, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return ErrUserExists
	}

	user := &User{Username: username, Verifier: string(verifier)}
	s.users[username] = user

	if err := s.saveLocked(user); err != nil {
		delete(s.users, username)
		return fmt.Errorf("persisting user %q: %w", username, err)
	}
	return nil
}

// Authenticate reports whether username is registered and password matches
// its stored verifier.
func (s *Store) Authenticate(username, password string) bool {
	s.mu.Lock()
	user, exists := s.users[username]
	s.mu.Unlock()

	if !exists {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.Verifier), []byte(password)) == nil
}

// AppendMessage prepends text to the user's history and rewrites the user's
// durable record in full. Unknown usernames are a no-op: the caller is always
// an authenticated session, so the user should exist.
func (s *Store) AppendMessage(username, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[username]
	if !exists {
		return nil
	}

	user.History = append([]string{text}, user.History...)
	if err := s.saveLocked(user); err != nil {
		return fmt.Errorf("persisting history for %q: %w", username, err)
	}
	return nil
}

// History returns a copy of the user's message history, newest-first. The
// second return value reports whether the user exists.
func (s *Store) History(username string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[username]
	if !exists {
		return nil, false
	}
	return append([]string(nil), user.History...), true
}

// Count returns the number of registered users.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// LoadAll scans the data directory once at startup and reconstructs a User
// from every record found. Malformed records are logged and skipped; they
// never abort the load.
func (s *Store) LoadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading data directory %q: %w", s.dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		user, err := loadRecord(path)
		if err != nil {
			log.Printf("Skipping unreadable user record %s: %v", path, err)
			continue
		}
		s.users[user.Username] = user
	}
	return nil
}

// saveLocked rewrites the user's durable record: username line, verifier
// line, then every history entry one per line, most-recent-first. Callers
// must hold s.mu.
func (s *Store) saveLocked(user *User) error {
	var b strings.Builder
	b.WriteString(user.Username)
	b.WriteByte('\n')
	b.WriteString(user.Verifier)
	b.WriteByte('\n')
	for _, msg := range user.History {
		b.WriteString(msg)
		b.WriteByte('\n')
	}

	path := filepath.Join(s.dir, user.Username+".txt")
	return os.WriteFile(path, []byte(b.String()), 0o600)
}

// loadRecord parses one durable record. Line order matches saveLocked, so
// history entries are read back newest-first.
func loadRecord(path string) (*User, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("record is missing the username line")
	}
	username := scanner.Text()
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("record has invalid username %q", username)
	}

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("record is missing the verifier line")
	}
	user := &User{Username: username, Verifier: scanner.Text()}

	for scanner.Scan() {
		user.History = append(user.History, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return user, nil
}
