// Package history keeps a bounded, in-memory record of completed sessions
// for the status endpoint and the CLI.
package history

import (
	"sync"

	"github.com/goodtune/beacond/internal/storage"
)

// DefaultMaxSessions is used when a non-positive capacity is given.
const DefaultMaxSessions = 200

// Store is an append-only session history. When it grows past its capacity
// the oldest sessions are dropped first.
type Store struct {
	sessions []storage.Session
	max      int
	mu       sync.RWMutex
}

// NewStore creates a history holding at most max sessions
func NewStore(max int) *Store {
	if max <= 0 {
		max = DefaultMaxSessions
	}
	return &Store{
		sessions: make([]storage.Session, 0, max),
		max:      max,
	}
}

// Append adds a session to the end of the history
func (s *Store) Append(session storage.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = append(s.sessions, session)
	if over := len(s.sessions) - s.max; over > 0 {
		// Copy down instead of reslicing so the backing array does not grow forever
		n := copy(s.sessions, s.sessions[over:])
		s.sessions = s.sessions[:n]
	}
}

// All returns a copy of the history in insertion order
func (s *Store) All() []storage.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.Session, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// Recent returns a copy of the history, newest first
func (s *Store) Recent() []storage.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.Session, len(s.sessions))
	for i, session := range s.sessions {
		out[len(s.sessions)-1-i] = session
	}
	return out
}

// Len returns the number of sessions held
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Cap returns the configured capacity
func (s *Store) Cap() int {
	return s.max
}
