package storage

import (
	"time"

	"github.com/google/uuid"
)

// Session is a completed presence interval for one beacon. Timestamps are
// epoch milliseconds, matching the persisted queue and the ingest wire format.
type Session struct {
	Address    string `json:"address"`
	Name       string `json:"name"`
	FirstSeen  int64  `json:"firstSeen"`
	LastSeen   int64  `json:"lastSeen"`
	DurationMs int64  `json:"durationMs"`
}

// NewSession builds a Session from the first and last sighting of a beacon.
func NewSession(address, name string, firstSeen, lastSeen time.Time) Session {
	first := firstSeen.UnixMilli()
	last := lastSeen.UnixMilli()
	return Session{
		Address:    address,
		Name:       name,
		FirstSeen:  first,
		LastSeen:   last,
		DurationMs: last - first,
	}
}

// Duration returns the session length.
func (s Session) Duration() time.Duration {
	return time.Duration(s.DurationMs) * time.Millisecond
}

// QueuedSession is a Session awaiting delivery, keyed by a unique id that
// the central server uses to acknowledge and deduplicate.
type QueuedSession struct {
	ID string `json:"id"`
	Session
}

// NewQueuedSession wraps a session with a fresh random id.
func NewQueuedSession(session Session) QueuedSession {
	return QueuedSession{
		ID:      uuid.NewString(),
		Session: session,
	}
}

// IDs returns the ids of items in order.
func IDs(items []QueuedSession) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}
