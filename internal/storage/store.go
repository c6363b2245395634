package storage

import (
	"context"
	"errors"
)

// ErrCorrupt is returned when a persisted queue document cannot be decoded.
var ErrCorrupt = errors.New("storage: queue document is corrupt")

// Queue is the durable, ordered, at-least-once delivery buffer for sessions
// awaiting transmission. Items leave the queue only through RemoveByIDs,
// once the central server has acknowledged them.
type Queue interface {
	// Enqueue appends items and persists the result before returning.
	// When the queue is capped, the oldest items beyond the cap are
	// dropped and their count is returned.
	Enqueue(ctx context.Context, items []QueuedSession) (dropped int, err error)

	// PeekBatch returns up to n items from the head without removing them.
	PeekBatch(ctx context.Context, n int) ([]QueuedSession, error)

	// RemoveByIDs removes every item whose id is in ids, preserving the
	// relative order of the rest.
	RemoveByIDs(ctx context.Context, ids []string) error

	// Len returns the number of pending items.
	Len(ctx context.Context) (int, error)

	Close() error
}
