// Package file implements the offline queue as a single JSON document on
// disk. Every mutation is a whole-document read-modify-write, and the write
// goes through a temporary file that is fsynced and renamed into place so a
// crash leaves either the previous or the new document, never a partial one.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goodtune/beacond/internal/storage"
	"github.com/rs/zerolog"
)

// ErrReadOnly is returned by writes on a queue opened with Options.ReadOnly.
var ErrReadOnly = errors.New("file queue: opened read-only")

// Options configures a file queue.
type Options struct {
	// MaxPending caps the number of queued items. Zero means unbounded.
	MaxPending int

	// ReadOnly is for inspecting a queue owned by another process: writes
	// fail and a corrupt document is reported, never moved aside.
	ReadOnly bool
}

// Queue implements storage.Queue on top of one JSON file.
type Queue struct {
	path       string
	maxPending int
	readOnly   bool
	logger     zerolog.Logger

	// mu serializes read-modify-write cycles between the tracker and the
	// sync client, which run in separate goroutines.
	mu sync.Mutex
}

// Open returns a queue persisted at path. The file is not created until the
// first write; a missing file reads as an empty queue.
func Open(path string, opts Options, logger zerolog.Logger) (*Queue, error) {
	if path == "" {
		return nil, fmt.Errorf("queue path is required")
	}
	if dir := filepath.Dir(path); dir != "." && !opts.ReadOnly {
		if err := storage.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
	}

	return &Queue{
		path:       path,
		maxPending: opts.MaxPending,
		readOnly:   opts.ReadOnly,
		logger:     logger.With().Str("component", "file-queue").Str("path", path).Logger(),
	}, nil
}

// Path returns the location of the queue document.
func (q *Queue) Path() string {
	return q.path
}

// Enqueue appends items and persists the queue.
func (q *Queue) Enqueue(ctx context.Context, items []storage.QueuedSession) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	if q.readOnly {
		return 0, ErrReadOnly
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	queue, err := q.load()
	if err != nil {
		return 0, err
	}
	queue = append(queue, items...)

	dropped := 0
	if q.maxPending > 0 && len(queue) > q.maxPending {
		dropped = len(queue) - q.maxPending
		queue = queue[dropped:]
	}

	if err := q.save(queue); err != nil {
		return 0, err
	}
	return dropped, nil
}

// PeekBatch returns up to n items from the head of the queue.
func (q *Queue) PeekBatch(ctx context.Context, n int) ([]storage.QueuedSession, error) {
	if n <= 0 {
		return []storage.QueuedSession{}, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queue, err := q.load()
	if err != nil {
		return nil, err
	}
	if n < len(queue) {
		queue = queue[:n]
	}
	return queue, nil
}

// RemoveByIDs drops every item whose id is listed and persists the rest in
// their original order.
func (q *Queue) RemoveByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if q.readOnly {
		return ErrReadOnly
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	queue, err := q.load()
	if err != nil {
		return err
	}

	remove := storage.IDSet(ids)
	kept := queue[:0]
	for _, item := range queue {
		if _, ok := remove[item.ID]; ok {
			continue
		}
		kept = append(kept, item)
	}

	return q.save(kept)
}

// Len returns the number of pending items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	queue, err := q.load()
	if err != nil {
		return 0, err
	}
	return len(queue), nil
}

// Close is a no-op; the queue holds no open handles between operations.
func (q *Queue) Close() error {
	return nil
}

// load reads the queue document. A missing document is an empty queue. An
// undecodable document is moved aside so the queue can keep accepting new
// sessions, and the error is logged. Read-only queues return ErrCorrupt and
// leave the document where it is.
func (q *Queue) load() ([]storage.QueuedSession, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []storage.QueuedSession{}, nil
		}
		return nil, fmt.Errorf("read queue: %w", err)
	}

	if len(data) == 0 {
		return []storage.QueuedSession{}, nil
	}

	var queue []storage.QueuedSession
	if err := json.Unmarshal(data, &queue); err != nil {
		if q.readOnly {
			return nil, fmt.Errorf("%w: %v", storage.ErrCorrupt, err)
		}
		aside := fmt.Sprintf("%s.corrupt-%d", q.path, time.Now().UnixMilli())
		if renameErr := os.Rename(q.path, aside); renameErr != nil {
			return nil, fmt.Errorf("%w: %v (could not move aside: %v)", storage.ErrCorrupt, err, renameErr)
		}
		q.logger.Error().
			Err(err).
			Str("moved_to", aside).
			Msg("Queue document is corrupt, starting with an empty queue")
		return []storage.QueuedSession{}, nil
	}
	if queue == nil {
		queue = []storage.QueuedSession{}
	}
	return queue, nil
}

// save writes the queue atomically: temporary file, fsync, rename, then
// fsync of the parent directory so the rename itself is durable.
func (q *Queue) save(queue []storage.QueuedSession) error {
	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}

	temporaryPath := q.path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temporary queue file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("write temporary queue file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("sync temporary queue file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("close temporary queue file: %w", err)
	}

	if err := os.Rename(temporaryPath, q.path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("rename queue file into place: %w", err)
	}

	if dir, err := os.Open(filepath.Dir(q.path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}

	return nil
}
