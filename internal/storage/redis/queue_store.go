package redis

import (
	"context"
	"fmt"

	"github.com/goodtune/beacond/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Queue implements storage.Queue using a Redis list for ordering and a hash
// holding one JSON record per id.
type Queue struct {
	client     *redis.Client
	orderKey   string
	itemsKey   string
	maxPending int

	enqueue *redis.Script
	remove  *redis.Script
}

func newQueue(client *redis.Client, prefix string, maxPending int) *Queue {
	return &Queue{
		client:     client,
		orderKey:   fmt.Sprintf("%s:queue:order", prefix),
		itemsKey:   fmt.Sprintf("%s:queue:items", prefix),
		maxPending: maxPending,
		enqueue:    redis.NewScript(enqueueScript),
		remove:     redis.NewScript(removeScript),
	}
}

// Close closes the Redis connection
func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue appends items atomically and returns how many old items were
// dropped to respect the cap.
func (q *Queue) Enqueue(ctx context.Context, items []storage.QueuedSession) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	args := make([]interface{}, 0, 1+2*len(items))
	args = append(args, q.maxPending)
	for _, item := range items {
		record, err := encodeRecord(item)
		if err != nil {
			return 0, err
		}
		args = append(args, item.ID, record)
	}

	dropped, err := q.enqueue.Run(ctx, q.client, []string{q.orderKey, q.itemsKey}, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue sessions: %w", err)
	}
	return dropped, nil
}

// PeekBatch returns up to n items from the head of the queue
func (q *Queue) PeekBatch(ctx context.Context, n int) ([]storage.QueuedSession, error) {
	if n <= 0 {
		return []storage.QueuedSession{}, nil
	}

	ids, err := q.client.LRange(ctx, q.orderKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue order: %w", err)
	}
	if len(ids) == 0 {
		return []storage.QueuedSession{}, nil
	}

	values, err := q.client.HMGet(ctx, q.itemsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue records: %w", err)
	}

	batch := make([]storage.QueuedSession, 0, len(ids))
	for i, value := range values {
		// An id without a record was removed between the two reads
		data, ok := value.(string)
		if !ok {
			continue
		}
		item, err := decodeRecord(ids[i], data)
		if err != nil {
			return nil, err
		}
		batch = append(batch, item)
	}

	return batch, nil
}

// RemoveByIDs removes the listed ids; unknown ids are ignored
func (q *Queue) RemoveByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if err := q.remove.Run(ctx, q.client, []string{q.orderKey, q.itemsKey}, args...).Err(); err != nil {
		return fmt.Errorf("failed to remove sessions: %w", err)
	}
	return nil
}

// Len returns the number of pending items
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.orderKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return int(n), nil
}
