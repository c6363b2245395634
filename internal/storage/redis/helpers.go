package redis

import (
	"encoding/json"
	"fmt"

	"github.com/goodtune/beacond/internal/storage"
)

// encodeRecord serializes a queued session into its persisted form
func encodeRecord(item storage.QueuedSession) (string, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record %s: %w", item.ID, err)
	}
	return string(data), nil
}

// decodeRecord converts a stored record back into a queued session
func decodeRecord(id, data string) (storage.QueuedSession, error) {
	var item storage.QueuedSession
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return storage.QueuedSession{}, fmt.Errorf("%w: record %s: %v", storage.ErrCorrupt, id, err)
	}
	if item.ID == "" {
		item.ID = id
	}
	return item, nil
}
