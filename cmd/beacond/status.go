package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/goodtune/beacond/internal/history"
	"github.com/goodtune/beacond/internal/presence"
	"github.com/goodtune/beacond/internal/storage"
	"github.com/rs/zerolog"
)

// trackerView is the part of the tracker the status endpoint reads
type trackerView interface {
	Devices() []presence.TrackedDevice
	LastUpdate() time.Time
}

// syncView is the part of the sync client the status endpoint reads
type syncView interface {
	Enabled() bool
	Connected() bool
	Backoff() time.Duration
	Pending(ctx context.Context) (int, error)
}

// statusReport is the body of GET /status
type statusReport struct {
	Devices     []presence.TrackedDevice `json:"devices"`
	LastUpdate  *time.Time               `json:"lastUpdate"`
	Pending     int                      `json:"pending"`
	SyncEnabled bool                     `json:"syncEnabled"`
	Connected   bool                     `json:"connected"`
	BackoffMs   int64                    `json:"backoffMs"`
	History     []storage.Session        `json:"history"`
}

func newStatusHandler(tracker trackerView, sync syncView, sessions *history.Store, logger zerolog.Logger) http.Handler {
	logger = logger.With().Str("component", "status").Logger()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		report := statusReport{
			Devices:     tracker.Devices(),
			SyncEnabled: sync.Enabled(),
			Connected:   sync.Connected(),
			BackoffMs:   sync.Backoff().Milliseconds(),
			History:     sessions.Recent(),
		}
		if last := tracker.LastUpdate(); !last.IsZero() {
			report.LastUpdate = &last
		}

		pending, err := sync.Pending(r.Context())
		if err != nil {
			logger.Error().Err(err).Msg("Failed to read pending count")
			http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
			return
		}
		report.Pending = pending

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			logger.Debug().Err(err).Msg("Failed to write status")
		}
	})
}
