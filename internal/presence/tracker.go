// Package presence turns periodic device sightings into presence sessions.
//
// Each cycle lists the visible devices, keeps the ones matching the address
// filter, refreshes their signal readings, and evicts every tracked beacon
// that has gone without a reading for longer than the staleness window. An
// evicted beacon becomes exactly one completed session, which is recorded in
// the history and queued for delivery.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/beacond/internal/bluetooth"
	"github.com/goodtune/beacond/internal/history"
	"github.com/goodtune/beacond/internal/metrics"
	"github.com/goodtune/beacond/internal/publish"
	"github.com/goodtune/beacond/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Tracker owns the set of present beacons
type Tracker struct {
	lister  bluetooth.Lister
	history *history.Store
	queue   storage.Queue
	sink    publish.Sink
	clock   Clock

	macFilter       string
	staleAfter      time.Duration
	refreshInterval time.Duration
	rssiConcurrency int

	logger zerolog.Logger

	// tickMu serializes cycles; mu guards the state read by status handlers
	tickMu     sync.Mutex
	mu         sync.RWMutex
	devices    map[string]*TrackedDevice
	lastUpdate time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a new presence tracker
func NewTracker(lister bluetooth.Lister, history *history.Store, queue storage.Queue, sink publish.Sink, config Config, logger zerolog.Logger) *Tracker {
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = DefaultRefreshInterval
	}
	if config.Clock == nil {
		config.Clock = RealClock{}
	}
	if sink == nil {
		sink = publish.Fanout{}
	}

	return &Tracker{
		lister:          lister,
		history:         history,
		queue:           queue,
		sink:            sink,
		clock:           config.Clock,
		macFilter:       config.MACFilter,
		staleAfter:      config.StaleAfter,
		refreshInterval: config.RefreshInterval,
		rssiConcurrency: config.RSSIConcurrency,
		devices:         make(map[string]*TrackedDevice),
		logger:          logger.With().Str("component", "presence-tracker").Logger(),
	}
}

type reading struct {
	device bluetooth.Observation
	rssi   int
	ok     bool
}

// Tick runs one tracking cycle. Concurrent calls are serialized. Controller
// and queue failures are logged and never abort the cycle.
func (t *Tracker) Tick(ctx context.Context) {
	t.tickMu.Lock()
	defer t.tickMu.Unlock()

	start := time.Now()
	defer func() {
		metrics.TrackerCycleDuration.Observe(time.Since(start).Seconds())
	}()

	observed, err := t.lister.List(ctx)
	if err != nil {
		metrics.ScannerErrors.WithLabelValues("list").Inc()
		t.logger.Warn().Err(err).Msg("Failed to list devices, sweeping tracked beacons only")
	}
	beacons := t.filter(observed)

	now := t.clock.Now()

	// Beacons that vanished from the listing entirely
	t.emit(ctx, t.evictStale(now))

	readings := t.readSignals(ctx, beacons)

	t.mu.Lock()
	for _, r := range readings {
		if !r.ok {
			continue
		}
		if existing, ok := t.devices[r.device.Address]; ok {
			existing.Name = r.device.Name
			existing.RSSI = r.rssi
			existing.LastSeen = now
			continue
		}
		t.devices[r.device.Address] = &TrackedDevice{
			Address:   r.device.Address,
			Name:      r.device.Name,
			RSSI:      r.rssi,
			FirstSeen: now,
			LastSeen:  now,
		}
		t.logger.Debug().
			Str("address", r.device.Address).
			Str("name", r.device.Name).
			Int("rssi", r.rssi).
			Msg("Beacon arrived")
	}
	t.mu.Unlock()

	// Beacons still listed whose reading failed this cycle
	t.emit(ctx, t.evictStale(t.clock.Now()))

	t.mu.Lock()
	t.lastUpdate = now
	tracked := len(t.devices)
	t.mu.Unlock()

	metrics.DevicesTracked.Set(float64(tracked))
	t.sink.Publish(t.Snapshot())
}

func (t *Tracker) filter(observed []bluetooth.Observation) []bluetooth.Observation {
	beacons := make([]bluetooth.Observation, 0, len(observed))
	for _, d := range observed {
		if bluetooth.MatchesFilter(d.Address, t.macFilter) {
			beacons = append(beacons, d)
		}
	}
	return beacons
}

// readSignals queries every beacon concurrently, bounded by rssiConcurrency
func (t *Tracker) readSignals(ctx context.Context, beacons []bluetooth.Observation) []reading {
	readings := make([]reading, len(beacons))

	var g errgroup.Group
	if t.rssiConcurrency > 0 {
		g.SetLimit(t.rssiConcurrency)
	}

	for i, d := range beacons {
		g.Go(func() error {
			readings[i].device = d
			rssi, err := t.lister.RSSI(ctx, d.Address)
			if err != nil {
				if !errors.Is(err, bluetooth.ErrNoRSSI) {
					metrics.ScannerErrors.WithLabelValues("rssi").Inc()
				}
				t.logger.Debug().Err(err).Str("address", d.Address).Msg("No signal reading")
				return nil
			}
			readings[i].rssi = rssi
			readings[i].ok = true
			return nil
		})
	}
	_ = g.Wait()

	return readings
}

// evictStale removes every beacon whose last reading is at or before
// now - staleAfter and returns them
func (t *Tracker) evictStale(now time.Time) []TrackedDevice {
	staleLimit := now.Add(-t.staleAfter)

	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []TrackedDevice
	for address, d := range t.devices {
		if d.LastSeen.After(staleLimit) {
			continue
		}
		evicted = append(evicted, *d)
		delete(t.devices, address)
	}

	sort.Slice(evicted, func(i, j int) bool {
		return evicted[i].Address < evicted[j].Address
	})
	return evicted
}

// emit turns evicted beacons into sessions. A failed enqueue is logged; the
// beacon stays evicted either way.
func (t *Tracker) emit(ctx context.Context, evicted []TrackedDevice) {
	if len(evicted) == 0 {
		return
	}

	items := make([]storage.QueuedSession, 0, len(evicted))
	for _, d := range evicted {
		session := storage.NewSession(d.Address, d.Name, d.FirstSeen, d.LastSeen)
		t.history.Append(session)

		item := storage.NewQueuedSession(session)
		items = append(items, item)

		metrics.SessionsEmitted.Inc()
		t.logger.Info().
			Str("session_id", item.ID).
			Str("address", d.Address).
			Str("name", d.Name).
			Dur("duration", session.Duration()).
			Msg("Beacon departed")
	}

	// Sessions are persisted even if the cycle's context is being cancelled
	dropped, err := t.queue.Enqueue(context.WithoutCancel(ctx), items)
	if err != nil {
		metrics.QueueErrors.WithLabelValues("enqueue").Inc()
		t.logger.Error().
			Err(err).
			Strs("session_ids", storage.IDs(items)).
			Msg("Failed to enqueue sessions")
		return
	}
	if dropped > 0 {
		metrics.QueueDropped.Add(float64(dropped))
		t.logger.Warn().
			Int("dropped", dropped).
			Msg("Offline queue full, dropped oldest sessions")
	}
}

// Devices returns the present beacons sorted by address
func (t *Tracker) Devices() []TrackedDevice {
	t.mu.RLock()
	defer t.mu.RUnlock()

	devices := make([]TrackedDevice, 0, len(t.devices))
	for _, d := range t.devices {
		devices = append(devices, *d)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Address < devices[j].Address
	})
	return devices
}

// LastUpdate returns the time of the most recent completed cycle
func (t *Tracker) LastUpdate() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastUpdate
}

// Snapshot returns the live view published after each cycle
func (t *Tracker) Snapshot() publish.Snapshot {
	devices := t.Devices()
	out := make([]publish.Device, len(devices))
	for i, d := range devices {
		out[i] = d.snapshotDevice()
	}
	return publish.NewSnapshot(out, t.LastUpdate())
}

// Start begins ticking every refresh interval. The first cycle runs
// immediately. Cycles that would overlap a slow one are skipped.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(1)
	go t.run(ctx)

	t.logger.Info().
		Str("mac_filter", t.macFilter).
		Dur("refresh_interval", t.refreshInterval).
		Dur("stale_after", t.staleAfter).
		Msg("Presence tracker started")
}

// Stop halts ticking and waits for the current cycle to finish
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.logger.Info().Msg("Presence tracker stopped")
}

// run is the main tracking loop
func (t *Tracker) run(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.refreshInterval)
	defer ticker.Stop()

	t.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			t.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}
