// Package syncer delivers queued sessions to the central server.
//
// A single loop sends one batch per attempt and then sleeps for the current
// backoff. The backoff doubles after each failed send and resets after a
// successful one. While the server is unreachable a separate probe checks
// its health on a fixed interval and wakes the loop as soon as it answers,
// so recovery does not wait for a long backoff to elapse.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/beacond/internal/metrics"
	"github.com/goodtune/beacond/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const (
	healthPath = "/health"
	batchPath  = "/sessions/batch"

	// DefaultBatchSize is the most sessions sent in one request
	DefaultBatchSize = 100

	// DefaultRequestTimeout bounds each health and batch request
	DefaultRequestTimeout = 5 * time.Second

	// DefaultProbeInterval is how often health is checked while disconnected
	DefaultProbeInterval = 30 * time.Second

	// DefaultInitialBackoff is the delay after a success and the reset value
	DefaultInitialBackoff = time.Second

	// DefaultMaxBackoff caps the doubling delay
	DefaultMaxBackoff = 60 * time.Second

	// DefaultAckCacheSize is how many accepted but unremoved ids are remembered
	DefaultAckCacheSize = 1024
)

// Config holds sync client configuration
type Config struct {
	URL            string
	UnitID         string
	BatchSize      int
	RequestTimeout time.Duration
	ProbeInterval  time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AckCacheSize   int
	HTTPClient     *http.Client
}

// batchRequest is the body of POST /sessions/batch
type batchRequest struct {
	UnitID   string                  `json:"unitId"`
	Sessions []storage.QueuedSession `json:"sessions"`
}

// Client drains the offline queue into the central ingest API
type Client struct {
	baseURL        string
	unitID         string
	batchSize      int
	requestTimeout time.Duration
	probeInterval  time.Duration

	queue   storage.Queue
	http    *http.Client
	backoff *Backoff
	logger  zerolog.Logger

	// acked holds ids the server accepted but that could not be removed
	// locally; they are never sent again while removal is retried
	acked *lru.Cache[string, struct{}]

	mu        sync.RWMutex
	connected bool

	sendMu   sync.Mutex
	kick     chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient creates a sync client. An empty URL yields an inert client.
func NewClient(queue storage.Queue, config Config, logger zerolog.Logger) (*Client, error) {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = DefaultProbeInterval
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultInitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	if config.AckCacheSize <= 0 {
		config.AckCacheSize = DefaultAckCacheSize
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}

	acked, err := lru.New[string, struct{}](config.AckCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create ack cache: %w", err)
	}

	c := &Client{
		baseURL:        strings.TrimRight(config.URL, "/"),
		unitID:         config.UnitID,
		batchSize:      config.BatchSize,
		requestTimeout: config.RequestTimeout,
		probeInterval:  config.ProbeInterval,
		queue:          queue,
		http:           config.HTTPClient,
		backoff:        NewBackoff(config.InitialBackoff, config.MaxBackoff),
		logger:         logger.With().Str("component", "syncer").Logger(),
		acked:          acked,
		kick:           make(chan struct{}, 1),
		stopChan:       make(chan struct{}),
	}
	metrics.SyncBackoff.Set(c.backoff.Current().Seconds())

	return c, nil
}

// Enabled reports whether a central server is configured
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// Connected reports whether the last health probe succeeded
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Backoff returns the delay before the next scheduled attempt
func (c *Client) Backoff() time.Duration {
	return c.backoff.Current()
}

// Pending returns the number of sessions awaiting delivery
func (c *Client) Pending(ctx context.Context) (int, error) {
	n, err := c.queue.Len(ctx)
	if err != nil {
		return 0, err
	}
	metrics.QueuePending.Set(float64(n))
	return n, nil
}

// setConnected records probe results and returns true on a fresh reconnect
func (c *Client) setConnected(connected bool) bool {
	c.mu.Lock()
	was := c.connected
	c.connected = connected
	c.mu.Unlock()

	if connected {
		metrics.SyncConnected.Set(1)
	} else {
		metrics.SyncConnected.Set(0)
	}

	switch {
	case connected && !was:
		c.backoff.Reset()
		metrics.SyncBackoff.Set(c.backoff.Current().Seconds())
		c.logger.Info().Str("url", c.baseURL).Msg("Central server reachable")
		return true
	case !connected && was:
		c.logger.Warn().Str("url", c.baseURL).Msg("Central server unreachable")
	}
	return false
}

// RunOnce performs a single sync attempt: probe, then send one batch
func (c *Client) RunOnce(ctx context.Context) {
	if !c.Enabled() {
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.probe(ctx); err != nil {
		c.setConnected(false)
		c.logger.Debug().Err(err).Dur("backoff", c.backoff.Current()).Msg("Health check failed")
		return
	}
	c.setConnected(true)

	defer func() {
		_, _ = c.Pending(ctx)
	}()

	c.retryRemovals(ctx)

	batch, err := c.nextBatch(ctx)
	if err != nil {
		metrics.QueueErrors.WithLabelValues("peek").Inc()
		c.logger.Error().Err(err).Msg("Failed to read offline queue")
		return
	}
	if len(batch) == 0 {
		return
	}

	if err := c.send(ctx, batch); err != nil {
		next := c.backoff.Fail()
		metrics.SyncBatches.WithLabelValues("failure").Inc()
		metrics.SyncBackoff.Set(next.Seconds())
		c.logger.Warn().
			Err(err).
			Int("batch_size", len(batch)).
			Dur("backoff", next).
			Msg("Failed to send session batch")
		return
	}

	c.backoff.Reset()
	metrics.SyncBatches.WithLabelValues("success").Inc()
	metrics.SyncSessionsSent.Add(float64(len(batch)))
	metrics.SyncBackoff.Set(c.backoff.Current().Seconds())

	ids := storage.IDs(batch)
	if err := c.queue.RemoveByIDs(ctx, ids); err != nil {
		for _, id := range ids {
			c.acked.Add(id, struct{}{})
		}
		metrics.QueueErrors.WithLabelValues("remove").Inc()
		c.logger.Error().
			Err(err).
			Int("batch_size", len(batch)).
			Msg("Batch accepted but could not be removed from the queue")
		return
	}

	c.logger.Info().Int("batch_size", len(batch)).Msg("Sent session batch")
}

// retryRemovals drops sessions the server already accepted
func (c *Client) retryRemovals(ctx context.Context) {
	ids := c.acked.Keys()
	if len(ids) == 0 {
		return
	}
	if err := c.queue.RemoveByIDs(ctx, ids); err != nil {
		metrics.QueueErrors.WithLabelValues("remove").Inc()
		c.logger.Warn().Err(err).Int("count", len(ids)).Msg("Still unable to remove acknowledged sessions")
		return
	}
	for _, id := range ids {
		c.acked.Remove(id)
	}
}

// nextBatch peeks the head of the queue, skipping acknowledged ids
func (c *Client) nextBatch(ctx context.Context) ([]storage.QueuedSession, error) {
	items, err := c.queue.PeekBatch(ctx, c.batchSize+c.acked.Len())
	if err != nil {
		return nil, err
	}

	batch := make([]storage.QueuedSession, 0, c.batchSize)
	for _, item := range items {
		if c.acked.Contains(item.ID) {
			continue
		}
		batch = append(batch, item)
		if len(batch) == c.batchSize {
			break
		}
	}
	return batch, nil
}

// Check probes the central server once without touching connection state
func (c *Client) Check(ctx context.Context) error {
	if !c.Enabled() {
		return fmt.Errorf("no central server configured")
	}
	return c.probe(ctx)
}

// probe issues GET /health; any 2xx means reachable
func (c *Client) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	return c.do(req)
}

// send issues POST /sessions/batch; any 2xx means the whole batch is accepted
func (c *Client) send(ctx context.Context, batch []storage.QueuedSession) error {
	body, err := json.Marshal(batchRequest{UnitID: c.unitID, Sessions: batch})
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+batchPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %s", req.Method, req.URL.Path, resp.Status)
	}
	return nil
}

// Start begins the send loop and the connectivity probe. It does nothing
// when no URL is configured.
func (c *Client) Start() {
	if !c.Enabled() {
		c.logger.Info().Msg("No central server configured, sync disabled")
		return
	}

	c.wg.Add(2)
	go c.run()
	go c.probeLoop()

	c.logger.Info().
		Str("url", c.baseURL).
		Str("unit_id", c.unitID).
		Int("batch_size", c.batchSize).
		Msg("Sync client started")
}

// Stop halts scheduling. A request already in flight runs to completion
// under its own timeout.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()
	if c.Enabled() {
		c.logger.Info().Msg("Sync client stopped")
	}
}

// run is the main send loop
func (c *Client) run() {
	defer c.wg.Done()

	for {
		c.RunOnce(context.Background())

		select {
		case <-time.After(c.backoff.Current()):
		case <-c.kick:
		case <-c.stopChan:
			return
		}
	}
}

// probeLoop checks health on a fixed interval while disconnected and wakes
// the send loop on recovery
func (c *Client) probeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.reconnect(context.Background()) {
				select {
				case c.kick <- struct{}{}:
				default:
				}
			}
		case <-c.stopChan:
			return
		}
	}
}

// reconnect probes health while disconnected and reports a fresh reconnect.
// It holds sendMu so it never interleaves with RunOnce's own probe.
func (c *Client) reconnect(ctx context.Context) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.Connected() {
		return false
	}
	if err := c.probe(ctx); err != nil {
		return false
	}
	return c.setConnected(true)
}
