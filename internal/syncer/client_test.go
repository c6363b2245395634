package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goodtune/beacond/internal/storage"
	"github.com/goodtune/beacond/internal/storage/file"
	"github.com/rs/zerolog"
)

// fakeServer is a central ingest API whose health and batch responses can
// be switched at runtime.
type fakeServer struct {
	*httptest.Server

	healthStatus atomic.Int32
	batchStatus  atomic.Int32
	healthHits   atomic.Int32

	mu      sync.Mutex
	batches [][]byte
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	s := &fakeServer{}
	s.healthStatus.Store(http.StatusOK)
	s.batchStatus.Store(http.StatusOK)

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/health":
			status := s.healthStatus.Load()
			s.healthHits.Add(1)
			w.WriteHeader(int(status))
		case r.Method == http.MethodPost && r.URL.Path == "/api/sessions/batch":
			body, _ := io.ReadAll(r.Body)
			s.mu.Lock()
			s.batches = append(s.batches, body)
			s.mu.Unlock()
			w.WriteHeader(int(s.batchStatus.Load()))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeServer) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.batches...)
}

func openQueue(t *testing.T) *file.Queue {
	t.Helper()
	q, err := file.Open(filepath.Join(t.TempDir(), "queue.json"), file.Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

func seed(t *testing.T, q storage.Queue, n int) []storage.QueuedSession {
	t.Helper()

	items := make([]storage.QueuedSession, n)
	for i := range items {
		items[i] = storage.NewQueuedSession(storage.Session{
			Address:    "AF:20:24:11:22:33",
			Name:       "beacon",
			FirstSeen:  int64(i) * 1000,
			LastSeen:   int64(i)*1000 + 500,
			DurationMs: 500,
		})
	}
	if _, err := q.Enqueue(context.Background(), items); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return items
}

func newTestClient(t *testing.T, q storage.Queue, url string) *Client {
	t.Helper()

	c, err := NewClient(q, Config{
		URL:            url,
		UnitID:         "gate-1",
		BatchSize:      100,
		RequestTimeout: time.Second,
		ProbeInterval:  20 * time.Millisecond,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func pending(t *testing.T, c *Client) int {
	t.Helper()
	n, err := c.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	return n
}

func TestUnreachableThenRecovered(t *testing.T) {
	srv := newFakeServer(t)
	q := openQueue(t)
	seed(t, q, 3)
	c := newTestClient(t, q, srv.URL+"/api")
	ctx := context.Background()

	// A rejected batch raises the backoff
	srv.batchStatus.Store(http.StatusInternalServerError)
	c.RunOnce(ctx)
	if got := c.Backoff(); got != 2*time.Second {
		t.Fatalf("expected backoff 2s after failed send, got %s", got)
	}

	// Health failures alone do not move the backoff
	srv.healthStatus.Store(http.StatusServiceUnavailable)
	c.RunOnce(ctx)
	if c.Connected() {
		t.Fatal("expected disconnected after failed health check")
	}
	if got := pending(t, c); got != 3 {
		t.Fatalf("expected 3 pending while unreachable, got %d", got)
	}
	if got := c.Backoff(); got != 2*time.Second {
		t.Fatalf("expected backoff unchanged by health failure, got %s", got)
	}

	srv.healthStatus.Store(http.StatusOK)
	srv.batchStatus.Store(http.StatusAccepted)
	c.RunOnce(ctx)

	if !c.Connected() {
		t.Fatal("expected connected after recovery")
	}
	if got := pending(t, c); got != 0 {
		t.Fatalf("expected 0 pending after accepted batch, got %d", got)
	}
	if got := c.Backoff(); got != time.Second {
		t.Fatalf("expected backoff reset to 1s, got %s", got)
	}
}

func TestReconnectAloneResetsBackoff(t *testing.T) {
	srv := newFakeServer(t)
	q := openQueue(t)
	items := seed(t, q, 2)
	c := newTestClient(t, q, srv.URL+"/api")
	ctx := context.Background()

	srv.batchStatus.Store(http.StatusInternalServerError)
	c.RunOnce(ctx)
	c.RunOnce(ctx)
	if got := c.Backoff(); got != 4*time.Second {
		t.Fatalf("expected backoff 4s after two failed sends, got %s", got)
	}

	srv.healthStatus.Store(http.StatusServiceUnavailable)
	c.RunOnce(ctx)
	if c.Connected() {
		t.Fatal("expected disconnected after failed health check")
	}

	// Nothing left to send, so only the reconnect can reset the backoff
	if err := q.RemoveByIDs(ctx, storage.IDs(items)); err != nil {
		t.Fatalf("drain queue: %v", err)
	}
	sent := len(srv.received())

	srv.healthStatus.Store(http.StatusOK)
	c.RunOnce(ctx)

	if !c.Connected() {
		t.Fatal("expected connected after health recovered")
	}
	if got := c.Backoff(); got != time.Second {
		t.Fatalf("expected backoff reset to 1s on reconnect, got %s", got)
	}
	if got := len(srv.received()); got != sent {
		t.Fatalf("expected no batch sent with an empty queue, got %d new", got-sent)
	}
}

func TestBackoffDoublesOnConsecutiveFailures(t *testing.T) {
	srv := newFakeServer(t)
	srv.batchStatus.Store(http.StatusBadGateway)
	q := openQueue(t)
	seed(t, q, 1)
	c := newTestClient(t, q, srv.URL+"/api")

	observed := []time.Duration{c.Backoff()}
	for i := 0; i < 2; i++ {
		c.RunOnce(context.Background())
		observed = append(observed, c.Backoff())
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i := range want {
		if observed[i] != want[i] {
			t.Fatalf("expected backoff sequence %v, got %v", want, observed)
		}
	}
	if got := pending(t, c); got != 1 {
		t.Fatalf("failed sends must not remove anything, got %d pending", got)
	}
}

func TestBackoffCapped(t *testing.T) {
	b := NewBackoff(time.Second, 60*time.Second)

	var last time.Duration
	for i := 0; i < 10; i++ {
		last = b.Fail()
	}
	if last != 60*time.Second {
		t.Fatalf("expected backoff capped at 60s, got %s", last)
	}

	b.Reset()
	if got := b.Current(); got != time.Second {
		t.Fatalf("expected reset to 1s, got %s", got)
	}
}

func TestBatchWireFormat(t *testing.T) {
	srv := newFakeServer(t)
	q := openQueue(t)
	items := seed(t, q, 2)
	c := newTestClient(t, q, srv.URL+"/api/")

	c.RunOnce(context.Background())

	batches := srv.received()
	if len(batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(batches))
	}

	var body struct {
		UnitID   string           `json:"unitId"`
		Sessions []map[string]any `json:"sessions"`
	}
	if err := json.Unmarshal(batches[0], &body); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if body.UnitID != "gate-1" {
		t.Errorf("expected unitId gate-1, got %q", body.UnitID)
	}
	if len(body.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(body.Sessions))
	}

	first := body.Sessions[0]
	for _, key := range []string{"id", "address", "name", "firstSeen", "lastSeen", "durationMs"} {
		if _, ok := first[key]; !ok {
			t.Errorf("session is missing %q: %v", key, first)
		}
	}
	if first["id"] != items[0].ID {
		t.Errorf("expected queue order to be preserved, got id %v", first["id"])
	}
	if len(first) != 6 {
		t.Errorf("unexpected extra fields: %v", first)
	}
}

func TestBatchSizeLimit(t *testing.T) {
	srv := newFakeServer(t)
	q := openQueue(t)
	seed(t, q, 5)

	c, err := NewClient(q, Config{URL: srv.URL + "/api", BatchSize: 2}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	c.RunOnce(context.Background())
	if got := pending(t, c); got != 3 {
		t.Fatalf("expected 3 pending after one batch of 2, got %d", got)
	}
}

// flakyRemoveQueue fails RemoveByIDs until healed
type flakyRemoveQueue struct {
	storage.Queue
	failRemove atomic.Bool
}

func (q *flakyRemoveQueue) RemoveByIDs(ctx context.Context, ids []string) error {
	if q.failRemove.Load() {
		return errors.New("read-only filesystem")
	}
	return q.Queue.RemoveByIDs(ctx, ids)
}

func TestAcknowledgedBatchIsNotResent(t *testing.T) {
	srv := newFakeServer(t)
	q := &flakyRemoveQueue{Queue: openQueue(t)}
	seed(t, q, 2)
	c := newTestClient(t, q, srv.URL+"/api")
	ctx := context.Background()

	q.failRemove.Store(true)
	c.RunOnce(ctx)
	if got := pending(t, c); got != 2 {
		t.Fatalf("expected sessions to remain after failed removal, got %d", got)
	}

	// Next attempt must not resend the acknowledged sessions
	c.RunOnce(ctx)
	if n := len(srv.received()); n != 1 {
		t.Fatalf("expected acknowledged batch not to be resent, got %d batches", n)
	}

	q.failRemove.Store(false)
	c.RunOnce(ctx)
	if got := pending(t, c); got != 0 {
		t.Fatalf("expected removal retry to drain the queue, got %d", got)
	}
	if n := len(srv.received()); n != 1 {
		t.Fatalf("expected exactly one batch sent, got %d", n)
	}
}

func TestInertWithoutURL(t *testing.T) {
	q := openQueue(t)
	seed(t, q, 1)
	c := newTestClient(t, q, "")

	c.Start()
	c.RunOnce(context.Background())
	c.Stop()

	if c.Enabled() || c.Connected() {
		t.Fatal("expected inert client")
	}
	if got := pending(t, c); got != 1 {
		t.Fatalf("expected queue untouched, got %d pending", got)
	}
}

func TestProbeTriggersImmediateSend(t *testing.T) {
	srv := newFakeServer(t)
	srv.healthStatus.Store(http.StatusServiceUnavailable)
	q := openQueue(t)
	seed(t, q, 1)
	c := newTestClient(t, q, srv.URL+"/api")

	// Make sure the regular schedule cannot be what delivers the batch
	c.backoff = NewBackoff(time.Hour, time.Hour)

	c.Start()
	defer c.Stop()

	// Wait for the first attempt to find the server down
	deadline := time.Now().Add(2 * time.Second)
	for srv.healthHits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Connected() {
		t.Fatal("expected disconnected after first attempt")
	}

	srv.healthStatus.Store(http.StatusOK)

	deadline = time.Now().Add(3 * time.Second)
	for len(srv.received()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(srv.received()) != 1 {
		t.Fatal("expected probe recovery to trigger an immediate send")
	}
}

func TestReconnectOnlyWhileDisconnected(t *testing.T) {
	srv := newFakeServer(t)
	q := openQueue(t)
	c := newTestClient(t, q, srv.URL+"/api")
	ctx := context.Background()

	c.backoff.Fail()
	if !c.reconnect(ctx) {
		t.Fatal("expected a fresh reconnect")
	}
	if !c.Connected() || c.Backoff() != time.Second {
		t.Fatalf("expected connected with backoff 1s, got connected=%v backoff=%s", c.Connected(), c.Backoff())
	}

	hits := srv.healthHits.Load()
	if c.reconnect(ctx) {
		t.Fatal("expected no reconnect while already connected")
	}
	if got := srv.healthHits.Load(); got != hits {
		t.Fatalf("expected no health request while connected, got %d", got-hits)
	}
}

func TestReconnectWaitsForRunningAttempt(t *testing.T) {
	srv := newFakeServer(t)
	q := openQueue(t)
	c := newTestClient(t, q, srv.URL+"/api")

	// Stand in for a RunOnce in progress
	c.sendMu.Lock()

	done := make(chan bool, 1)
	go func() {
		done <- c.reconnect(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("reconnect ran while an attempt held the send lock")
	case <-time.After(50 * time.Millisecond):
	}
	if got := srv.healthHits.Load(); got != 0 {
		t.Fatalf("expected no health request yet, got %d", got)
	}

	c.sendMu.Unlock()

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected reconnect once the attempt finished")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect did not finish")
	}
}
