package publish

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type recordingSink struct {
	snapshots []Snapshot
}

func (r *recordingSink) Publish(s Snapshot) {
	r.snapshots = append(r.snapshots, s)
}

func TestFanoutPublishesToEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	Fanout{a, b}.Publish(NewSnapshot(nil, time.Unix(0, 0)))

	if len(a.snapshots) != 1 || len(b.snapshots) != 1 {
		t.Fatalf("expected one snapshot per sink, got %d and %d", len(a.snapshots), len(b.snapshots))
	}
}

func TestSnapshotJSON(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := NewSnapshot([]Device{{Address: "AF:20:24:11:22:33", Name: "Beacon", RSSI: -61}}, ts)

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	want := `{"count":1,"devices":[{"address":"AF:20:24:11:22:33","name":"Beacon","rssi":-61}],"ts":"2025-03-01T12:00:00Z"}`
	if string(data) != want {
		t.Fatalf("unexpected payload:\n got %s\nwant %s", data, want)
	}

	empty, _ := json.Marshal(NewSnapshot(nil, ts))
	if !strings.Contains(string(empty), `"devices":[]`) {
		t.Fatalf("expected empty device list, got %s", empty)
	}
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMQTT struct {
	mu        sync.Mutex
	connected bool
	published []string
	qos       []byte
	err       error
}

func (f *fakeMQTT) IsConnected() bool { return f.connected }

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topic+" "+string(payload.([]byte)))
	f.qos = append(f.qos, qos)
	return newFakeToken(f.err)
}

func (f *fakeMQTT) Disconnect(uint) {}

func TestMQTTSinkSkipsWhileDisconnected(t *testing.T) {
	client := &fakeMQTT{}
	sink := newMQTTSink(client, "beacon/devices", zerolog.Nop())

	sink.Publish(NewSnapshot(nil, time.Now()))

	if len(client.published) != 0 {
		t.Fatalf("expected nothing published while disconnected, got %v", client.published)
	}
}

func TestMQTTSinkPublishesQoS0(t *testing.T) {
	client := &fakeMQTT{connected: true, err: errors.New("broker gone")}
	sink := newMQTTSink(client, "beacon/devices", zerolog.Nop())

	sink.Publish(NewSnapshot([]Device{{Address: "AF:20:24:11:22:33", Name: "b", RSSI: -50}}, time.Now()))

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(client.published))
	}
	if !strings.HasPrefix(client.published[0], `beacon/devices {"count":1`) {
		t.Fatalf("unexpected publish: %s", client.published[0])
	}
	if client.qos[0] != 0 {
		t.Fatalf("expected QoS 0, got %d", client.qos[0])
	}
}

func TestMQTTClientID(t *testing.T) {
	id, err := mqttClientID("gate")
	if err != nil {
		t.Fatalf("client id: %v", err)
	}
	if !strings.HasPrefix(id, "gate_") || len(id) != len("gate_")+8 {
		t.Fatalf("unexpected client id %q", id)
	}

	other, _ := mqttClientID("gate")
	if other == id {
		t.Fatalf("expected random suffix, got %q twice", id)
	}

	def, _ := mqttClientID("")
	if !strings.HasPrefix(def, "beacond_") {
		t.Fatalf("unexpected default client id %q", def)
	}
}

func TestHubStreamsSnapshots(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	hub.Publish(NewSnapshot([]Device{{Address: "AF:20:24:00:00:01", Name: "first"}}, time.Now()))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readSnapshot := func() Snapshot {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var snap Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			t.Fatalf("read: %v", err)
		}
		return snap
	}

	// Latest snapshot is replayed on connect
	if snap := readSnapshot(); snap.Devices[0].Name != "first" {
		t.Fatalf("expected replayed snapshot, got %+v", snap)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(NewSnapshot([]Device{{Address: "AF:20:24:00:00:02", Name: "second"}}, time.Now()))
	if snap := readSnapshot(); snap.Count != 1 || snap.Devices[0].Name != "second" {
		t.Fatalf("expected live snapshot, got %+v", snap)
	}
}
