// Package publish fans the tracker's live snapshot out to broadcast targets.
// Every sink is fire-and-forget: failures are logged and counted, never
// returned to the tracker.
package publish

import "time"

// Device is one present beacon in a snapshot.
type Device struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	RSSI    int    `json:"rssi"`
}

// Snapshot is the set of present beacons at the end of a tracking cycle.
type Snapshot struct {
	Count   int       `json:"count"`
	Devices []Device  `json:"devices"`
	TS      time.Time `json:"ts"`
}

// NewSnapshot builds a snapshot stamped with ts. devices is used as given.
func NewSnapshot(devices []Device, ts time.Time) Snapshot {
	if devices == nil {
		devices = []Device{}
	}
	return Snapshot{
		Count:   len(devices),
		Devices: devices,
		TS:      ts.UTC(),
	}
}

// Sink receives live snapshots.
type Sink interface {
	Publish(snapshot Snapshot)
}

// Fanout publishes to every sink in order.
type Fanout []Sink

// Publish implements Sink
func (f Fanout) Publish(snapshot Snapshot) {
	for _, sink := range f {
		sink.Publish(snapshot)
	}
}
