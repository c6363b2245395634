package presence

import (
	"time"

	"github.com/goodtune/beacond/internal/publish"
)

// TrackedDevice is a beacon that is currently considered present
type TrackedDevice struct {
	Address   string    `json:"address"`
	Name      string    `json:"name"`
	RSSI      int       `json:"rssi"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

func (d TrackedDevice) snapshotDevice() publish.Device {
	return publish.Device{
		Address: d.Address,
		Name:    d.Name,
		RSSI:    d.RSSI,
	}
}

// Config holds tracker configuration
type Config struct {
	MACFilter       string
	StaleAfter      time.Duration
	RefreshInterval time.Duration
	RSSIConcurrency int // 0 = unbounded
	Clock           Clock
}

const (
	// DefaultStaleAfter is how long a beacon may go without a signal reading
	DefaultStaleAfter = 10 * time.Second

	// DefaultRefreshInterval is the tracking cycle period
	DefaultRefreshInterval = 2 * time.Second
)
