package bluetooth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseDevices(t *testing.T) {
	output := strings.Join([]string{
		"Device AF:20:24:11:22:33 Lobby Beacon",
		"[NEW] Device 11:22:33:44:55:66 Phone  ",
		"Device AF:20:24:AA:BB:CC ",
		"Controller 00:1A:7D:DA:71:13 host [default]",
		"",
	}, "\n")

	devices := ParseDevices(output)

	want := []Observation{
		{Address: "AF:20:24:11:22:33", Name: "Lobby Beacon"},
		{Address: "11:22:33:44:55:66", Name: "Phone"},
		{Address: "AF:20:24:AA:BB:CC", Name: UnnamedDevice},
	}
	if len(devices) != len(want) {
		t.Fatalf("expected %d devices, got %d: %+v", len(want), len(devices), devices)
	}
	for i := range want {
		if devices[i] != want[i] {
			t.Errorf("device %d: expected %+v, got %+v", i, want[i], devices[i])
		}
	}
}

func TestParseRSSI(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    int
		wantErr bool
	}{
		{name: "negative", output: "Device AF:20:24:11:22:33\n\tRSSI: -67\n", want: -67},
		{name: "hex annotated", output: "\tRSSI: 0xffffffb5 (-75)\n", want: -75},
		{name: "no space", output: "RSSI:-40", want: -40},
		{name: "missing", output: "Device AF:20:24:11:22:33 not available", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRSSI(tt.output)
			if tt.wantErr {
				if !errors.Is(err, ErrNoRSSI) {
					t.Fatalf("expected ErrNoRSSI, got %v (value %d)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestMatchesFilter(t *testing.T) {
	tests := []struct {
		address string
		filter  string
		want    bool
	}{
		{"AF:20:24:11:22:33", "AF2024", true},
		{"11:22:33:44:55:66", "AF2024", false},
		{"af-20-24-11-22-33", "AF2024", true},
		{"AF:20:24:11:22:33", "af2024", true},
		{"AF:20:24:11:22:33", "2411", true},
		{"AF:20:24:11:22:33", "", true},
	}

	for _, tt := range tests {
		if got := MatchesFilter(tt.address, tt.filter); got != tt.want {
			t.Errorf("MatchesFilter(%q, %q) = %v, want %v", tt.address, tt.filter, got, tt.want)
		}
	}
}

type recordingRunner struct {
	mu     sync.Mutex
	calls  []string
	output map[string]string
	err    error
}

func (r *recordingRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := name + " " + strings.Join(args, " ")

	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok && args[0] != "scan" {
		return nil, errors.New("expected a deadline")
	}
	if r.err != nil {
		return nil, r.err
	}
	return []byte(r.output[call]), nil
}

func TestControllerListAndRSSI(t *testing.T) {
	runner := &recordingRunner{output: map[string]string{
		"btctl devices":                "Device AF:20:24:11:22:33 Beacon\n",
		"btctl info AF:20:24:11:22:33": "\tRSSI: -58\n",
	}}
	c := NewController("btctl", time.Second, runner.run, zerolog.Nop())
	ctx := context.Background()

	devices, err := c.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 1 || devices[0].Address != "AF:20:24:11:22:33" {
		t.Fatalf("unexpected devices: %+v", devices)
	}

	rssi, err := c.RSSI(ctx, "AF:20:24:11:22:33")
	if err != nil {
		t.Fatalf("rssi: %v", err)
	}
	if rssi != -58 {
		t.Fatalf("expected -58, got %d", rssi)
	}

	if _, err := c.RSSI(ctx, "AF:20:24:00:00:00"); !errors.Is(err, ErrNoRSSI) {
		t.Fatalf("expected ErrNoRSSI for unknown device, got %v", err)
	}
}

func TestControllerCommandFailure(t *testing.T) {
	runner := &recordingRunner{err: errors.New("exit status 1")}
	c := NewController("btctl", time.Second, runner.run, zerolog.Nop())

	if _, err := c.List(context.Background()); err == nil {
		t.Fatal("expected list error")
	}
	if _, err := c.RSSI(context.Background(), "AF:20:24:11:22:33"); err == nil {
		t.Fatal("expected rssi error")
	}
}

func TestScanPowersOnAndStopsWithContext(t *testing.T) {
	runner := &recordingRunner{}
	scanStarted := make(chan struct{}, 1)
	run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if args[0] == "scan" {
			runner.mu.Lock()
			runner.calls = append(runner.calls, name+" scan on")
			runner.mu.Unlock()
			select {
			case scanStarted <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return runner.run(ctx, name, args...)
	}

	c := NewController("btctl", time.Second, run, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Scan(ctx, time.Millisecond)
		close(done)
	}()

	select {
	case <-scanStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("scan process was not started")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Scan did not return after cancel")
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.calls) < 2 || runner.calls[0] != "btctl power on" || runner.calls[1] != "btctl scan on" {
		t.Fatalf("unexpected calls: %v", runner.calls)
	}
}
