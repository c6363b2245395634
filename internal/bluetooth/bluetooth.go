// Package bluetooth discovers nearby radio devices by driving an external
// controller tool (bluetoothctl by default).
package bluetooth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// UnnamedDevice is reported for devices that advertise no name.
const UnnamedDevice = "(unnamed)"

// ErrNoRSSI is returned when the controller has no signal reading for a device.
var ErrNoRSSI = errors.New("no rssi reading")

var (
	deviceLine = regexp.MustCompile(`Device\s+([0-9A-Fa-f:]{17})\s+(.*)`)

	// Newer controllers print "RSSI: 0xffffffb5 (-75)"
	rssiLine = regexp.MustCompile(`RSSI:\s*(?:0x[0-9A-Fa-f]+\s*\()?(-?\d+)`)
)

// Observation is one raw sighting returned by a device listing.
type Observation struct {
	Address string
	Name    string
}

// Lister is the device discovery capability the presence tracker depends on.
type Lister interface {
	// List returns every device the controller currently knows about.
	List(ctx context.Context) ([]Observation, error)
	// RSSI returns the current signal strength for address, or ErrNoRSSI.
	RSSI(ctx context.Context, address string) (int, error)
}

// Runner executes an external command and returns its standard output.
// It blocks until the command exits or ctx is done.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// Controller implements Lister on top of the bluetoothctl command line.
type Controller struct {
	command string
	timeout time.Duration
	run     Runner
	logger  zerolog.Logger
}

// NewController creates a controller that invokes command. Every List and
// RSSI call is bounded by timeout. A nil runner uses ExecRunner.
func NewController(command string, timeout time.Duration, run Runner, logger zerolog.Logger) *Controller {
	if run == nil {
		run = ExecRunner
	}
	return &Controller{
		command: command,
		timeout: timeout,
		run:     run,
		logger:  logger.With().Str("component", "bluetooth").Logger(),
	}
}

// List runs `<command> devices` and parses the result
func (c *Controller) List(ctx context.Context) ([]Observation, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out, err := c.run(ctx, c.command, "devices")
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return ParseDevices(string(out)), nil
}

// RSSI runs `<command> info <address>` and extracts the signal strength
func (c *Controller) RSSI(ctx context.Context, address string) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out, err := c.run(ctx, c.command, "info", address)
	if err != nil {
		return 0, fmt.Errorf("device info %s: %w", address, err)
	}
	return ParseRSSI(string(out))
}

// Scan powers the adapter on and keeps a discovery process running until ctx
// is cancelled. A discovery process that exits is restarted after restartDelay.
func (c *Controller) Scan(ctx context.Context, restartDelay time.Duration) {
	powerCtx, cancel := c.withTimeout(ctx)
	if _, err := c.run(powerCtx, c.command, "power", "on"); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to power on adapter")
	}
	cancel()

	c.logger.Info().Msg("Background discovery started")

	for {
		_, err := c.run(ctx, c.command, "scan", "on")
		if ctx.Err() != nil {
			c.logger.Info().Msg("Background discovery stopped")
			return
		}

		c.logger.Warn().
			Err(err).
			Dur("restart_in", restartDelay).
			Msg("Discovery process exited")

		select {
		case <-time.After(restartDelay):
		case <-ctx.Done():
			c.logger.Info().Msg("Background discovery stopped")
			return
		}
	}
}

func (c *Controller) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// ParseDevices extracts observations from `devices` output. Lines that do not
// describe a device are ignored.
func ParseDevices(output string) []Observation {
	var devices []Observation
	for _, line := range strings.Split(output, "\n") {
		match := deviceLine.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		name := strings.TrimSpace(match[2])
		if name == "" {
			name = UnnamedDevice
		}
		devices = append(devices, Observation{Address: match[1], Name: name})
	}
	return devices
}

// ParseRSSI extracts the first signed RSSI value from `info` output.
func ParseRSSI(output string) (int, error) {
	match := rssiLine.FindStringSubmatch(output)
	if match == nil {
		return 0, ErrNoRSSI
	}
	rssi, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoRSSI, err)
	}
	return rssi, nil
}

// MatchesFilter reports whether address contains filter once separators are
// stripped and both sides are upper-cased. An empty filter matches everything.
func MatchesFilter(address, filter string) bool {
	normalized := strings.ToUpper(strings.NewReplacer(":", "", "-", "").Replace(address))
	return strings.Contains(normalized, strings.ToUpper(filter))
}
