package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/beacond/internal/bluetooth"
	"github.com/goodtune/beacond/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the scanner, queue and central server",
	Long:  `Run one pass against every external dependency beacond needs and report what works.`,
	Example: `  beacond --config config.yaml check
  beacond check`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

// checkResult is the outcome of one dependency check
type checkResult struct {
	name   string
	ok     bool
	detail string
}

func runCheck(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results := []checkResult{
		checkScanner(ctx, cfg.Scanner, logger),
		checkQueue(ctx, cfg.Queue, logger),
		checkCentral(ctx, cfg.Sync, logger),
	}

	failed := printCheckResults(results)
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func checkScanner(ctx context.Context, cfg config.ScannerConfig, logger zerolog.Logger) checkResult {
	result := checkResult{name: "Scanner"}

	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		result.detail = fmt.Sprintf("%s not found: %v", cfg.Command, err)
		return result
	}

	controller := bluetooth.NewController(path, config.ParseDuration(cfg.CommandTimeout, 5*time.Second), nil, logger)
	devices, err := controller.List(ctx)
	if err != nil {
		result.detail = err.Error()
		return result
	}

	beacons := 0
	for _, d := range devices {
		if bluetooth.MatchesFilter(d.Address, cfg.MACFilter) {
			beacons++
		}
	}

	result.ok = true
	result.detail = fmt.Sprintf("%s lists %d device(s), %d matching filter %q", path, len(devices), beacons, cfg.MACFilter)
	return result
}

func checkQueue(ctx context.Context, cfg config.QueueConfig, logger zerolog.Logger) checkResult {
	result := checkResult{name: "Queue"}

	queue, err := inspectQueue(cfg, logger)
	if err != nil {
		result.detail = err.Error()
		return result
	}
	defer queue.Close()

	pending, err := queue.Len(ctx)
	if err != nil {
		result.detail = err.Error()
		return result
	}

	result.ok = true
	result.detail = fmt.Sprintf("%s backend, %d session(s) pending", cfg.Type, pending)
	return result
}

func checkCentral(ctx context.Context, cfg config.SyncConfig, logger zerolog.Logger) checkResult {
	result := checkResult{name: "Central server"}

	if cfg.URL == "" {
		result.ok = true
		result.detail = "not configured, sync disabled"
		return result
	}

	client, err := newSyncClient(cfg, nil, logger)
	if err != nil {
		result.detail = err.Error()
		return result
	}
	if err := client.Check(ctx); err != nil {
		result.detail = err.Error()
		return result
	}

	result.ok = true
	result.detail = fmt.Sprintf("%s is reachable", cfg.URL)
	return result
}

// printCheckResults prints the results with colors and returns the failure count
func printCheckResults(results []checkResult) int {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("BEACOND DEPENDENCY CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	failed := 0
	for _, r := range results {
		fmt.Printf("%-16s", r.name+":")
		if r.ok {
			green.Print("OK    ")
		} else {
			red.Print("FAIL  ")
			failed++
		}
		fmt.Println(r.detail)
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	return failed
}
