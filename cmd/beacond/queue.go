package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/beacond/internal/config"
	"github.com/goodtune/beacond/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var queuePeekCount int

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline delivery queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show how many sessions are waiting for delivery",
	RunE:  runQueueStatus,
}

var queuePeekCmd = &cobra.Command{
	Use:     "peek",
	Short:   "List the sessions at the head of the queue",
	Example: `  beacond queue peek -n 20`,
	RunE:    runQueuePeek,
}

func init() {
	queuePeekCmd.Flags().IntVarP(&queuePeekCount, "count", "n", 10, "Number of sessions to show")

	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queuePeekCmd)
	rootCmd.AddCommand(queueCmd)
}

func openQueueFromConfig() (storage.Queue, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	queue, err := inspectQueue(cfg.Queue, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open queue: %w", err)
	}
	return queue, cfg, nil
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	queue, cfg, err := openQueueFromConfig()
	if err != nil {
		return err
	}
	defer queue.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pending, err := queue.Len(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue: %w", err)
	}

	location := cfg.Queue.Path
	if cfg.Queue.Type == "redis" {
		location = fmt.Sprintf("%s:%d/%d (%s)", cfg.Queue.Redis.Host, cfg.Queue.Redis.Port, cfg.Queue.Redis.DB, cfg.Queue.Redis.KeyPrefix)
	}

	fmt.Printf("Backend:  %s\n", cfg.Queue.Type)
	fmt.Printf("Location: %s\n", location)
	fmt.Print("Pending:  ")
	if pending == 0 {
		color.New(color.FgGreen, color.Bold).Println(pending)
	} else {
		color.New(color.FgYellow, color.Bold).Println(pending)
	}
	if cfg.Queue.MaxPending > 0 {
		fmt.Printf("Capacity: %d\n", cfg.Queue.MaxPending)
	}
	return nil
}

func runQueuePeek(cmd *cobra.Command, args []string) error {
	if queuePeekCount <= 0 {
		return fmt.Errorf("count must be positive")
	}

	queue, _, err := openQueueFromConfig()
	if err != nil {
		return err
	}
	defer queue.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	items, err := queue.PeekBatch(ctx, queuePeekCount)
	if err != nil {
		return fmt.Errorf("failed to read queue: %w", err)
	}

	printQueuedSessions(os.Stdout, items)
	return nil
}

// printQueuedSessions writes one line per queued session
func printQueuedSessions(w io.Writer, items []storage.QueuedSession) {
	if len(items) == 0 {
		fmt.Fprintln(w, "Queue is empty")
		return
	}

	cyan := color.New(color.FgCyan, color.Bold)
	cyan.Fprintf(w, "%-36s  %-17s  %-20s  %-25s  %s\n", "ID", "ADDRESS", "NAME", "FIRST SEEN", "DURATION")
	for _, item := range items {
		fmt.Fprintf(w, "%-36s  %-17s  %-20s  %-25s  %s\n",
			item.ID,
			item.Address,
			truncate(item.Name, 20),
			time.UnixMilli(item.FirstSeen).Format(time.RFC3339),
			item.Duration(),
		)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
