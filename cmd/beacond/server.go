package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/beacond/internal/bluetooth"
	"github.com/goodtune/beacond/internal/config"
	"github.com/goodtune/beacond/internal/history"
	"github.com/goodtune/beacond/internal/metrics"
	"github.com/goodtune/beacond/internal/presence"
	"github.com/goodtune/beacond/internal/publish"
	"github.com/goodtune/beacond/internal/storage"
	"github.com/goodtune/beacond/internal/storage/file"
	"github.com/goodtune/beacond/internal/storage/redis"
	"github.com/goodtune/beacond/internal/syncer"
	"github.com/goodtune/beacond/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// scanRestartDelay is how long to wait before restarting a discovery process that exited
const scanRestartDelay = 5 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the beacon tracker",
	Long:  `Start tracking beacons, delivering sessions to the central server, and serving metrics and status.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting beacond")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize offline queue
	queue, err := openQueue(cfg.Queue, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close queue")
		}
	}()

	logger.Info().
		Str("type", cfg.Queue.Type).
		Str("path", cfg.Queue.Path).
		Int("max_pending", cfg.Queue.MaxPending).
		Msg("Offline queue initialized")

	// Initialize device controller
	controller := bluetooth.NewController(
		cfg.Scanner.Command,
		config.ParseDuration(cfg.Scanner.CommandTimeout, 5*time.Second),
		nil,
		logger,
	)

	scanDone := make(chan struct{})
	if cfg.Scanner.BackgroundScan {
		go func() {
			defer close(scanDone)
			controller.Scan(ctx, scanRestartDelay)
		}()
	} else {
		close(scanDone)
	}

	// Initialize live snapshot sinks
	hub := publish.NewHub(logger)
	sinks := publish.Fanout{hub}

	var mqttSink *publish.MQTTSink
	if cfg.MQTT.URL != "" {
		mqttSink, err = publish.NewMQTTSink(publish.MQTTConfig{
			URL:             cfg.MQTT.URL,
			Topic:           cfg.MQTT.Topic,
			ClientID:        cfg.MQTT.ClientID,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			ReconnectPeriod: config.ParseDuration(cfg.MQTT.ReconnectPeriod, 5*time.Second),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		sinks = append(sinks, mqttSink)
	}

	// Initialize presence tracker
	sessions := history.NewStore(cfg.Sessions.MaxHistory)

	tracker := presence.NewTracker(
		controller,
		sessions,
		queue,
		sinks,
		presence.Config{
			MACFilter:       cfg.Scanner.MACFilter,
			StaleAfter:      config.ParseDuration(cfg.Scanner.RSSIStale, presence.DefaultStaleAfter),
			RefreshInterval: config.ParseDuration(cfg.Scanner.RefreshInterval, presence.DefaultRefreshInterval),
			RSSIConcurrency: cfg.Scanner.RSSIConcurrency,
		},
		logger,
	)

	// Initialize sync client
	syncClient, err := newSyncClient(cfg.Sync, queue, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize sync client: %w", err)
	}

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	metricsServer.Handle("/status", newStatusHandler(tracker, syncClient, sessions, logger))
	metricsServer.Handle("/ws", hub)

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	tracker.Start(ctx)
	syncClient.Start()

	// Log startup complete
	logger.Info().Msg("beacond startup complete")
	logger.Info().Msgf("Status: http://%s/status", metricsAddr)
	logger.Info().Msgf("Live feed: ws://%s/ws", metricsAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	watchdogDone := make(chan struct{})
	go runWatchdog(ctx, logger, watchdogDone)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop the producer first so every emitted session reaches the queue
	tracker.Stop()
	syncClient.Stop()

	cancel()
	<-scanDone
	<-watchdogDone

	hub.Close()
	if mqttSink != nil {
		mqttSink.Close()
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("beacond stopped")

	return nil
}

// runWatchdog pings the systemd watchdog until ctx is done
func runWatchdog(ctx context.Context, logger zerolog.Logger, done chan<- struct{}) {
	defer close(done)

	interval := systemd.WatchdogInterval()
	if interval == 0 {
		return
	}

	logger.Debug().Dur("interval", interval).Msg("systemd watchdog enabled")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		case <-ctx.Done():
			return
		}
	}
}

func openQueue(cfg config.QueueConfig, logger zerolog.Logger) (storage.Queue, error) {
	return newQueue(cfg, false, logger)
}

// inspectQueue opens the queue for commands that only read it while the
// server may be running
func inspectQueue(cfg config.QueueConfig, logger zerolog.Logger) (storage.Queue, error) {
	return newQueue(cfg, true, logger)
}

func newQueue(cfg config.QueueConfig, readOnly bool, logger zerolog.Logger) (storage.Queue, error) {
	queueType := cfg.Type
	if queueType == "" {
		queueType = "file"
	}

	switch queueType {
	case "file":
		q, err := file.Open(cfg.Path, file.Options{MaxPending: cfg.MaxPending, ReadOnly: readOnly}, logger)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "redis":
		q, err := redis.Open(cfg.Redis, cfg.MaxPending)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported queue type: %s (expected 'file' or 'redis')", queueType)
	}
}

func newSyncClient(cfg config.SyncConfig, queue storage.Queue, logger zerolog.Logger) (*syncer.Client, error) {
	return syncer.NewClient(queue, syncer.Config{
		URL:            cfg.URL,
		UnitID:         cfg.UnitID,
		BatchSize:      cfg.BatchSize,
		RequestTimeout: config.ParseDuration(cfg.RequestTimeout, syncer.DefaultRequestTimeout),
		ProbeInterval:  config.ParseDuration(cfg.ProbeInterval, syncer.DefaultProbeInterval),
		InitialBackoff: config.ParseDuration(cfg.InitialBackoff, syncer.DefaultInitialBackoff),
		MaxBackoff:     config.ParseDuration(cfg.MaxBackoff, syncer.DefaultMaxBackoff),
		AckCacheSize:   cfg.AckCacheSize,
	}, logger)
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
