package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Scanner  ScannerConfig  `mapstructure:"scanner"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Sync     SyncConfig     `mapstructure:"sync"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig defines the status/metrics listener
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// ScannerConfig defines how nearby beacons are discovered
type ScannerConfig struct {
	Command         string `mapstructure:"command"`
	MACFilter       string `mapstructure:"mac_filter"`
	RefreshInterval string `mapstructure:"refresh_interval"`
	RSSIStale       string `mapstructure:"rssi_stale"`
	RSSIConcurrency int    `mapstructure:"rssi_concurrency"` // 0 = unbounded
	CommandTimeout  string `mapstructure:"command_timeout"`
	BackgroundScan  bool   `mapstructure:"background_scan"`
}

// SessionsConfig defines the in-memory session history
type SessionsConfig struct {
	MaxHistory int `mapstructure:"max_history"`
}

// QueueConfig defines the offline delivery queue
type QueueConfig struct {
	Type       string      `mapstructure:"type"` // "file" or "redis"
	Path       string      `mapstructure:"path"`
	MaxPending int         `mapstructure:"max_pending"` // 0 = unbounded
	Redis      RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings for the queue backend
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// SyncConfig defines delivery to the central server
type SyncConfig struct {
	URL            string `mapstructure:"url"`
	UnitID         string `mapstructure:"unit_id"`
	BatchSize      int    `mapstructure:"batch_size"`
	RequestTimeout string `mapstructure:"request_timeout"`
	ProbeInterval  string `mapstructure:"probe_interval"`
	InitialBackoff string `mapstructure:"initial_backoff"`
	MaxBackoff     string `mapstructure:"max_backoff"`
	AckCacheSize   int    `mapstructure:"ack_cache_size"`
}

// MQTTConfig defines the live snapshot broker
type MQTTConfig struct {
	URL             string `mapstructure:"url"`
	Topic           string `mapstructure:"topic"`
	ClientID        string `mapstructure:"client_id"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	ReconnectPeriod string `mapstructure:"reconnect_period"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("BEACOND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.metrics_port", 9090)

	// Scanner defaults
	v.SetDefault("scanner.command", "bluetoothctl")
	v.SetDefault("scanner.mac_filter", "AF2024")
	v.SetDefault("scanner.refresh_interval", "2s")
	v.SetDefault("scanner.rssi_stale", "10s")
	v.SetDefault("scanner.rssi_concurrency", 8)
	v.SetDefault("scanner.command_timeout", "5s")
	v.SetDefault("scanner.background_scan", true)

	// Session history defaults
	v.SetDefault("sessions.max_history", 200)

	// Queue defaults
	v.SetDefault("queue.type", "file")
	v.SetDefault("queue.path", "/var/lib/beacond/sync-queue.json")
	v.SetDefault("queue.max_pending", 0)
	v.SetDefault("queue.redis.host", "localhost")
	v.SetDefault("queue.redis.port", 6379)
	v.SetDefault("queue.redis.password", "")
	v.SetDefault("queue.redis.db", 0)
	v.SetDefault("queue.redis.pool_size", 10)
	v.SetDefault("queue.redis.min_idle_conns", 5)
	v.SetDefault("queue.redis.dial_timeout", "5s")
	v.SetDefault("queue.redis.read_timeout", "3s")
	v.SetDefault("queue.redis.write_timeout", "3s")
	v.SetDefault("queue.redis.key_prefix", "beacond")

	// Sync defaults
	v.SetDefault("sync.url", "")
	v.SetDefault("sync.unit_id", "unknown")
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.request_timeout", "5s")
	v.SetDefault("sync.probe_interval", "30s")
	v.SetDefault("sync.initial_backoff", "1s")
	v.SetDefault("sync.max_backoff", "60s")
	v.SetDefault("sync.ack_cache_size", 1024)

	// MQTT defaults
	v.SetDefault("mqtt.url", "")
	v.SetDefault("mqtt.topic", "beacon/devices")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.reconnect_period", "5s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	durations := map[string]string{
		"scanner.refresh_interval": cfg.Scanner.RefreshInterval,
		"scanner.rssi_stale":       cfg.Scanner.RSSIStale,
		"scanner.command_timeout":  cfg.Scanner.CommandTimeout,
		"sync.request_timeout":     cfg.Sync.RequestTimeout,
		"sync.probe_interval":      cfg.Sync.ProbeInterval,
		"sync.initial_backoff":     cfg.Sync.InitialBackoff,
		"sync.max_backoff":         cfg.Sync.MaxBackoff,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, value)
		}
	}

	if cfg.Scanner.Command == "" {
		return fmt.Errorf("scanner command is required")
	}
	if cfg.Scanner.RSSIConcurrency < 0 {
		return fmt.Errorf("scanner rssi_concurrency must not be negative")
	}
	if cfg.Sessions.MaxHistory <= 0 {
		return fmt.Errorf("sessions max_history must be positive, got %d", cfg.Sessions.MaxHistory)
	}
	if cfg.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch_size must be positive, got %d", cfg.Sync.BatchSize)
	}
	if cfg.Queue.MaxPending < 0 {
		return fmt.Errorf("queue max_pending must not be negative")
	}

	if cfg.Sync.URL != "" {
		if err := validateURL(cfg.Sync.URL, "http", "https"); err != nil {
			return fmt.Errorf("invalid sync url: %w", err)
		}
	}
	if cfg.MQTT.URL != "" {
		if err := validateURL(cfg.MQTT.URL, "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss"); err != nil {
			return fmt.Errorf("invalid mqtt url: %w", err)
		}
	}

	switch cfg.Queue.Type {
	case "":
		cfg.Queue.Type = "file"
		fallthrough
	case "file":
		if cfg.Queue.Path == "" {
			return fmt.Errorf("queue path is required for the file backend")
		}
		// Ensure queue directory exists
		if err := os.MkdirAll(filepath.Dir(cfg.Queue.Path), 0755); err != nil {
			return fmt.Errorf("failed to create queue directory: %w", err)
		}
	case "redis":
		if cfg.Queue.Redis.Host == "" {
			return fmt.Errorf("queue redis host is required")
		}
	default:
		return fmt.Errorf("unsupported queue type: %s (expected 'file' or 'redis')", cfg.Queue.Type)
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
