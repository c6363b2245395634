package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/beacond/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the beacond configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with -dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, getDefaultConfig(), unknownKeys)
	}

	return nil
}

// getDefaultConfig creates a configuration with default values
func getDefaultConfig() *config.Config {
	v := viper.New()
	config.SetDefaults(v)

	var cfg config.Config
	_ = v.Unmarshal(&cfg)

	return &cfg
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return unknownKeysOf(v.AllKeys()), nil
}

func unknownKeysOf(keys []string) []string {
	valid := getValidKeys()

	unknown := []string{}
	for _, key := range keys {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// getValidKeys returns every key that SetDefaults knows about
func getValidKeys() map[string]bool {
	v := viper.New()
	config.SetDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	// Server
	_, _ = cyan.Println("\n[server]")
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)

	// Scanner
	_, _ = cyan.Println("\n[scanner]")
	dumpField("  command", cfg.Scanner.Command, defaultCfg.Scanner.Command, yellow, green)
	dumpField("  mac_filter", cfg.Scanner.MACFilter, defaultCfg.Scanner.MACFilter, yellow, green)
	dumpField("  refresh_interval", cfg.Scanner.RefreshInterval, defaultCfg.Scanner.RefreshInterval, yellow, green)
	dumpField("  rssi_stale", cfg.Scanner.RSSIStale, defaultCfg.Scanner.RSSIStale, yellow, green)
	dumpField("  rssi_concurrency", cfg.Scanner.RSSIConcurrency, defaultCfg.Scanner.RSSIConcurrency, yellow, green)
	dumpField("  command_timeout", cfg.Scanner.CommandTimeout, defaultCfg.Scanner.CommandTimeout, yellow, green)
	dumpField("  background_scan", cfg.Scanner.BackgroundScan, defaultCfg.Scanner.BackgroundScan, yellow, green)

	// Sessions
	_, _ = cyan.Println("\n[sessions]")
	dumpField("  max_history", cfg.Sessions.MaxHistory, defaultCfg.Sessions.MaxHistory, yellow, green)

	// Queue
	_, _ = cyan.Println("\n[queue]")
	dumpField("  type", cfg.Queue.Type, defaultCfg.Queue.Type, yellow, green)
	dumpField("  path", cfg.Queue.Path, defaultCfg.Queue.Path, yellow, green)
	dumpField("  max_pending", cfg.Queue.MaxPending, defaultCfg.Queue.MaxPending, yellow, green)
	_, _ = cyan.Println("  [queue.redis]")
	dumpField("    host", cfg.Queue.Redis.Host, defaultCfg.Queue.Redis.Host, yellow, green)
	dumpField("    port", cfg.Queue.Redis.Port, defaultCfg.Queue.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Queue.Redis.Password), redactPassword(defaultCfg.Queue.Redis.Password), yellow, green)
	dumpField("    db", cfg.Queue.Redis.DB, defaultCfg.Queue.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Queue.Redis.PoolSize, defaultCfg.Queue.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Queue.Redis.MinIdleConns, defaultCfg.Queue.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Queue.Redis.DialTimeout, defaultCfg.Queue.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Queue.Redis.ReadTimeout, defaultCfg.Queue.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Queue.Redis.WriteTimeout, defaultCfg.Queue.Redis.WriteTimeout, yellow, green)
	dumpField("    key_prefix", cfg.Queue.Redis.KeyPrefix, defaultCfg.Queue.Redis.KeyPrefix, yellow, green)

	// Sync
	_, _ = cyan.Println("\n[sync]")
	dumpField("  url", cfg.Sync.URL, defaultCfg.Sync.URL, yellow, green)
	dumpField("  unit_id", cfg.Sync.UnitID, defaultCfg.Sync.UnitID, yellow, green)
	dumpField("  batch_size", cfg.Sync.BatchSize, defaultCfg.Sync.BatchSize, yellow, green)
	dumpField("  request_timeout", cfg.Sync.RequestTimeout, defaultCfg.Sync.RequestTimeout, yellow, green)
	dumpField("  probe_interval", cfg.Sync.ProbeInterval, defaultCfg.Sync.ProbeInterval, yellow, green)
	dumpField("  initial_backoff", cfg.Sync.InitialBackoff, defaultCfg.Sync.InitialBackoff, yellow, green)
	dumpField("  max_backoff", cfg.Sync.MaxBackoff, defaultCfg.Sync.MaxBackoff, yellow, green)
	dumpField("  ack_cache_size", cfg.Sync.AckCacheSize, defaultCfg.Sync.AckCacheSize, yellow, green)

	// MQTT
	_, _ = cyan.Println("\n[mqtt]")
	dumpField("  url", cfg.MQTT.URL, defaultCfg.MQTT.URL, yellow, green)
	dumpField("  topic", cfg.MQTT.Topic, defaultCfg.MQTT.Topic, yellow, green)
	dumpField("  client_id", cfg.MQTT.ClientID, defaultCfg.MQTT.ClientID, yellow, green)
	dumpField("  username", cfg.MQTT.Username, defaultCfg.MQTT.Username, yellow, green)
	dumpField("  password", redactPassword(cfg.MQTT.Password), redactPassword(defaultCfg.MQTT.Password), yellow, green)
	dumpField("  reconnect_period", cfg.MQTT.ReconnectPeriod, defaultCfg.MQTT.ReconnectPeriod, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
