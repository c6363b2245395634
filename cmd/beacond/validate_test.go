package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestUnknownKeys(t *testing.T) {
	got := unknownKeysOf([]string{
		"scanner.mac_filter",
		"queue.redis.key_prefix",
		"sync.urll",
		"mqtt.password",
		"storage.type",
	})
	want := []string{"storage.type", "sync.urll"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestFindUnknownKeysFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
scanner:
  mac_filter: "AF2024"
  rssi_stael: 10s
sync:
  url: http://central.example:3000/api
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	unknown, err := findUnknownKeys(path)
	if err != nil {
		t.Fatalf("findUnknownKeys: %v", err)
	}
	if len(unknown) != 1 || unknown[0] != "scanner.rssi_stael" {
		t.Fatalf("expected scanner.rssi_stael to be reported, got %v", unknown)
	}
}

func TestDefaultConfigMatchesDefaults(t *testing.T) {
	cfg := getDefaultConfig()
	if cfg.Scanner.MACFilter != "AF2024" {
		t.Errorf("expected default mac filter AF2024, got %q", cfg.Scanner.MACFilter)
	}
	if cfg.Sessions.MaxHistory != 200 {
		t.Errorf("expected default history 200, got %d", cfg.Sessions.MaxHistory)
	}
	if cfg.Queue.Redis.Port != 6379 {
		t.Errorf("expected default redis port 6379, got %d", cfg.Queue.Redis.Port)
	}
}

func TestRedactPassword(t *testing.T) {
	if redactPassword("") != "" {
		t.Error("empty password should stay empty")
	}
	if redactPassword("hunter2") != "***REDACTED***" {
		t.Error("password should be redacted")
	}
}
