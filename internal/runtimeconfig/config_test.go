package runtimeconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
listen:
  address: 0.0.0.0
  port: 8080
queue:
  consumerTtlHours: 24
  messageTtlHours: 48
  maxEntriesPerTopic: 10000
  cleanupIntervalMinutes: 5
logLevel: debug
dbPath: /tmp/turnbus.db
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("Listen.Port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Queue.MaxEntriesPerTopic != 10000 {
		t.Errorf("Queue.MaxEntriesPerTopic = %d, want 10000", cfg.Queue.MaxEntriesPerTopic)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadEmptyPathReturnsZeroConfig(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != (Config{}) {
		t.Errorf("expected zero Config, got %+v", cfg)
	}
}

func TestFindConfigPrefersExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "explicit.yaml")
	os.WriteFile(path, []byte("logLevel: info\n"), 0o644)

	if got := FindConfig(path); got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfigReturnsEmptyWhenExplicitMissing(t *testing.T) {
	if got := FindConfig("/no/such/file.yaml"); got != "" {
		t.Errorf("FindConfig with missing explicit path = %q, want empty", got)
	}
}

func TestParseLogLevelHandlesTrace(t *testing.T) {
	if got := ParseLogLevel("trace"); got != LevelTrace {
		t.Errorf("ParseLogLevel(trace) = %v, want LevelTrace", got)
	}
	if got := ParseLogLevel("unknown-level"); got.String() == "" {
		t.Error("expected a non-empty level name fallback")
	}
}
