package runtimeconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ListenConfig configures the reliable transport's HTTP/websocket
// listener.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// QueueConfigFile mirrors queue.Config's tunables for YAML loading —
// kept separate from queue.Config itself so this package never imports
// queue (config stays a leaf dependency).
type QueueConfigFile struct {
	ConsumerTTLHours   int `yaml:"consumerTtlHours"`
	MessageTTLHours    int `yaml:"messageTtlHours"`
	MaxEntriesPerTopic int `yaml:"maxEntriesPerTopic"`
	CleanupIntervalMin int `yaml:"cleanupIntervalMinutes"`
}

// Config is the top-level layered configuration file shape.
type Config struct {
	Listen   ListenConfig    `yaml:"listen"`
	Queue    QueueConfigFile `yaml:"queue"`
	LogLevel string          `yaml:"logLevel"`
	DBPath   string          `yaml:"dbPath"`
}

// appName names this module's config directory under $HOME/.config and
// /etc.
const appName = "turnbus"

// DefaultSearchPaths returns the config file locations searched in order:
// ./config.yaml, then $HOME/.config/turnbus/config.yaml, then
// /etc/turnbus/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", appName, "config.yaml"))
	}
	paths = append(paths, filepath.Join("/etc", appName, "config.yaml"))
	return paths
}

// FindConfig returns explicit if it is non-empty and exists, and "" if it
// is non-empty but missing (the search paths are not consulted then).
// With an empty explicit it searches DefaultSearchPaths in order and
// returns the first path that exists. Returns "" if nothing is found —
// callers should fall back to built-in defaults rather than treat this as
// an error.
func FindConfig(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load reads and parses the YAML config at path. An empty path returns a
// zero Config (callers apply their own defaults on top).
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("runtimeconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("runtimeconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}
