package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all statesync configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Durable store and cross-context notification
	Store StoreConfig `yaml:"store"`

	// Repository limits
	Limits LimitsConfig `yaml:"limits"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig selects and tunes the durable backend.
type StoreConfig struct {
	Backend      string `yaml:"backend"`       // dir, sqlite, memory
	Path         string `yaml:"path"`          // directory (dir) or database file (sqlite)
	PollInterval string `yaml:"poll_interval"` // sqlite change polling
	Debounce     string `yaml:"debounce"`      // dir watcher debounce window
}

// LimitsConfig bounds repository growth and retry behaviour.
type LimitsConfig struct {
	MaxChatMessages  int `yaml:"max_chat_messages"`  // per area; 0 = default cap
	MaxUpdateRetries int `yaml:"max_update_retries"` // compare-and-swap attempts
}

// Backend names.
const (
	BackendDir    = "dir"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// ValidBackends lists all supported store backends.
var ValidBackends = []string{BackendDir, BackendSQLite, BackendMemory}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "statesync",
		Version: "0.3.0",

		Store: StoreConfig{
			Backend:      BackendDir,
			Path:         ".statesync/state",
			PollInterval: "250ms",
			Debounce:     "50ms",
		},

		Limits: LimitsConfig{
			MaxChatMessages:  500,
			MaxUpdateRetries: 8,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Defaults plus environment when no config file exists
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if backend := os.Getenv("STATESYNC_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if path := os.Getenv("STATESYNC_PATH"); path != "" {
		c.Store.Path = path
	}
	if v := os.Getenv("STATESYNC_DEBUG"); v != "" {
		if debug, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = debug
		}
	}
}

// GetPollInterval returns the sqlite poll interval as a duration.
func (c *Config) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(c.Store.PollInterval)
	if err != nil || d <= 0 {
		return 250 * time.Millisecond
	}
	return d
}

// GetDebounce returns the directory watcher debounce window as a duration.
func (c *Config) GetDebounce() time.Duration {
	d, err := time.ParseDuration(c.Store.Debounce)
	if err != nil || d < 0 {
		return 50 * time.Millisecond
	}
	return d
}

// GetMaxUpdateRetries returns the compare-and-swap attempt budget.
func (c *Config) GetMaxUpdateRetries() int {
	if c.Limits.MaxUpdateRetries <= 0 {
		return 8
	}
	return c.Limits.MaxUpdateRetries
}

// DataDir returns the directory that holds logs next to the store.
func (c *Config) DataDir() string {
	return filepath.Dir(filepath.Clean(c.Store.Path))
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validBackend := false
	for _, b := range ValidBackends {
		if c.Store.Backend == b {
			validBackend = true
			break
		}
	}
	if !validBackend {
		return fmt.Errorf("invalid store backend: %s (valid: %v)", c.Store.Backend, ValidBackends)
	}

	if c.Store.Backend != BackendMemory && c.Store.Path == "" {
		return fmt.Errorf("store path required for %s backend", c.Store.Backend)
	}

	if c.Limits.MaxChatMessages < 0 {
		return fmt.Errorf("limits.max_chat_messages must be >= 0, got %d", c.Limits.MaxChatMessages)
	}

	return nil
}
