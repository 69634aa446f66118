// Package config provides configuration management for the object store and
// its surrounding collaborators: default file locations, default branch and
// author identity, and the delta/logging knobs the core exposes but does not
// decide for itself.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

// Config holds the settings external collaborators use to open a store and
// drive the object graph on top of it. The core itself (store, delta,
// objectgraph, transfer, merge) never reads this package directly, per
// spec.md §5's "no global or process-wide mutable state" rule; a caller
// passes DatabasePath to store.Open and MaxDeltaChainDepth to
// Store.SetMaxChainDepth.
type Config struct {
	// Store location. DatabasePath may be ":memory:" for an ephemeral store.
	DatabasePath string `json:"database_path"`

	// Default branch and author identity, mirrored into the store's
	// metadata table (author.name, author.email) by higher-level code.
	DefaultBranch string `json:"default_branch"`
	AuthorName    string `json:"author_name"`
	AuthorEmail   string `json:"author_email"`

	// Delta engine knobs. The delta package uses its own BlockSize (64) and
	// HalfSizeThreshold (0.5) constants and takes no block size or threshold
	// argument, so DeltaBlockSize and DeltaHalfSize are recorded here but not
	// applied by the core.
	DeltaBlockSize    int     `json:"delta_block_size"`
	DeltaHalfSize     float64 `json:"delta_half_size_threshold"`
	MaxDeltaChainDepth int    `json:"max_delta_chain_depth"`

	// Logging.
	DebugLogging bool   `json:"debug_logging"`
	LogLevel     string `json:"log_level"`

	configPath string
	mu         sync.RWMutex
}

// DefaultConfig returns a configuration with sensible defaults matching the
// values spec.md §4.2-§4.3 name explicitly.
func DefaultConfig() *Config {
	return &Config{
		DefaultBranch:      "main",
		AuthorEmail:        "unknown@example.com",
		DeltaBlockSize:      64,
		DeltaHalfSize:       0.5,
		MaxDeltaChainDepth: 10,
		DebugLogging:       false,
		LogLevel:           "info",
	}
}

// ZerologLevel parses LogLevel into a zerolog.Level, defaulting to InfoLevel
// on an empty or unrecognised value.
func (c *Config) ZerologLevel() zerolog.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.DebugLogging {
		return zerolog.DebugLevel
	}
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// GetConfigDir returns the platform-specific configuration directory.
func GetConfigDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		baseDir = os.Getenv("XDG_CONFIG_HOME")
		if baseDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(home, ".config")
		}
	}

	configDir := filepath.Join(baseDir, "webdvcs")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// GetDataDir returns the platform-specific data directory, home to the
// default object-store database file.
func GetDataDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("LOCALAPPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		baseDir = os.Getenv("XDG_DATA_HOME")
		if baseDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(home, ".local", "share")
		}
	}

	dataDir := filepath.Join(baseDir, "webdvcs")
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// GetLogDir returns the platform-specific log directory.
func GetLogDir() (string, error) {
	var logDir string

	switch runtime.GOOS {
	case "windows":
		baseDir := os.Getenv("LOCALAPPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		logDir = filepath.Join(baseDir, "webdvcs", "logs")
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		logDir = filepath.Join(home, "Library", "Logs", "webdvcs")
	default: // Linux and others
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		logDir = filepath.Join(home, ".local", "share", "webdvcs", "logs")
	}

	if err := os.MkdirAll(logDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	return logDir, nil
}

// GetDefaultDatabasePath returns the default object-store file path under
// the platform data directory.
func GetDefaultDatabasePath() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "webdvcs.db"), nil
}

// Load loads the configuration from the default location.
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.json")
	return LoadFrom(configPath)
}

// LoadFrom loads the configuration from a specific file.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		dbPath, _ := GetDefaultDatabasePath()
		cfg.DatabasePath = dbPath
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.configPath == "" {
		configDir, err := GetConfigDir()
		if err != nil {
			return err
		}
		c.configPath = filepath.Join(configDir, "config.json")
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Update applies fn under the config's lock and persists the result.
func (c *Config) Update(fn func(*Config)) error {
	c.mu.Lock()
	fn(c)
	c.mu.Unlock()
	return c.Save()
}

// DatabasePathOrDefault returns DatabasePath, falling back to the platform
// default data directory when unset.
func (c *Config) DatabasePathOrDefault() (string, error) {
	c.mu.RLock()
	path := c.DatabasePath
	c.mu.RUnlock()
	if path != "" {
		return path, nil
	}
	return GetDefaultDatabasePath()
}
