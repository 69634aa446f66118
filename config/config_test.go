package config

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(filepath.Join(dir, "does-not-exist.json"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.DefaultBranch != "main" {
		t.Fatalf("DefaultBranch = %q, want main", cfg.DefaultBranch)
	}
	if cfg.MaxDeltaChainDepth != 10 {
		t.Fatalf("MaxDeltaChainDepth = %d, want 10", cfg.MaxDeltaChainDepth)
	}
	if cfg.DatabasePath == "" {
		t.Fatalf("expected a default database path to be set")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(dir, "webdvcs.db")
	cfg.AuthorName = "Ada Lovelace"
	if err := cfg.Update(func(c *Config) { c.configPath = path }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if loaded.AuthorName != "Ada Lovelace" {
		t.Fatalf("AuthorName = %q, want Ada Lovelace", loaded.AuthorName)
	}
	if loaded.DatabasePath != cfg.DatabasePath {
		t.Fatalf("DatabasePath = %q, want %q", loaded.DatabasePath, cfg.DatabasePath)
	}
}

func TestZerologLevelDebugOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DebugLogging = true
	if cfg.ZerologLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level when DebugLogging is set")
	}
}

func TestZerologLevelFromName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "warn"
	if cfg.ZerologLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %v", cfg.ZerologLevel())
	}
}

func TestDatabasePathOrDefaultFallsBackToDataDir(t *testing.T) {
	cfg := DefaultConfig()
	path, err := cfg.DatabasePathOrDefault()
	if err != nil {
		t.Fatalf("DatabasePathOrDefault: %v", err)
	}
	if path == "" {
		t.Fatalf("expected a non-empty default database path")
	}
}
