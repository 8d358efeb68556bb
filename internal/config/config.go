// Package config loads bilm-sync configuration from the environment.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for bilm-sync.
type Config struct {
	// Service flags.
	EnableSync bool `env:"ENABLE_SYNC" envDefault:"true"`
	EnableMCP  bool `env:"ENABLE_MCP" envDefault:"false"`

	// Listen address for the MCP diagnostics endpoint.
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8791"`

	// Bilm account credentials (required when sync is enabled).
	Email    string `env:"BILM_EMAIL"`
	Password string `env:"BILM_PASSWORD"`

	// Remote document store host (wss endpoint, host[:port]) and the
	// collection holding one snapshot document per user.
	RemoteHost       string `env:"BILM_REMOTE_HOST"`
	RemoteCollection string `env:"BILM_REMOTE_COLLECTION" envDefault:"users"`

	// Identity provider base URL (sign-in/sign-up/session endpoints).
	AuthURL string `env:"BILM_AUTH_URL"`

	// Directory holding the local state database. Defaults to
	// ~/.bilm-sync/ when empty.
	DataDir string `env:"BILM_DATA_DIR"`

	// Directory watched for dropped snapshot export files. Empty
	// disables the importer.
	ImportDir string `env:"BILM_IMPORT_DIR"`

	// Optional YAML file overriding the built-in mergeable list rules.
	ListRulesPath string `env:"BILM_LIST_RULES"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Sync timing knobs. The debounce collapses mutation bursts into one
	// push; the interval drives the periodic signature check; the floor
	// is the minimum gap between non-forced pushes.
	PushDebounce time.Duration `env:"SYNC_PUSH_DEBOUNCE" envDefault:"800ms"`
	PushInterval time.Duration `env:"SYNC_PUSH_INTERVAL" envDefault:"5s"`
	PushFloor    time.Duration `env:"SYNC_PUSH_FLOOR" envDefault:"15s"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "bilm-sync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}

		cfg.DataDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve directories to absolute paths at startup so downstream
	// code can compare and join them without caring about the working
	// directory of the process.
	absData, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}

	cfg.DataDir = absData

	if cfg.ImportDir != "" {
		absImport, err := filepath.Abs(cfg.ImportDir)
		if err != nil {
			return nil, fmt.Errorf("resolving import dir to absolute path: %w", err)
		}

		cfg.ImportDir = absImport
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.EnableSync {
		if c.RemoteHost == "" {
			return fmt.Errorf("BILM_REMOTE_HOST is required when sync is enabled")
		}

		if c.AuthURL == "" {
			return fmt.Errorf("BILM_AUTH_URL is required when sync is enabled")
		}

		if c.Email == "" {
			return fmt.Errorf("BILM_EMAIL is required when sync is enabled")
		}

		if c.Password == "" {
			return fmt.Errorf("BILM_PASSWORD is required when sync is enabled")
		}
	}

	if c.PushDebounce <= 0 {
		return fmt.Errorf("SYNC_PUSH_DEBOUNCE must be positive")
	}

	if c.PushInterval <= 0 {
		return fmt.Errorf("SYNC_PUSH_INTERVAL must be positive")
	}

	if c.PushFloor < 0 {
		return fmt.Errorf("SYNC_PUSH_FLOOR must not be negative")
	}

	return nil
}

// DefaultDataDir returns the default state directory: ~/.bilm-sync/
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".bilm-sync"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
