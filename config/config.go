package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	coretypes "github.com/projecteru2/core/types"

	"github.com/projecteru2/lumen/utils"
)

// Config holds global Lumen configuration.
type Config struct {
	// RootDir is the base directory for persistent data.
	RootDir string `json:"root_dir"`
	// ListenAddr is the HTTP bind address.
	ListenAddr string `json:"listen_addr"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log"`

	Storage StorageConfig `json:"storage"`
	AI      AIConfig      `json:"ai"`
	Cleanup CleanupConfig `json:"cleanup"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:    "/var/lib/lumen",
		ListenAddr: ":8080",
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
		Storage: DefaultStorageConfig(),
		AI:      DefaultAIConfig(),
		Cleanup: DefaultCleanupConfig(),
	}
}

// LoadConfig loads configuration from file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	conf := DefaultConfig()
	if path == "" {
		return conf, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return conf, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return conf, nil
}

// EnsureDirs creates the static directories the server needs at startup.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(
		c.dbDir(),
		c.LockDir(),
		c.Storage.Local.BasePathOr(c.RootDir),
	)
}

func (c *Config) dbDir() string { return filepath.Join(c.RootDir, "db") }

// DatabasePath is the SQLite catalog file.
func (c *Config) DatabasePath() string { return filepath.Join(c.dbDir(), "lumen.db") }

// LockDir holds the flock files serializing singleton background workers.
func (c *Config) LockDir() string { return filepath.Join(c.RootDir, "locks") }

// DispatcherLock is the AI dispatcher's singleton lock file.
func (c *Config) DispatcherLock() string { return filepath.Join(c.LockDir(), "dispatcher.lock") }

// CleanupLock is the trash purge runner's singleton lock file.
func (c *Config) CleanupLock() string { return filepath.Join(c.LockDir(), "cleanup.lock") }
