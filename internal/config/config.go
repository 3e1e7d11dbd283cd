// Package config provides configuration loading for agentd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/logging"
)

// Config is the daemon configuration.
type Config struct {
	Store    StoreConfig    `koanf:"store"`
	Worktree WorktreeConfig `koanf:"worktree"`
	Server   ServerConfig   `koanf:"server"`
	Agents   AgentsConfig   `koanf:"agents"`
	Bridge   BridgeConfig   `koanf:"bridge"`
	Events   EventsConfig   `koanf:"events"`
	Logging  logging.Config `koanf:"logging"`
}

// StoreConfig locates the SQLite database and the blob tree.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `koanf:"path"`
	// BlobRoot is the directory for content above the preview bound.
	BlobRoot string `koanf:"blob_root"`
}

// WorktreeConfig controls git worktree provisioning.
type WorktreeConfig struct {
	// BaseDir is where per-session worktrees are created.
	BaseDir string `koanf:"base_dir"`
}

// ServerConfig is the HTTP bind address.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// AgentsConfig controls agent subprocess management.
type AgentsConfig struct {
	// Binaries overrides the CLI executable per agent type
	// (e.g. claude: /usr/local/bin/claude).
	Binaries map[string]string `koanf:"binaries"`
	// RunDir holds per-agent MCP config files.
	RunDir string `koanf:"run_dir"`
	// PreviewBytes caps inline transcript content.
	PreviewBytes int `koanf:"preview_bytes"`
	// StdinGrace is the voluntary-exit window after stdin closes.
	StdinGrace time.Duration `koanf:"stdin_grace"`
	// TermGrace is how long SIGTERM gets before SIGKILL.
	TermGrace time.Duration `koanf:"term_grace"`
}

// BridgeConfig controls the cross-process approval bridge.
type BridgeConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
}

// EventsConfig controls the optional NATS event mirror.
type EventsConfig struct {
	// NATSURL enables the mirror when non-empty.
	NATSURL string `koanf:"nats_url"`
}

// DefaultConfig returns production defaults rooted under the user's data
// directory.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Store: StoreConfig{
			Path:     filepath.Join(dataDir, "agentd.db"),
			BlobRoot: filepath.Join(dataDir, "blobs"),
		},
		Worktree: WorktreeConfig{
			BaseDir: filepath.Join(dataDir, "worktrees"),
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8390,
			ShutdownTimeout: 10 * time.Second,
		},
		Agents: AgentsConfig{
			RunDir:       filepath.Join(dataDir, "run"),
			PreviewBytes: 4096,
			StdinGrace:   2 * time.Second,
			TermGrace:    5 * time.Second,
		},
		Bridge: BridgeConfig{
			PollInterval: 2 * time.Second,
		},
		Logging: *logging.NewDefaultConfig(),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "agentd")
	}
	return filepath.Join(home, ".local", "share", "agentd")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.BlobRoot == "" {
		return fmt.Errorf("store.blob_root is required")
	}
	if c.Worktree.BaseDir == "" {
		return fmt.Errorf("worktree.base_dir is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Agents.PreviewBytes <= 0 {
		return fmt.Errorf("agents.preview_bytes must be positive")
	}
	if c.Bridge.PollInterval <= 0 {
		return fmt.Errorf("bridge.poll_interval must be positive")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
