package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "relaybox"
	// DataDirEnv overrides the data directory when set.
	DataDirEnv = "RELAYBOX_DATA_DIR"
	// DefaultListenAddress is used when no user override exists.
	DefaultListenAddress = "0.0.0.0:9999"
	// DefaultSendTimeoutMillis bounds one direct delivery attempt.
	DefaultSendTimeoutMillis = 10_000
	// DefaultPollIntervalMillis is how often the mailbox is drained.
	DefaultPollIntervalMillis = 30_000
	// DefaultLogLevel is the logrus level used when none is configured.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName     = "config.json"
	databaseFileName   = "relaybox.db"
	privateKeyFileName = "x25519_private.pem"
)

// NodeConfig contains persistent local-node settings.
type NodeConfig struct {
	PeerID             string `json:"peer_id"`
	DisplayName        string `json:"display_name"`
	ListenAddress      string `json:"listen_address"`
	PrivateKeyPath     string `json:"private_key_path"`
	DatabaseFile       string `json:"database_file"`
	BlobDir            string `json:"blob_dir"`
	SendTimeoutMillis  int64  `json:"send_timeout_ms"`
	PollIntervalMillis int64  `json:"poll_interval_ms"`
	PresenceEnabled    *bool  `json:"presence_enabled,omitempty"`
	LogLevel           string `json:"log_level"`
}

// SendTimeout returns the configured direct send bound.
func (c *NodeConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMillis) * time.Millisecond
}

// PollInterval returns the configured mailbox poll interval.
func (c *NodeConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// Presence reports whether mDNS presence should run. It defaults to on.
func (c *NodeConfig) Presence() bool {
	return c.PresenceEnabled == nil || *c.PresenceEnabled
}

// Level parses LogLevel, falling back to info.
func (c *NodeConfig) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If RELAYBOX_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "blobs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = &NodeConfig{}
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "relaybox node"
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false

	if strings.TrimSpace(cfg.PeerID) == "" {
		cfg.PeerID = uuid.NewString()
		updated = true
	}

	if cfg.DisplayName == "" {
		cfg.DisplayName = defaultDisplayName()
		updated = true
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
		updated = true
	}

	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = filepath.Join(dataDir, "keys", privateKeyFileName)
		updated = true
	}

	if cfg.DatabaseFile == "" {
		cfg.DatabaseFile = filepath.Join(dataDir, databaseFileName)
		updated = true
	}

	if cfg.BlobDir == "" {
		cfg.BlobDir = filepath.Join(dataDir, "blobs")
		updated = true
	}

	if cfg.SendTimeoutMillis <= 0 {
		cfg.SendTimeoutMillis = DefaultSendTimeoutMillis
		updated = true
	}

	if cfg.PollIntervalMillis <= 0 {
		cfg.PollIntervalMillis = DefaultPollIntervalMillis
		updated = true
	}

	if cfg.PresenceEnabled == nil {
		enabled := true
		cfg.PresenceEnabled = &enabled
		updated = true
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}
