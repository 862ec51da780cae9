package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"

	"peerchat/network"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerchat"
	// BackendLocal shares the registry and signaling through SQLite in the data directory.
	BackendLocal = "local"
	// BackendRelay shares the registry and signaling through a LAN relay.
	BackendRelay = "relay"
	// DefaultIntervalMillis is the default liveness and discovery period.
	DefaultIntervalMillis = 5000
	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// dataDirEnv overrides the resolved data directory.
	dataDirEnv = "PEERCHAT_DATA_DIR"
)

// ErrInvalidConfig is returned when the merged configuration fails validation.
var ErrInvalidConfig = errors.New("config: invalid configuration")

var validate = validator.New()

// Config contains persistent local settings. Environment variables override
// the file on load and are never written back.
type Config struct {
	DisplayName         string   `json:"display_name" env:"PEERCHAT_DISPLAY_NAME" validate:"max=64"`
	Backend             string   `json:"backend" env:"PEERCHAT_BACKEND" validate:"required,oneof=local relay"`
	RelayAddress        string   `json:"relay_address" env:"PEERCHAT_RELAY_ADDRESS" validate:"omitempty,hostname_port"`
	ICEServers          []string `json:"ice_servers" validate:"dive,required"`
	LogLevel            string   `json:"log_level" env:"PEERCHAT_LOG_LEVEL" validate:"required,oneof=debug info warn error"`
	LivenessIntervalMS  int      `json:"liveness_interval_ms" env:"PEERCHAT_LIVENESS_INTERVAL_MS" validate:"min=100"`
	DiscoveryIntervalMS int      `json:"discovery_interval_ms" env:"PEERCHAT_DISCOVERY_INTERVAL_MS" validate:"min=100"`
}

// LivenessInterval returns the self-touch period.
func (c *Config) LivenessInterval() time.Duration {
	return time.Duration(c.LivenessIntervalMS) * time.Millisecond
}

// DiscoveryInterval returns the registry sweep period.
func (c *Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.DiscoveryIntervalMS) * time.Millisecond
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(dataDirEnv); override != "" {
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

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
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

// ApplyEnvironment overlays PEERCHAT_* variables onto cfg.
func ApplyEnvironment(cfg *Config) error {
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	return nil
}

// LoadOrCreate ensures the data directory and config exist, overlays the
// environment and validates the result. It returns the config and the
// data directory.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create directory %q: %w", dataDir, err)
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	case err != nil:
		return nil, "", err
	default:
		if normalizeDefaults(cfg) {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", err
			}
		}
	}

	if err := ApplyEnvironment(cfg); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return cfg, dataDir, nil
}

func defaultConfig() *Config {
	return &Config{
		Backend:             BackendLocal,
		ICEServers:          append([]string(nil), network.DefaultICEServerURLs...),
		LogLevel:            DefaultLogLevel,
		LivenessIntervalMS:  DefaultIntervalMillis,
		DiscoveryIntervalMS: DefaultIntervalMillis,
	}
}

func normalizeDefaults(cfg *Config) bool {
	updated := false

	if cfg.Backend == "" {
		cfg.Backend = BackendLocal
		updated = true
	}
	if cfg.ICEServers == nil {
		cfg.ICEServers = append([]string(nil), network.DefaultICEServerURLs...)
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	if cfg.LivenessIntervalMS <= 0 {
		cfg.LivenessIntervalMS = DefaultIntervalMillis
		updated = true
	}
	if cfg.DiscoveryIntervalMS <= 0 {
		cfg.DiscoveryIntervalMS = DefaultIntervalMillis
		updated = true
	}

	return updated
}
