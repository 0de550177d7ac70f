// Package config loads host settings from a TOML file overlaid with
// SENTINEL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	"github.com/eliteGoblin/focusd/sentinel/internal/infra"
)

// EnvPrefix prefixes every environment override, e.g.
// SENTINEL_HOST_SOCKET_PATH or SENTINEL_LOG_LEVEL.
const EnvPrefix = "SENTINEL"

// Config is the full host configuration.
type Config struct {
	Host     Host     `toml:"host"`
	Window   Window   `toml:"window"`
	Renderer Renderer `toml:"renderer"`
	Metrics  Metrics  `toml:"metrics"`
	Log      Log      `toml:"log"`
}

// Host holds filesystem locations.
type Host struct {
	DataDir      string `toml:"data_dir" split_words:"true"`
	SocketPath   string `toml:"socket_path" split_words:"true"`
	LockPath     string `toml:"lock_path" split_words:"true"`
	LogPath      string `toml:"log_path" split_words:"true"`
	ErrorLogPath string `toml:"error_log_path" split_words:"true"`
}

// RegistryPath is the host record file, kept beside the instance lock.
func (h Host) RegistryPath() string {
	return filepath.Join(filepath.Dir(h.LockPath), "sentinel.json")
}

// Window says how to find the renderer window.
type Window struct {
	Class                string `toml:"class"`
	ProcessName          string `toml:"process_name" split_words:"true"`
	CheckIntervalSeconds int    `toml:"check_interval_seconds" split_words:"true"`
}

// CheckInterval is how often window presence is re-checked.
func (w Window) CheckInterval() time.Duration {
	return time.Duration(w.CheckIntervalSeconds) * time.Second
}

// Renderer configures the WebSocket transport. An empty ListenAddr
// disables it.
type Renderer struct {
	ListenAddr     string   `toml:"listen_addr" split_words:"true"`
	AllowedOrigins []string `toml:"allowed_origins" split_words:"true"`
}

// Metrics configures the Prometheus endpoint. An empty ListenAddr
// disables it.
type Metrics struct {
	ListenAddr string `toml:"listen_addr" split_words:"true"`
}

// Log configures zap.
type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Default returns defaults for the detected execution mode.
func Default() Config {
	return DefaultFor(infra.DetectExecMode())
}

// DefaultFor returns defaults rooted at the paths of mode.
func DefaultFor(mode *infra.ExecModeConfig) Config {
	return Config{
		Host: Host{
			DataDir:      mode.DataDir,
			SocketPath:   mode.SocketPath(),
			LockPath:     mode.LockPath(),
			LogPath:      mode.LogPath(),
			ErrorLogPath: mode.ErrorLogPath(),
		},
		Window: Window{
			Class:                "sentinel-renderer",
			ProcessName:          "sentinel-renderer",
			CheckIntervalSeconds: 2,
		},
		Renderer: Renderer{
			ListenAddr:     "127.0.0.1:7421",
			AllowedOrigins: []string{"app://sentinel"},
		},
		Log: Log{
			Level: "info",
		},
	}
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	if base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); base != "" {
		return filepath.Join(base, "sentinel", "config.toml"), nil
	}
	return expandPath("~/.config/sentinel/config.toml")
}

// Load reads the file at path (or the default location when empty),
// applies environment overrides and validates the result. It also returns
// the resolved path and whether the file existed; a missing file is not
// an error.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolved)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		if err := Decode(file, &cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, "", false, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

// Decode reads TOML into cfg. Keys not in Config are rejected.
func Decode(r io.Reader, cfg *Config) error {
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// Encode writes cfg as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		var err error
		if path, err = DefaultConfigPath(); err != nil {
			return "", false, err
		}
	}
	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", expanded)
	}
	return expanded, true, nil
}

func (c *Config) normalize() error {
	for _, p := range []*string{
		&c.Host.DataDir,
		&c.Host.SocketPath,
		&c.Host.LockPath,
		&c.Host.LogPath,
		&c.Host.ErrorLogPath,
	} {
		expanded, err := expandPath(strings.TrimSpace(*p))
		if err != nil {
			return err
		}
		*p = expanded
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if strings.HasPrefix(pathValue, "~/") {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}
