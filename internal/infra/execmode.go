// Package infra implements the OS-facing adapters of the host.
package infra

import (
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode represents the execution mode of the host.
type ExecMode string

const (
	// ExecModeUser runs inside the desktop session of a regular user.
	ExecModeUser ExecMode = "user"
	// ExecModeSystem runs as root, e.g. for a kiosk seat.
	ExecModeSystem ExecMode = "system"
)

// ExecModeConfig holds the default paths for an execution mode.
type ExecModeConfig struct {
	Mode       ExecMode
	DataDir    string // Encrypted store and its key
	RuntimeDir string // Command socket and instance lock
	LogDir     string
	UnitDir    string // systemd unit directory for autostart
	IsRoot     bool
}

// SocketPath is the default command socket.
func (c *ExecModeConfig) SocketPath() string {
	return filepath.Join(c.RuntimeDir, "sentinel.sock")
}

// LockPath is the default single-instance lock file.
func (c *ExecModeConfig) LockPath() string {
	return filepath.Join(c.RuntimeDir, "sentinel.lock")
}

// LogPath is the default host log.
func (c *ExecModeConfig) LogPath() string {
	return filepath.Join(c.LogDir, "sentinel.log")
}

// ErrorLogPath is the default host error log.
func (c *ExecModeConfig) ErrorLogPath() string {
	return filepath.Join(c.LogDir, "sentinel.error.log")
}

// DetectExecMode determines the execution mode based on effective UID.
func DetectExecMode() *ExecModeConfig {
	if os.Geteuid() == 0 {
		return &ExecModeConfig{
			Mode:       ExecModeSystem,
			DataDir:    "/var/lib/sentinel",
			RuntimeDir: "/run/sentinel",
			LogDir:     "/var/log/sentinel",
			UnitDir:    "/etc/systemd/system",
			IsRoot:     true,
		}
	}
	return userModeConfig(GetRealUserHome(), os.Getenv("XDG_RUNTIME_DIR"))
}

// GetUserModeConfig returns user mode config regardless of current euid.
// Under sudo the invoking user's home is used.
func GetUserModeConfig() *ExecModeConfig {
	cfg := userModeConfig(GetRealUserHome(), os.Getenv("XDG_RUNTIME_DIR"))
	cfg.IsRoot = os.Geteuid() == 0
	return cfg
}

func userModeConfig(home, runtimeDir string) *ExecModeConfig {
	dataDir := filepath.Join(home, ".local", "share", "sentinel")
	if runtimeDir == "" {
		runtimeDir = dataDir
	} else {
		runtimeDir = filepath.Join(runtimeDir, "sentinel")
	}
	return &ExecModeConfig{
		Mode:       ExecModeUser,
		DataDir:    dataDir,
		RuntimeDir: runtimeDir,
		LogDir:     filepath.Join(home, ".local", "state", "sentinel"),
		UnitDir:    filepath.Join(home, ".config", "systemd", "user"),
	}
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user (desktop session)"
	default:
		return "unknown"
	}
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns /root, so we use SUDO_USER to find the real user.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
