package infra

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectExecMode_ReturnsCorrectPaths(t *testing.T) {
	config := DetectExecMode()

	if os.Geteuid() == 0 {
		assert.Equal(t, ExecModeSystem, config.Mode)
		assert.Equal(t, "/var/lib/sentinel", config.DataDir)
		assert.Equal(t, "/run/sentinel/sentinel.sock", config.SocketPath())
		assert.True(t, config.IsRoot)
		return
	}

	assert.Equal(t, ExecModeUser, config.Mode)
	assert.Equal(t, filepath.Join(GetRealUserHome(), ".local", "share", "sentinel"), config.DataDir)
	assert.False(t, config.IsRoot)
}

func TestUserModeConfig_RuntimeDir(t *testing.T) {
	tests := []struct {
		name       string
		runtimeDir string
		wantSocket string
	}{
		{
			name:       "uses XDG_RUNTIME_DIR when set",
			runtimeDir: "/run/user/1000",
			wantSocket: "/run/user/1000/sentinel/sentinel.sock",
		},
		{
			name:       "falls back to data dir",
			runtimeDir: "",
			wantSocket: "/home/ada/.local/share/sentinel/sentinel.sock",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := userModeConfig("/home/ada", tt.runtimeDir)
			assert.Equal(t, tt.wantSocket, cfg.SocketPath())
			assert.Equal(t, filepath.Dir(cfg.SocketPath()), filepath.Dir(cfg.LockPath()))
			assert.Equal(t, "/home/ada/.local/state/sentinel/sentinel.log", cfg.LogPath())
			assert.Equal(t, "/home/ada/.local/state/sentinel/sentinel.error.log", cfg.ErrorLogPath())
			assert.Equal(t, "/home/ada/.config/systemd/user", cfg.UnitDir)
		})
	}
}

func TestExecMode_String(t *testing.T) {
	tests := []struct {
		mode     ExecMode
		expected string
	}{
		{ExecModeUser, "user (desktop session)"},
		{ExecModeSystem, "system (root)"},
		{ExecMode("invalid"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.mode.String())
		})
	}
}

func TestGetRealUserHome_WithoutSudo(t *testing.T) {
	t.Setenv("SUDO_USER", "")
	home, _ := os.UserHomeDir()
	assert.Equal(t, home, GetRealUserHome())
}
