package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"
)

// UnitName is the systemd unit that autostarts the host.
const UnitName = "sentinel.service"

const systemctlTimeout = 15 * time.Second

// User unit: tied to the graphical session so DISPLAY and the session
// bus are available.
const userUnitTemplate = `[Unit]
Description=Sentinel window enforcement and presence host
PartOf=graphical-session.target
After=graphical-session.target

[Service]
Type=simple
ExecStart={{.ExecStart}}
Restart=on-failure
RestartSec=10

[Install]
WantedBy=graphical-session.target
`

// System unit (runs as root)
const systemUnitTemplate = `[Unit]
Description=Sentinel window enforcement and presence host
After=systemd-logind.service display-manager.service

[Service]
Type=simple
ExecStart={{.ExecStart}}
Restart=always
RestartSec=10

[Install]
WantedBy=graphical.target
`

type unitConfig struct {
	ExecStart string
}

// SystemdManager installs the host as a systemd service for autostart.
type SystemdManager struct {
	mode     ExecMode
	unitDir  string
	unitPath string
	runner   CommandRunner
}

// NewSystemdManager creates a manager for the unit directory of config.
func NewSystemdManager(config *ExecModeConfig, runner CommandRunner) *SystemdManager {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &SystemdManager{
		mode:     config.Mode,
		unitDir:  config.UnitDir,
		unitPath: filepath.Join(config.UnitDir, UnitName),
		runner:   runner,
	}
}

// UnitPath returns the unit file path.
func (m *SystemdManager) UnitPath() string {
	return m.unitPath
}

// generateUnitContent renders the unit for the given binary and config.
func (m *SystemdManager) generateUnitContent(execPath, configPath string) ([]byte, error) {
	tmplStr := userUnitTemplate
	if m.mode == ExecModeSystem {
		tmplStr = systemUnitTemplate
	}

	execStart := execPath + " host"
	if configPath != "" {
		execStart += " --config " + configPath
	}

	tmpl, err := template.New("unit").Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse unit template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, unitConfig{ExecStart: execStart}); err != nil {
		return nil, fmt.Errorf("failed to execute unit template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes the unit, reloads systemd and enables the service.
func (m *SystemdManager) Install(execPath, configPath string) error {
	if err := os.MkdirAll(m.unitDir, 0755); err != nil {
		return err
	}

	content, err := m.generateUnitContent(execPath, configPath)
	if err != nil {
		return fmt.Errorf("failed to generate unit content: %w", err)
	}
	if err := os.WriteFile(m.unitPath, content, 0644); err != nil {
		return err
	}

	if err := m.systemctl("daemon-reload"); err != nil {
		return err
	}
	return m.systemctl("enable", UnitName)
}

// Uninstall disables the service and removes the unit.
func (m *SystemdManager) Uninstall() error {
	// Disable first (ignore errors if not enabled)
	_ = m.systemctl("disable", UnitName)

	if err := os.Remove(m.unitPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return m.systemctl("daemon-reload")
}

// IsInstalled checks if the unit file exists.
func (m *SystemdManager) IsInstalled() bool {
	_, err := os.Stat(m.unitPath)
	return err == nil
}

// NeedsUpdate checks if the unit exists but differs from what Install
// would write.
func (m *SystemdManager) NeedsUpdate(execPath, configPath string) bool {
	if !m.IsInstalled() {
		return false // Doesn't exist, needs install not update
	}

	currentContent, err := os.ReadFile(m.unitPath)
	if err != nil {
		return true
	}
	expectedContent, err := m.generateUnitContent(execPath, configPath)
	if err != nil {
		return true
	}
	return !bytes.Equal(currentContent, expectedContent)
}

// systemctl runs systemctl against the user or system manager.
func (m *SystemdManager) systemctl(args ...string) error {
	if m.mode != ExecModeSystem {
		args = append([]string{"--user"}, args...)
	}
	ctx, cancel := context.WithTimeout(context.Background(), systemctlTimeout)
	defer cancel()
	_, err := m.runner.Run(ctx, "systemctl", args...)
	return err
}
