package config

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap/zapcore"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.Host.DataDir == "" {
		return errors.New("host.data_dir must be set")
	}
	if c.Host.SocketPath == "" {
		return errors.New("host.socket_path must be set")
	}
	if c.Host.LockPath == "" {
		return errors.New("host.lock_path must be set")
	}
	if c.Window.Class == "" && c.Window.ProcessName == "" {
		return errors.New("window.class or window.process_name must be set")
	}
	if c.Window.CheckIntervalSeconds <= 0 {
		return errors.New("window.check_interval_seconds must be positive")
	}
	if c.Renderer.ListenAddr != "" {
		if err := requireLoopback("renderer.listen_addr", c.Renderer.ListenAddr); err != nil {
			return err
		}
	}
	if c.Metrics.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.ListenAddr); err != nil {
			return fmt.Errorf("metrics.listen_addr: %w", err)
		}
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// requireLoopback rejects addresses reachable from other machines; the
// renderer transport is privileged.
func requireLoopback(field, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%s must be a loopback address, got %q", field, addr)
	}
	return nil
}
