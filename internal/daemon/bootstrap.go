package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/eliteGoblin/focusd/sentinel/internal/channel"
)

// HostCommand is the hidden subcommand that runs the host in the foreground.
const HostCommand = "host"

// StartHost spawns a detached host process from the running binary.
func StartHost(configPath string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, err
	}
	return StartHostWithPath(executable, configPath)
}

// StartHostWithPath spawns a detached host from a specific binary.
func StartHostWithPath(executable, configPath string) (int, error) {
	cmd := hostCommand(executable, configPath)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting host: %w", err)
	}
	pid := cmd.Process.Pid
	// The child outlives us; release it so it is not left as a zombie
	// if this process keeps running.
	if err := cmd.Process.Release(); err != nil {
		return pid, err
	}
	return pid, nil
}

func hostCommand(executable, configPath string) *exec.Cmd {
	args := []string{HostCommand}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.Command(executable, args...)

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	// No stdin/stdout/stderr - the host logs to its own files
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd
}

// WaitForSocket polls the command socket until a client can connect.
func WaitForSocket(ctx context.Context, socketPath string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c, err := channel.Dial(ctx, socketPath)
		if err == nil {
			return c.Close()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("host socket %s not ready: %w", socketPath, err)
		case <-ticker.C:
		}
	}
}
