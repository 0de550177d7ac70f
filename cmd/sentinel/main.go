// Package main is the CLI entry point for sentinel.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/sentinel/internal/channel"
	"github.com/eliteGoblin/focusd/sentinel/internal/config"
	"github.com/eliteGoblin/focusd/sentinel/internal/daemon"
	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
	"github.com/eliteGoblin/focusd/sentinel/internal/infra"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Window enforcement and presence host",
	Long: `sentinel owns the renderer window and the user's presence state.
It holds the window in persistent alert when asked, reports lock, sleep
and idle transitions, and persists renderer settings in an encrypted store.`,
	Version:      Version,
	SilenceUsage: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the host in the background",
	RunE:  runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show host and presence status",
	RunE:  runStatus,
}

var invokeCmd = &cobra.Command{
	Use:   "invoke <channel> [json-args...]",
	Short: "Send a command to the running host",
	Long: `Sends one command over the host socket. Each argument is parsed as
JSON; anything that is not valid JSON is sent as a string.

Channels: ` + fmt.Sprint(channel.Names()),
	Args: cobra.MinimumNArgs(1),
	RunE: runInvoke,
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect the encrypted settings store",
}

var storeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stored keys and values",
	RunE:  runStoreList,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install a systemd unit that starts the host with the session",
	RunE:  runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the systemd unit",
	RunE:  runUninstall,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as TOML",
	RunE:  runConfig,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

// Hidden host command - used for self-exec by start
var hostCmd = &cobra.Command{
	Use:    daemon.HostCommand,
	Hidden: true,
	RunE:   runHost,
}

var (
	configPath string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.config/sentinel/config.toml)")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	storeCmd.AddCommand(storeListCmd)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(hostCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	ctx, cancel := context.WithTimeout(cmd.Context(), 200*time.Millisecond)
	alreadyUp := daemon.WaitForSocket(ctx, cfg.Host.SocketPath, 50*time.Millisecond) == nil
	cancel()
	if alreadyUp {
		fmt.Fprintln(out, "sentinel host is already running")
		return nil
	}

	pid, err := daemon.StartHost(configPath)
	if err != nil {
		return fmt.Errorf("failed to start host: %w", err)
	}

	ctx, cancel = context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	if err := daemon.WaitForSocket(ctx, cfg.Host.SocketPath, 100*time.Millisecond); err != nil {
		return fmt.Errorf("host (pid %d) did not come up; see %s: %w", pid, cfg.Host.LogPath, err)
	}

	fmt.Fprintln(out, "\n=== sentinel Started ===")
	fmt.Fprintf(out, "PID: %d\n", pid)
	fmt.Fprintf(out, "Socket: %s\n", cfg.Host.SocketPath)
	if cfg.Renderer.ListenAddr != "" {
		fmt.Fprintf(out, "Renderer: ws://%s%s\n", cfg.Renderer.ListenAddr, channel.WebSocketPath)
	}
	fmt.Fprintf(out, "Log: %s\n", cfg.Host.LogPath)
	fmt.Fprintln(out, "========================")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
	defer cancel()

	fmt.Fprintln(out, "\n=== sentinel Status ===")
	client, err := channel.Dial(ctx, cfg.Host.SocketPath)
	if err != nil {
		fmt.Fprintln(out, "Status: NOT RUNNING")
		fmt.Fprintln(out, "\nRun 'sentinel start' to launch the host.")
		return nil
	}
	defer client.Close()

	snap, err := client.DeviceStatus(ctx)
	if err != nil {
		return fmt.Errorf("query device status: %w", err)
	}

	fmt.Fprintln(out, "Status: RUNNING")
	fmt.Fprintf(out, "Socket: %s\n", cfg.Host.SocketPath)
	writeRecord(out, infra.NewFileRegistry(cfg.Host.RegistryPath(), infra.NewProcessManager()))
	writeSnapshot(out, snap)
	fmt.Fprintln(out, "=======================")
	return nil
}

// writeRecord prints what the host registered about itself, if anything.
func writeRecord(w io.Writer, registry domain.HostRegistry) {
	rec, err := registry.Get()
	if err != nil || rec == nil {
		return
	}
	if alive, _ := registry.IsAlive(); !alive {
		fmt.Fprintf(w, "Host record: stale (pid %d not running)\n", rec.PID)
		return
	}
	fmt.Fprintf(w, "PID: %d\n", rec.PID)
	fmt.Fprintf(w, "Mode: %s\n", rec.Mode)
	if rec.Version != "" {
		fmt.Fprintf(w, "Version: %s\n", rec.Version)
	}
	if rec.RendererAddr != "" {
		fmt.Fprintf(w, "Renderer: ws://%s%s\n", rec.RendererAddr, channel.WebSocketPath)
	}
	fmt.Fprintf(w, "Uptime: %s\n", time.Since(rec.StartedAt).Round(time.Second))
}

func writeSnapshot(w io.Writer, snap domain.PresenceSnapshot) {
	fmt.Fprintf(w, "Idle state: %s (since %s)\n", snap.IdleState, snap.LastTransitionAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Screen locked: %t\n", snap.ScreenLocked)
	fmt.Fprintf(w, "Suspended: %t\n", snap.Suspended)
}

func runInvoke(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	name := args[0]
	kind, ok := channel.KindOf(name)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownCommand, name)
	}
	callArgs := parseArgs(args[1:])

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	client, err := channel.Dial(ctx, cfg.Host.SocketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	if kind == channel.FireAndForget {
		return client.Send(ctx, name, callArgs...)
	}

	var result any
	if err := client.Invoke(ctx, name, &result, callArgs...); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

// parseArgs decodes each argument as JSON, keeping non-JSON text as a string.
func parseArgs(raw []string) []any {
	out := make([]any, 0, len(raw))
	for _, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		out = append(out, v)
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStoreList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := infra.OpenKVStoreWithProvider(cfg.Host.DataDir, infra.NewKeyFile(cfg.Host.DataDir))
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Entries()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Store: %s (%d keys)\n", store.Path(), len(entries))
	for _, e := range entries {
		fmt.Fprintf(out, "  %s = %s  (updated %s)\n", e.Key, e.Value, e.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	execMode := infra.DetectExecMode()
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(executable); err == nil {
		executable = resolved
	}
	if configPath != "" {
		if configPath, err = filepath.Abs(configPath); err != nil {
			return err
		}
	}

	manager := infra.NewSystemdManager(execMode, nil)
	out := cmd.OutOrStdout()
	if manager.IsInstalled() && !manager.NeedsUpdate(executable, configPath) {
		fmt.Fprintf(out, "%s is already installed (%s)\n", infra.UnitName, manager.UnitPath())
		return nil
	}
	if err := manager.Install(executable, configPath); err != nil {
		return fmt.Errorf("failed to install %s: %w", infra.UnitName, err)
	}

	fmt.Fprintf(out, "Execution mode: %s\n", execMode.Mode)
	fmt.Fprintf(out, "Installed %s\n", manager.UnitPath())
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	manager := infra.NewSystemdManager(infra.DetectExecMode(), nil)
	if !manager.IsInstalled() {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to uninstall")
		return nil
	}
	if err := manager.Uninstall(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", manager.UnitPath())
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if exists {
		fmt.Fprintf(out, "# loaded from %s\n", resolved)
	} else {
		fmt.Fprintf(out, "# %s not found; defaults and environment only\n", resolved)
	}
	return cfg.Encode(out)
}

func runHost(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := createLogger(cfg.Log, cfg.Host.LogPath, cfg.Host.ErrorLogPath)
	defer func() { _ = logger.Sync() }()

	// Set up graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	procs := infra.NewProcessManager()
	runner := infra.ExecRunner{}
	mutter := infra.NewMutterIdleSource()
	defer mutter.Close()

	adapters := daemon.Adapters{
		Locator: infra.NewX11Locator(cfg.Window.Class, cfg.Window.ProcessName, procs, runner),
		Idle:    infra.NewFallbackIdleSource(logger.Named("idle"), mutter, infra.NewXPrintIdleSource(runner)),
		Power:   infra.NewLogindPowerSource(logger.Named("power")),
		OpenStore: func() (domain.KeyValueStore, error) {
			return infra.OpenKVStoreWithProvider(cfg.Host.DataDir, infra.NewKeyFile(cfg.Host.DataDir))
		},
		Registry: infra.NewFileRegistry(cfg.Host.RegistryPath(), procs),
	}

	host := daemon.NewHost(cfg, adapters, logger)
	host.Version = Version
	err = host.Run(ctx)
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		logger.Warn("host already running; exiting")
	}
	return err
}

// createLogger writes JSON logs to the configured files, falling back to
// stdout when they cannot be opened.
func createLogger(cfg config.Log, logPath, errorLogPath string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.Level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	zcfg.EncoderConfig.TimeKey = "time"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if logPath != "" {
		_ = os.MkdirAll(filepath.Dir(logPath), 0700)
		zcfg.OutputPaths = []string{logPath}
	}
	if errorLogPath != "" {
		_ = os.MkdirAll(filepath.Dir(errorLogPath), 0700)
		zcfg.ErrorOutputPaths = []string{errorLogPath}
	}

	logger, err := zcfg.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	out := cmd.OutOrStdout()
	if jsonOutput {
		fmt.Fprintf(out, `{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Fprintf(out, "sentinel %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
