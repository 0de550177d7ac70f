package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/sentinel/internal/config"
	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, jsonOutput = "", false
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// isolate points every default path into a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("SENTINEL_HOST_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("SENTINEL_HOST_SOCKET_PATH", filepath.Join(dir, "sentinel.sock"))
	t.Setenv("SENTINEL_HOST_LOCK_PATH", filepath.Join(dir, "sentinel.lock"))
	return dir
}

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{"true", "42", `{"w":800}`, "null", "theme", `"quoted"`})
	assert.Equal(t, []any{true, float64(42), map[string]any{"w": float64(800)}, nil, "theme", "quoted"}, got)
	assert.Empty(t, parseArgs(nil))
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "sentinel "+Version)

	out, err = execute(t, "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version":"`+Version+`"`)
}

func TestConfigCommand(t *testing.T) {
	dir := isolate(t)
	t.Setenv("SENTINEL_LOG_LEVEL", "debug")

	out, err := execute(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "not found")
	assert.Contains(t, out, "level = 'debug'")
	assert.Contains(t, out, filepath.Join(dir, "sentinel.sock"))

	path := filepath.Join(dir, "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte("[window]\nclass = 'my-ui'\n"), 0600))
	out, err = execute(t, "config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "# loaded from "+path)
	assert.Contains(t, out, "class = 'my-ui'")

	cfg := config.Config{}
	require.NoError(t, config.Decode(bytes.NewReader([]byte(out)), &cfg))
	assert.Equal(t, "my-ui", cfg.Window.Class)
}

func TestStatus_NotRunning(t *testing.T) {
	isolate(t)

	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "NOT RUNNING")
}

func TestInvoke_Errors(t *testing.T) {
	isolate(t)

	_, err := execute(t, "invoke", "open-devtools")
	assert.ErrorIs(t, err, domain.ErrUnknownCommand)

	_, err = execute(t, "invoke", "get-device-status")
	assert.Error(t, err, "no host listening")

	_, err = execute(t, "invoke")
	assert.Error(t, err)
}

func TestStoreList(t *testing.T) {
	isolate(t)

	out, err := execute(t, "store", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "(0 keys)")
}

func TestCreateLogger(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "logs", "sentinel.log")

	logger := createLogger(config.Log{Level: "debug"}, logPath, filepath.Join(dir, "logs", "sentinel.error.log"))
	logger.Debug("hello")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}
