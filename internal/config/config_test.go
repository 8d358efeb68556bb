package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"ENABLE_SYNC",
		"ENABLE_MCP",
		"MCP_LISTEN_ADDR",
		"BILM_EMAIL",
		"BILM_PASSWORD",
		"BILM_REMOTE_HOST",
		"BILM_REMOTE_COLLECTION",
		"BILM_AUTH_URL",
		"BILM_DATA_DIR",
		"BILM_IMPORT_DIR",
		"BILM_LIST_RULES",
		"DEVICE_NAME",
		"SYNC_PUSH_DEBOUNCE",
		"SYNC_PUSH_INTERVAL",
		"SYNC_PUSH_FLOOR",
		"ENVIRONMENT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setSyncEnv sets the minimum env vars for sync mode.
func setSyncEnv(t *testing.T, dataDir string) {
	t.Helper()
	t.Setenv("ENABLE_SYNC", "true")
	t.Setenv("BILM_EMAIL", "test@example.com")
	t.Setenv("BILM_PASSWORD", "secret123")
	t.Setenv("BILM_REMOTE_HOST", "sync.bilm.example")
	t.Setenv("BILM_AUTH_URL", "https://auth.bilm.example")
	t.Setenv("BILM_DATA_DIR", dataDir)
}

// --- Load: sync mode ---

func TestLoad_SyncMode(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	setSyncEnv(t, dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.EnableSync)
	assert.False(t, cfg.EnableMCP)
	assert.Equal(t, "test@example.com", cfg.Email)
	assert.Equal(t, "secret123", cfg.Password)
	assert.Equal(t, "sync.bilm.example", cfg.RemoteHost)
	assert.Equal(t, "users", cfg.RemoteCollection)
	assert.Equal(t, dir, cfg.DataDir)
}

func TestLoad_SyncMode_MissingEmail(t *testing.T) {
	clearConfigEnv(t)
	setSyncEnv(t, t.TempDir())
	os.Unsetenv("BILM_EMAIL")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BILM_EMAIL")
}

func TestLoad_SyncMode_MissingRemoteHost(t *testing.T) {
	clearConfigEnv(t)
	setSyncEnv(t, t.TempDir())
	os.Unsetenv("BILM_REMOTE_HOST")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BILM_REMOTE_HOST")
}

func TestLoad_SyncMode_MissingAuthURL(t *testing.T) {
	clearConfigEnv(t)
	setSyncEnv(t, t.TempDir())
	os.Unsetenv("BILM_AUTH_URL")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BILM_AUTH_URL")
}

func TestLoad_SyncDisabled_NoCredentialsNeeded(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("ENABLE_SYNC", "false")
	t.Setenv("BILM_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.EnableSync)
	assert.Empty(t, cfg.Email)
}

// --- Load: defaults ---

func TestLoad_TimingDefaults(t *testing.T) {
	clearConfigEnv(t)
	setSyncEnv(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 800*time.Millisecond, cfg.PushDebounce)
	assert.Equal(t, 5*time.Second, cfg.PushInterval)
	assert.Equal(t, 15*time.Second, cfg.PushFloor)
	assert.Equal(t, "127.0.0.1:8791", cfg.MCPListenAddr)
	assert.Equal(t, "development", cfg.Environment)
}

func TestLoad_TimingOverrides(t *testing.T) {
	clearConfigEnv(t)
	setSyncEnv(t, t.TempDir())
	t.Setenv("SYNC_PUSH_DEBOUNCE", "2s")
	t.Setenv("SYNC_PUSH_INTERVAL", "30s")
	t.Setenv("SYNC_PUSH_FLOOR", "1m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.PushDebounce)
	assert.Equal(t, 30*time.Second, cfg.PushInterval)
	assert.Equal(t, time.Minute, cfg.PushFloor)
}

func TestLoad_InvalidTiming(t *testing.T) {
	clearConfigEnv(t)
	setSyncEnv(t, t.TempDir())
	t.Setenv("SYNC_PUSH_DEBOUNCE", "0s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_PUSH_DEBOUNCE")
}

func TestLoad_DeviceNameDefaultsToHostname(t *testing.T) {
	clearConfigEnv(t)
	setSyncEnv(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.DeviceName)
}

func TestLoad_DeviceNameOverride(t *testing.T) {
	clearConfigEnv(t)
	setSyncEnv(t, t.TempDir())
	t.Setenv("DEVICE_NAME", "study-laptop")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "study-laptop", cfg.DeviceName)
}

func TestLoad_ImportDirResolvedAbsolute(t *testing.T) {
	clearConfigEnv(t)
	setSyncEnv(t, t.TempDir())
	t.Setenv("BILM_IMPORT_DIR", "imports")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, len(cfg.ImportDir) > len("imports"))
	assert.Contains(t, cfg.ImportDir, "imports")
}

// --- IsProduction ---

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
}
