package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func TestLoadOrDefault_MissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")

	cfg, err := LoadOrDefault(path, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_ParsesKnownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[engine]
require_wifi = true
holding_queue_max_concurrent = 2

[logging]
log_level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path, discardLogger())
	require.NoError(t, err)
	assert.True(t, cfg.Engine.RequireWiFi)
	assert.Equal(t, 2, cfg.Engine.HoldingQueueMaxConcurrent)
	assert.Equal(t, "debug", cfg.Logging.LogLevel)
}

func TestLoad_UnknownKeyErrorsWithSuggestion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[engine]
require_wif = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "require_wifi")
}

func TestResolveConfigPath_PrecedenceCLIOverEnvOverDefault(t *testing.T) {
	logger := discardLogger()

	assert.Equal(t, DefaultConfigPath(), ResolveConfigPath(EnvOverrides{}, "", logger))
	assert.Equal(t, "/env/path.toml", ResolveConfigPath(EnvOverrides{ConfigPath: "/env/path.toml"}, "", logger))
	assert.Equal(t, "/cli/path.toml", ResolveConfigPath(EnvOverrides{ConfigPath: "/env/path.toml"}, "/cli/path.toml", logger))
}

func TestApplyRequireWiFiOverride_CLIWinsOverEnv(t *testing.T) {
	cfg := DefaultConfig()
	envTrue := true
	cliFalse := false

	ApplyRequireWiFiOverride(cfg, EnvOverrides{RequireWiFi: &envTrue}, &cliFalse)
	assert.False(t, cfg.Engine.RequireWiFi)
}

func TestApplyRequireWiFiOverride_EnvAppliesWhenNoCLI(t *testing.T) {
	cfg := DefaultConfig()
	envTrue := true

	ApplyRequireWiFiOverride(cfg, EnvOverrides{RequireWiFi: &envTrue}, nil)
	assert.True(t, cfg.Engine.RequireWiFi)
}
