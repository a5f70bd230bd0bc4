package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points user config lookups at an empty directory.
func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("GOLADE_CONFIG", "")
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "console", cfg.Logging.Profile)
		assert.Empty(t, cfg.Logging.File)

		assert.True(t, cfg.Health.Enabled)
		assert.False(t, cfg.Debug.Enabled)
		assert.False(t, cfg.Debug.PprofEnabled)

		assert.Empty(t, cfg.Build.Timeout)
		assert.Zero(t, cfg.Build.Concurrency)
		assert.False(t, cfg.Build.NoCache)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "console", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("GOLADE_PORT", "3000")
		t.Setenv("GOLADE_LOG_LEVEL", "warn")
		t.Setenv("GOLADE_HEALTH_ENABLED", "false")
		t.Setenv("GOLADE_TIMEOUT", "0")
		t.Setenv("GOLADE_CONCURRENCY", "3")
		t.Setenv("GOLADE_NO_CACHE", "true")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Health.Enabled)
		assert.Equal(t, "0", cfg.Build.Timeout)
		assert.Equal(t, 3, cfg.Build.Concurrency)
		assert.True(t, cfg.Build.NoCache)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("GOLADE_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{
			"server": map[string]any{"port": 5000},
		})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("UserConfigFile", func(t *testing.T) {
		isolate(t)
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("logging:\n  profile: structured\nserver:\n  port: 7000\n"), 0o644))
		t.Setenv("GOLADE_CONFIG", path)
		t.Setenv("GOLADE_PORT", "7100")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "structured", cfg.Logging.Profile)
		assert.Equal(t, 7100, cfg.Server.Port, "env beats the config file")
	})

	t.Run("InvalidValues", func(t *testing.T) {
		isolate(t)
		_, err := Load(ctx, map[string]any{"logging": map[string]any{"level": "loud"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logging.level")
	})

	t.Run("CanceledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

func TestEnvSpecs(t *testing.T) {
	isolate(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "GOLADE_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}

	for _, want := range []string{"GOLADE_LOG_LEVEL", "GOLADE_PORT", "GOLADE_HOST", "GOLADE_OUTPUT", "GOLADE_TIMEOUT", "GOLADE_FRESHNESS_WINDOW"} {
		assert.True(t, names[want], "%s must be mapped", want)
	}
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("GOLADE_READ_TIMEOUT", "45s")
	t.Setenv("GOLADE_SHUTDOWN_TIMEOUT", "5m")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
}

func TestConfigReload(t *testing.T) {
	isolate(t)
	ctx := context.Background()

	cfg1, err := Load(ctx)
	require.NoError(t, err)

	cfg2, err := Load(ctx, map[string]any{
		"server": map[string]any{"port": cfg1.Server.Port + 1000},
	})
	require.NoError(t, err)

	assert.Equal(t, cfg1.Server.Port+1000, cfg2.Server.Port)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() { _, _ = Load(context.Background()) }()

	assert.Empty(t, getUserConfigPaths())
	assert.Empty(t, getEnvSpecs())
	assert.Nil(t, GetConfig())
}

func TestSetAppIdentity(t *testing.T) {
	isolate(t)
	defer SetAppIdentity(DefaultAppIdentity)

	SetAppIdentity(AppIdentity{BinaryName: "lade", EnvPrefix: "LADE", ConfigName: "lade"})
	t.Setenv("LADE_PORT", "6100")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6100, cfg.Server.Port)

	for _, p := range getUserConfigPaths() {
		assert.Contains(t, p, "lade")
	}
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"a": 1,
		"b": map[string]any{"c": "x", "d": map[string]any{"e": true}},
	})
	assert.Equal(t, map[string]any{"a": 1, "b.c": "x", "b.d.e": true}, got)
}

func TestSetConfigFile(t *testing.T) {
	isolate(t)
	defer SetConfigFile("")

	path := filepath.Join(t.TempDir(), "explicit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644))

	SetConfigFile(path)
	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)

	SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file")
}
