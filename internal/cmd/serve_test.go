package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/golade/internal/config"
)

func TestSignalHealthChecker(t *testing.T) {
	checker := signalHealthChecker{}

	t.Run("always returns nil", func(t *testing.T) {
		assert.NoError(t, checker.CheckHealth(context.Background()))
	})
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		errContain string
	}{
		{name: "all fields valid", binaryName: "golade", envPrefix: "GOLADE", configName: "golade"},
		{name: "missing binary name", envPrefix: "GOLADE", configName: "golade", errContain: "missing binary name"},
		{name: "missing env prefix", binaryName: "golade", configName: "golade", errContain: "missing env prefix"},
		{name: "missing config name", binaryName: "golade", envPrefix: "GOLADE", errContain: "missing config name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.errContain != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestProjectHealthChecker(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	tests := []struct {
		name    string
		root    string
		wantErr bool
	}{
		{name: "directory", root: dir},
		{name: "missing", root: filepath.Join(dir, "nope"), wantErr: true},
		{name: "regular file", root: file, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := projectHealthChecker{root: tt.root}.CheckHealth(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestShutdownTimeout(t *testing.T) {
	cfg := &config.Config{}
	assert.Equal(t, 10*time.Second, shutdownTimeout(cfg))

	cfg.Server.ShutdownTimeout = 3 * time.Second
	assert.Equal(t, 3*time.Second, shutdownTimeout(cfg))
}
