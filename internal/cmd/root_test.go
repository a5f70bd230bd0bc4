package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/golade/internal/server/handlers"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() {
		versionInfo = orig
		handlers.SetVersionInfo(orig.Version, orig.Commit, orig.BuildDate)
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "set all values", version: "1.0.0", commit: "abc123", buildDate: "2024-01-15"},
		{name: "set dev version", version: "dev", commit: "HEAD", buildDate: "unknown"},
		{name: "set empty values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)

			served := handlers.CurrentVersion()
			assert.Equal(t, tt.version, served.Version)
			assert.Equal(t, tt.commit, served.Commit)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	t.Run("returns nil before init", func(t *testing.T) {
		orig := appIdentity
		appIdentity = nil
		defer func() { appIdentity = orig }()

		assert.Nil(t, GetAppIdentity())
	})

	t.Run("defaults to golade", func(t *testing.T) {
		id := GetAppIdentity()
		require.NotNil(t, id)
		assert.Equal(t, "golade", id.BinaryName)
		assert.Equal(t, "GOLADE", id.EnvPrefix)
	})
}

func TestExitError(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		message string
		err     error
		want    string
	}{
		{name: "basic error", code: 1, message: "Something failed", err: assert.AnError, want: "Something failed"},
		{name: "includes exit code", code: 32, message: "Auth failed", err: assert.AnError, want: "exit code 32"},
		{name: "includes cause", code: 1, message: "Build completed with failures", err: errors.New("failed=2"), want: "failed=2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exitError(tt.code, tt.message, tt.err)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.code, ExitCode(err))
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "plain error", err: errors.New("boom"), want: 1},
		{name: "exit error", err: exitError(foundry.ExitInvalidArgument, "bad", assert.AnError), want: foundry.ExitInvalidArgument},
		{name: "wrapped exit error", err: fmt.Errorf("outer: %w", exitError(foundry.ExitFileWriteError, "write", assert.AnError)), want: foundry.ExitFileWriteError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}
