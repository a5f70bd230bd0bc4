package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		opts    LogOptions
		wantErr bool
	}{
		{name: "defaults", opts: LogOptions{}},
		{name: "structured debug", opts: LogOptions{Level: "debug", Profile: "structured"}},
		{name: "uppercase profile", opts: LogOptions{Level: "WARN", Profile: "CONSOLE"}},
		{name: "bad level", opts: LogOptions{Level: "loud"}, wantErr: true},
		{name: "bad profile", opts: LogOptions{Profile: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger("test", tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "golade.log")
	logger, err := NewLogger("test", LogOptions{Level: "info", File: path})
	require.NoError(t, err)

	logger.Info("hello file", zap.String("k", "v"))
	logger.Debug("filtered")
	_ = logger.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"hello file"`)
	assert.Contains(t, string(b), `"service":"test"`)
	assert.NotContains(t, string(b), "filtered")
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("test", true)
	require.NotNil(t, CLILogger)
	assert.True(t, CLILogger.Core().Enabled(zap.DebugLevel))

	InitCLILogger("test", false)
	assert.False(t, CLILogger.Core().Enabled(zap.DebugLevel))

	require.Error(t, InitCLILoggerWithOptions("test", LogOptions{Profile: "xml"}))
	require.NoError(t, InitCLILoggerWithOptions("test", LogOptions{Level: "error"}))
	assert.False(t, CLILogger.Core().Enabled(zap.WarnLevel))
}
