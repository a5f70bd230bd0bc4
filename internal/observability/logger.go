// Package observability owns the process loggers.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the logger used by commands. It writes to stderr so stdout
// stays free for reports. It is a no-op until InitCLILogger runs.
var CLILogger = zap.NewNop()

// Profiles select the encoder.
const (
	ProfileConsole    = "console"
	ProfileStructured = "structured"
)

// LogOptions configures NewLogger.
type LogOptions struct {
	// Level is debug, info, warn or error. Default: info.
	Level string

	// Profile is console (human-readable) or structured (JSON).
	Profile string

	// File, when set, also writes structured logs to a rotated file.
	File string

	// MaxSizeMB and MaxBackups bound the rotated file. Defaults: 50, 3.
	MaxSizeMB  int
	MaxBackups int
}

// InitCLILogger installs a console CLILogger for service name. verbose
// lowers the level to debug.
func InitCLILogger(name string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := NewLogger(name, LogOptions{Level: level, Profile: ProfileConsole})
	if err != nil {
		logger = zap.NewNop()
	}
	CLILogger = logger
}

// InitCLILoggerWithOptions installs a CLILogger built from opts.
func InitCLILoggerWithOptions(name string, opts LogOptions) error {
	logger, err := NewLogger(name, opts)
	if err != nil {
		return err
	}
	CLILogger = logger
	return nil
}

// NewLogger builds a logger writing to stderr and, optionally, a file.
func NewLogger(name string, opts LogOptions) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(orDefault(opts.Level, "info"))))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(orDefault(opts.Profile, ProfileConsole)) {
	case ProfileConsole:
		encoder = zapcore.NewConsoleEncoder(consoleEncoderConfig())
	case ProfileStructured:
		encoder = zapcore.NewJSONEncoder(structuredEncoderConfig())
	default:
		return nil, fmt.Errorf("invalid log profile %q", opts.Profile)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
	}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefaultInt(opts.MaxSizeMB, 50),
			MaxBackups: orDefaultInt(opts.MaxBackups, 3),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(structuredEncoderConfig()),
			zapcore.AddSync(rotator),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...)).With(zap.String("service", name)), nil
}

// consoleEncoderConfig prints just the message, plus fields, for terminal
// output.
func consoleEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:       "msg",
		LevelKey:         "",
		TimeKey:          "",
		NameKey:          "",
		CallerKey:        "",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: "  ",
	}
}

func structuredEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	return cfg
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func orDefaultInt(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
