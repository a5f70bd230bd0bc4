// Package cmd implements the golade command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/golade/internal/config"
	"github.com/3leaps/golade/internal/observability"
	"github.com/3leaps/golade/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var appIdentity *config.AppIdentity

var (
	cfgFile    string
	logLevel   string
	logProfile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "golade",
	Short: "Run data loaders and materialize their artifacts",
	Long: `golade discovers data loaders under a root directory, runs each one as a
subprocess, and writes its stdout to a static artifact whose path is derived
from the loader's file name (data/quakes.json.py -> dist/data/quakes.json).

Results are cached by a fingerprint of the loader's inputs, so unchanged
loaders are not re-run.

Examples:
  golade build                 # Build the project in the current directory
  golade plan                  # Show what would run and why
  golade cache stats           # Inspect the artifact cache
  golade serve                 # Serve health and build endpoints`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	id := config.DefaultAppIdentity
	appIdentity = &id
	config.SetAppIdentity(id)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logProfile, "log-profile", "", "Log profile (console|structured)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (debug logging)")
}

// SetVersionInfo records build metadata for `golade version` and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity of the running binary.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

func initConfig(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)

	logging := map[string]any{}
	switch {
	case logLevel != "":
		logging["level"] = logLevel
	case verbose:
		logging["level"] = "debug"
	}
	if logProfile != "" {
		logging["profile"] = logProfile
	}

	cfg, err := config.Load(cmd.Context(), map[string]any{"logging": logging})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	name := "golade"
	if appIdentity != nil && appIdentity.BinaryName != "" {
		name = appIdentity.BinaryName
	}
	return observability.InitCLILoggerWithOptions(name, observability.LogOptions{
		Level:   cfg.Logging.Level,
		Profile: cfg.Logging.Profile,
		File:    cfg.Logging.File,
	})
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	return ExitCode(err)
}

// ExitWithCode logs msg and terminates the process with code.
func ExitWithCode(logger *zap.Logger, code int, msg string, err error) {
	logger.Error(msg, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}

// isCanceled reports whether err stems from the command context ending.
func isCanceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
