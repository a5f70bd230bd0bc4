package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/golade/internal/config"
	"github.com/3leaps/golade/internal/observability"
	"github.com/3leaps/golade/internal/server"
	"github.com/3leaps/golade/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve [project-dir]",
	Short: "Serve health, version and build endpoints",
	Long: `Start an HTTP server exposing health checks, version information and a
build endpoint for the project. Builds run one at a time and reuse the same
cache, so repeated requests only re-run loaders whose inputs changed.

Endpoints:
  GET  /health, /health/live, /health/ready, /health/startup
  GET  /version
  POST /v1/builds          run a build pass and return its report
  GET  /v1/builds/latest   the most recent report

Examples:
  golade serve
  golade serve site/ --port 9000 --build-on-start`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

var (
	serveHost         string
	servePort         int
	serveBuildOnStart bool
	serveNoPublish    bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default: server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default: server.port)")
	serveCmd.Flags().BoolVar(&serveBuildOnStart, "build-on-start", false, "Run a build pass once the server is up")
	serveCmd.Flags().BoolVar(&serveNoPublish, "no-publish", false, "Skip the S3 publish target")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg := config.GetConfig()
	if cfg == nil {
		var err error
		if cfg, err = config.Load(ctx); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
		}
	}
	host, port := cfg.Server.Host, cfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}

	p, err := loadProject(projectDir(args), projectOverrides{})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid project configuration", err)
	}
	sched, err := newScheduler(ctx, p, schedulerOptions{Prune: true, NoPublish: serveNoPublish})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid project configuration", err)
	}
	defer func() { _ = sched.Cache().Close() }()

	var opts []server.Option
	opts = append(opts,
		server.WithBuilder(schedulerBuilder{sched: sched}),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithPprof(cfg.Debug.PprofEnabled),
	)

	if cfg.Health.Enabled {
		health := handlers.InitHealthManager(versionInfo.Version)
		health.RegisterChecker("signals", signalHealthChecker{})
		if id := GetAppIdentity(); id != nil {
			health.RegisterChecker("identity", identityHealthChecker{
				binaryName: id.BinaryName,
				envPrefix:  id.EnvPrefix,
				configName: id.ConfigName,
			})
		}
		health.RegisterChecker("project", projectHealthChecker{root: p.Settings.Root})
	}

	srv := server.New(host, port, opts...)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	observability.CLILogger.Info("Server starting",
		zap.String("host", host),
		zap.Int("port", port),
		zap.String("root", p.Settings.Root),
		zap.String("output", p.Settings.Output))

	if serveBuildOnStart {
		go func() {
			if _, err := srv.Builds().Run(ctx); err != nil && ctx.Err() == nil {
				observability.CLILogger.Warn("Startup build failed", zap.Error(err))
			}
		}()
	}

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	observability.CLILogger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout(cfg))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		observability.CLILogger.Error("Shutdown failed", zap.Error(err))
		return exitError(foundry.ExitSignalInt, "Server shutdown failed", err)
	}
	if err := <-errCh; err != nil {
		observability.CLILogger.Warn("Server stopped with error", zap.Error(err))
	}
	observability.CLILogger.Info("Server stopped")
	return nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// signalHealthChecker reports healthy while the process is serving; signal
// handling itself lives in Execute.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

// identityHealthChecker verifies the binary identity is fully configured.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

// projectHealthChecker verifies the loader root is still a readable directory.
type projectHealthChecker struct {
	root string
}

func (c projectHealthChecker) CheckHealth(ctx context.Context) error {
	info, err := os.Stat(c.root)
	if err != nil {
		return fmt.Errorf("loader root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("loader root %s is not a directory", c.root)
	}
	return nil
}
