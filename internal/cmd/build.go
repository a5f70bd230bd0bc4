package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/golade/internal/observability"
	"github.com/3leaps/golade/pkg/report"
	"github.com/3leaps/golade/pkg/scheduler"
)

var buildCmd = &cobra.Command{
	Use:   "build [project-dir]",
	Short: "Run loaders and materialize their artifacts",
	Long: `Run every loader under the project root and write each one's output to
the output directory. Loaders whose inputs have not changed are served from
the cache. Static files of a recognized type are left alone.

The project directory holds golade.yaml; without one, defaults apply
(root ".", output "dist").

Exit status is 0 when every loader succeeded, 1 when any loader failed, and
a distinct code for invalid configuration, unreadable roots, report write
failures and interruption.

Examples:
  golade build
  golade build site/ --output public --concurrency 4
  golade build --no-cache --timeout 30s
  golade build --format jsonl --report file:build.jsonl
  golade build --prune`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBuild,
}

var (
	buildFlags     projectOverrides
	buildPrune     bool
	buildNoPublish bool
)

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringVarP(&buildFlags.Output, "output", "o", "", "Override output directory")
	buildCmd.Flags().IntVarP(&buildFlags.Concurrency, "concurrency", "j", 0, "Loaders run in parallel (default: from project)")
	buildCmd.Flags().StringVar(&buildFlags.Timeout, "timeout", "", "Per-loader timeout, e.g. 2m (0 disables)")
	buildCmd.Flags().StringVar(&buildFlags.MaxOutput, "max-output", "", "Per-loader stdout limit, e.g. 256MiB (0 disables)")
	buildCmd.Flags().StringVar(&buildFlags.Freshness, "freshness", "", "Reuse network-backed results younger than this")
	buildCmd.Flags().StringVar(&buildFlags.CacheDir, "cache-dir", "", "Override cache directory")
	buildCmd.Flags().BoolVar(&buildFlags.NoCache, "no-cache", false, "Do not read or write the durable cache")
	buildCmd.Flags().StringVarP(&buildFlags.ReportFormat, "format", "f", "", "Report format (table|json|jsonl|markdown)")
	buildCmd.Flags().StringVar(&buildFlags.ReportDest, "report", "", "Report destination (stdout|stderr|file:<path>)")
	buildCmd.Flags().BoolVar(&buildPrune, "prune", false, "Evict cache entries for loaders that no longer exist")
	buildCmd.Flags().BoolVar(&buildNoPublish, "no-publish", false, "Skip the S3 publish target")
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	p, err := loadProject(projectDir(args), buildFlags)
	if err != nil {
		observability.CLILogger.Error("Failed to load project", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid project configuration", err)
	}
	s := p.Settings

	format, err := report.ParseFormat(s.ReportFormat)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid report format", err)
	}

	out, closeOut, err := openReportDest(s.ReportDest)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create report output", err)
	}
	defer closeOut()

	runID := uuid.NewString()
	var sink report.Sink
	if format == report.FormatJSONL {
		jw := report.NewJSONLWriter(out, runID, s.Root)
		defer func() { _ = jw.Close() }()
		sink = jw
	}

	sched, err := newScheduler(ctx, p, schedulerOptions{
		Sink:      sink,
		RunID:     runID,
		Prune:     buildPrune,
		NoPublish: buildNoPublish,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid project configuration", err)
	}
	defer func() { _ = sched.Cache().Close() }()

	observability.CLILogger.Debug("Starting build",
		zap.String("run_id", runID),
		zap.String("root", s.Root),
		zap.String("output", s.Output),
		zap.Int("concurrency", sched.Config().Concurrency),
		zap.Bool("cache", !s.CacheDisabled))

	rep, runErr := sched.Run(ctx)
	if rep == nil {
		if isCanceled(ctx, runErr) {
			return exitError(foundry.ExitSignalInt, "Build cancelled", runErr)
		}
		observability.CLILogger.Error("Discovery failed", zap.String("root", s.Root), zap.Error(runErr))
		if errors.Is(runErr, scheduler.ErrDuplicateOutputPath) {
			return exitError(foundry.ExitInvalidArgument, "Conflicting loaders", runErr)
		}
		return exitError(foundry.ExitFileReadError, "Discovery failed", runErr)
	}

	if sink == nil {
		if err := report.Write(ctx, out, rep, format); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write report", err)
		}
	}

	logSummary(rep)
	if rep.EvictError != "" {
		observability.CLILogger.Warn("Cache prune failed", zap.String("error", rep.EvictError))
	}

	switch {
	case isCanceled(ctx, runErr):
		return exitError(foundry.ExitSignalInt, "Build cancelled", runErr)
	case runErr != nil:
		return exitError(foundry.ExitFileWriteError, "Failed to write report", runErr)
	case rep.Failed():
		return exitError(exitBuildFailed, "Build completed with failures", fmt.Errorf("failed=%d", rep.Summary.Failed))
	}
	return nil
}

func logSummary(rep *report.BuildReport) {
	observability.CLILogger.Info("Build complete",
		zap.String("run_id", rep.RunID),
		zap.Int("total", rep.Summary.Total),
		zap.Int("succeeded", rep.Summary.Succeeded),
		zap.Int("cached", rep.Summary.Cached),
		zap.Int("warnings", rep.Summary.Warnings),
		zap.Int("failed", rep.Summary.Failed),
		zap.Int64("bytes", rep.Summary.Bytes),
		zap.Int("evicted", rep.Evicted),
		zap.Duration("duration", rep.Summary.Duration))
}

// schedulerBuilder adapts a Scheduler to the HTTP build endpoint.
type schedulerBuilder struct {
	sched *scheduler.Scheduler
}

func (b schedulerBuilder) Build(ctx context.Context) (*report.BuildReport, error) {
	rep, err := b.sched.Run(ctx)
	if rep != nil {
		logSummary(rep)
	}
	return rep, err
}
