package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/golade/internal/config"
	"github.com/3leaps/golade/internal/observability"
	"github.com/3leaps/golade/pkg/archive"
	"github.com/3leaps/golade/pkg/artifactcache"
	"github.com/3leaps/golade/pkg/cachestore"
	"github.com/3leaps/golade/pkg/fingerprint"
	"github.com/3leaps/golade/pkg/manifest"
	"github.com/3leaps/golade/pkg/match"
	"github.com/3leaps/golade/pkg/materialize"
	"github.com/3leaps/golade/pkg/report"
	"github.com/3leaps/golade/pkg/resolve"
	"github.com/3leaps/golade/pkg/runner"
	"github.com/3leaps/golade/pkg/scheduler"
)

// projectOverrides are command-line values layered over the project file.
// Empty strings and zero values leave the lower layers in charge.
type projectOverrides struct {
	Output       string
	Concurrency  int
	Timeout      string
	MaxOutput    string
	Freshness    string
	CacheDir     string
	NoCache      bool
	ReportFormat string
	ReportDest   string
}

// project is a loaded, fully overridden project.
type project struct {
	Dir          string
	ManifestPath string
	Settings     *manifest.Settings
}

// projectDir picks the project directory: an explicit argument, then
// GOLADE_ROOT, then the working directory.
func projectDir(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if cfg := config.GetConfig(); cfg != nil && cfg.Build.Root != "" {
		return cfg.Build.Root
	}
	return "."
}

// loadProject reads dir/golade.yaml (or the defaults) and applies, in
// order, environment overrides and flag overrides.
func loadProject(dir string, o projectOverrides) (*project, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	m, path, err := manifest.LoadDir(abs)
	if err != nil {
		return nil, err
	}
	s, err := m.Settings(abs)
	if err != nil {
		return nil, err
	}

	if cfg := config.GetConfig(); cfg != nil {
		b := cfg.Build
		if err := applyOverrides(s, projectOverrides{
			Output:       b.Output,
			Concurrency:  b.Concurrency,
			Timeout:      b.Timeout,
			MaxOutput:    b.MaxOutputBytes,
			Freshness:    b.FreshnessWindow,
			CacheDir:     b.CacheDir,
			NoCache:      b.NoCache,
			ReportFormat: b.ReportFormat,
		}); err != nil {
			return nil, err
		}
	}
	if err := applyOverrides(s, o); err != nil {
		return nil, err
	}

	return &project{Dir: abs, ManifestPath: path, Settings: s}, nil
}

func applyOverrides(s *manifest.Settings, o projectOverrides) error {
	if o.Output != "" {
		p, err := filepath.Abs(o.Output)
		if err != nil {
			return fmt.Errorf("output: %w", err)
		}
		s.Output = p
	}
	if o.CacheDir != "" {
		p, err := filepath.Abs(o.CacheDir)
		if err != nil {
			return fmt.Errorf("cache dir: %w", err)
		}
		s.CacheDir = p
	}
	if o.Concurrency < 0 {
		return fmt.Errorf("concurrency must be >= 1")
	}
	if o.Concurrency > 0 {
		s.Concurrency = o.Concurrency
	}
	if o.Timeout != "" {
		d, err := manifest.ParseDuration("timeout", o.Timeout)
		if err != nil {
			return err
		}
		s.Timeout = d
	}
	if o.MaxOutput != "" {
		n, err := manifest.ParseSize("max output", o.MaxOutput)
		if err != nil {
			return err
		}
		s.MaxOutputBytes = n
	}
	if o.Freshness != "" {
		d, err := manifest.ParseDuration("freshness window", o.Freshness)
		if err != nil {
			return err
		}
		s.FreshnessWindow = d
	}
	if o.NoCache {
		s.CacheDisabled = true
	}
	if o.ReportFormat != "" {
		s.ReportFormat = o.ReportFormat
	}
	if o.ReportDest != "" {
		s.ReportDest = o.ReportDest
	}
	return nil
}

// schedulerOptions are per-command knobs for newScheduler.
type schedulerOptions struct {
	// Cache overrides the cache built from the settings.
	Cache *artifactcache.Cache

	Sink      report.Sink
	RunID     string
	Prune     bool
	NoPublish bool
}

// newResolver builds a resolver with the project's content types and
// interpreters layered over the defaults.
func newResolver(s *manifest.Settings) (*resolve.Resolver, error) {
	types := resolve.DefaultRegistry()
	for token, mime := range s.ContentTypes {
		if err := types.Register(token, mime); err != nil {
			return nil, fmt.Errorf("content_types: %w", err)
		}
	}
	return resolve.New(types, resolve.DefaultInterpreters().Merge(s.Interpreters)), nil
}

// openCache opens the durable cache unless it is disabled. Store failures
// while building are logged, never fatal.
func openCache(ctx context.Context, s *manifest.Settings) (*artifactcache.Cache, error) {
	opts := artifactcache.Options{
		OnStoreError: func(key string, err error) {
			observability.CLILogger.Warn("Cache store error", zap.String("key", key), zap.Error(err))
		},
	}
	if !s.CacheDisabled {
		store, err := cachestore.Open(ctx, cachestore.Config{Dir: s.CacheDir})
		if err != nil {
			return nil, err
		}
		opts.Store = store
	}
	return artifactcache.New(opts), nil
}

// newScheduler wires every component of a build pass from the settings.
// The caller owns the returned scheduler's cache and must close it.
func newScheduler(ctx context.Context, p *project, o schedulerOptions) (*scheduler.Scheduler, error) {
	s := p.Settings

	resolver, err := newResolver(s)
	if err != nil {
		return nil, err
	}
	matcher, err := match.New(match.Config{
		Includes:      s.Includes,
		Excludes:      s.Excludes,
		IncludeHidden: s.IncludeHidden,
	})
	if err != nil {
		return nil, fmt.Errorf("match: %w", err)
	}
	network, err := match.NewPatternSet(s.NetworkPatterns)
	if err != nil {
		return nil, fmt.Errorf("network.patterns: %w", err)
	}

	fp := fingerprint.New(fingerprint.Options{
		Root:          s.Root,
		DeclaredEnv:   s.DeclaredEnv,
		Network:       network,
		DetectNetwork: s.DetectNetwork,
		Window:        s.FreshnessWindow,
	})
	run := runner.New(runner.Options{
		InheritEnv: s.InheritEnv,
		PassEnv:    s.PassEnv,
		KillGrace:  s.KillGrace,
	})

	var writer materialize.Writer = materialize.NewFileWriter(s.Output)
	if s.S3 != nil && !o.NoPublish {
		s3w, err := materialize.NewS3Writer(ctx, materialize.S3Config{
			Bucket:         s.S3.Bucket,
			Prefix:         s.S3.Prefix,
			Region:         s.S3.Region,
			Endpoint:       s.S3.Endpoint,
			Profile:        s.S3.Profile,
			ForcePathStyle: s.S3.ForcePathStyle || s.S3.Endpoint != "",
		})
		if err != nil {
			return nil, err
		}
		writer = materialize.Multi(writer, s3w)
	}

	cache := o.Cache
	if cache == nil {
		if cache, err = openCache(ctx, s); err != nil {
			return nil, err
		}
	}

	var ignore []string
	if p.ManifestPath != "" {
		if rel, err := filepath.Rel(s.Root, p.ManifestPath); err == nil && !strings.HasPrefix(rel, "..") {
			ignore = append(ignore, filepath.ToSlash(rel))
		}
	}
	var skip []string
	if s.CacheDir != "" {
		skip = append(skip, s.CacheDir)
	}

	sched, err := scheduler.New(scheduler.Config{
		Root:            s.Root,
		OutputDir:       s.Output,
		SkipDirs:        skip,
		Ignore:          ignore,
		IncludeHidden:   s.IncludeHidden,
		Concurrency:     s.Concurrency,
		LaunchRate:      s.LaunchRate,
		Timeout:         s.Timeout,
		MaxOutputBytes:  s.MaxOutputBytes,
		ExtractArchives: s.ExtractArchives,
		Archive: archive.Options{
			MaxMembers:     s.MaxMembers,
			MaxMemberBytes: s.MaxMemberBytes,
			MaxTotalBytes:  s.MaxTotalBytes,
		},
		RunID: o.RunID,
		Prune: o.Prune,
	}, scheduler.Components{
		Resolver:      resolver,
		Matcher:       matcher,
		Fingerprinter: fp,
		Runner:        run,
		Cache:         cache,
		Writer:        writer,
		Sink:          o.Sink,
	})
	if err != nil {
		_ = cache.Close()
		return nil, err
	}
	return sched, nil
}

// openReportDest opens a report destination: "stdout" (default), "stderr",
// or a file path with an optional "file:" prefix.
// Returns the writer, a cleanup function, and any error.
func openReportDest(dest string) (io.Writer, func(), error) {
	switch dest {
	case "", "stdout", "-":
		return os.Stdout, func() {}, nil
	case "stderr":
		return os.Stderr, func() {}, nil
	}

	path := strings.TrimPrefix(dest, "file:")
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create report file %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}
