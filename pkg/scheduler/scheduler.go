// Package scheduler discovers loaders under a root and runs them through the
// cache, the runner and the materialization writer on a bounded worker pool.
//
// A pass has two phases. Discovery is synchronous and may fail the whole pass
// (unreadable root, duplicate output path) before anything runs. Execution
// isolates every loader: a failing loader is recorded in its report entry and
// never affects its siblings. Nothing is retried.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/3leaps/golade/pkg/archive"
	"github.com/3leaps/golade/pkg/artifactcache"
	"github.com/3leaps/golade/pkg/fingerprint"
	"github.com/3leaps/golade/pkg/match"
	"github.com/3leaps/golade/pkg/materialize"
	"github.com/3leaps/golade/pkg/report"
	"github.com/3leaps/golade/pkg/resolve"
	"github.com/3leaps/golade/pkg/runner"
)

// maxReportedStderr bounds the stderr tail copied into report entries.
const maxReportedStderr = 4 << 10

// Components are the collaborators of a Scheduler. Nil fields get defaults
// built from the Config.
type Components struct {
	Resolver      *resolve.Resolver
	Matcher       *match.Matcher
	Fingerprinter *fingerprint.Fingerprinter
	Runner        *runner.Runner
	Cache         *artifactcache.Cache
	Writer        materialize.Writer

	// Sink receives entries as loaders finish. Optional.
	Sink report.Sink
}

// Scheduler runs build passes over one root. Passes may run sequentially on
// the same Scheduler; the cache carries results between them.
type Scheduler struct {
	cfg      Config
	resolver *resolve.Resolver
	matcher  *match.Matcher
	fp       *fingerprint.Fingerprinter
	runner   *runner.Runner
	cache    *artifactcache.Cache
	writer   materialize.Writer
	sink     report.Sink
	limiter  *rate.Limiter

	includeHidden bool
	ignore        map[string]struct{}
	skipDirs      []string
}

// New creates a Scheduler.
func New(cfg Config, c Components) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if cfg.Root == "" {
		return nil, fmt.Errorf("%w: root is required", ErrUnreadableRoot)
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadableRoot, err)
	}
	cfg.Root = root
	if cfg.OutputDir != "" {
		out, err := filepath.Abs(cfg.OutputDir)
		if err != nil {
			return nil, fmt.Errorf("output dir: %w", err)
		}
		if within(out, root) {
			return nil, fmt.Errorf("%w: output %s, root %s", ErrOutputContainsRoot, out, root)
		}
		cfg.OutputDir = out
	}

	s := &Scheduler{
		cfg:      cfg,
		resolver: c.Resolver,
		matcher:  c.Matcher,
		fp:       c.Fingerprinter,
		runner:   c.Runner,
		cache:    c.Cache,
		writer:   c.Writer,
		sink:     c.Sink,
		ignore:   map[string]struct{}{},
	}
	if s.resolver == nil {
		s.resolver = resolve.New(nil, nil)
	}
	if s.matcher == nil {
		if s.matcher, err = match.New(match.Config{IncludeHidden: cfg.IncludeHidden}); err != nil {
			return nil, err
		}
	}
	if s.fp == nil {
		s.fp = fingerprint.New(fingerprint.Options{Root: root})
	}
	if s.runner == nil {
		s.runner = runner.New(runner.Options{})
	}
	if s.cache == nil {
		s.cache = artifactcache.New(artifactcache.Options{})
	}
	if s.writer == nil {
		if cfg.OutputDir == "" {
			return nil, errors.New("scheduler: output dir or writer is required")
		}
		s.writer = materialize.NewFileWriter(cfg.OutputDir)
	}
	if cfg.LaunchRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.LaunchRate), 1)
	}

	for _, dir := range append([]string{cfg.OutputDir}, cfg.SkipDirs...) {
		if dir == "" {
			continue
		}
		if abs, err := filepath.Abs(dir); err == nil {
			s.skipDirs = append(s.skipDirs, abs)
		}
	}
	for _, p := range cfg.Ignore {
		s.ignore[match.NormalizePath(p)] = struct{}{}
	}
	s.includeHidden = cfg.IncludeHidden

	return s, nil
}

// within reports whether p is dir or lies below it.
func within(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Cache returns the scheduler's artifact cache.
func (s *Scheduler) Cache() *artifactcache.Cache {
	return s.cache
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Run performs one pass. A non-nil report is returned whenever discovery
// succeeded, including when ctx is cancelled mid-pass (the error is then
// ctx's error and unstarted loaders are reported as canceled).
func (s *Scheduler) Run(ctx context.Context) (*report.BuildReport, error) {
	started := time.Now()
	plan, err := s.Discover(ctx)
	if err != nil {
		return nil, err
	}

	runID := s.cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	rep := &report.BuildReport{
		RunID:     runID,
		Root:      s.cfg.Root,
		OutputDir: s.cfg.OutputDir,
		StartedAt: started,
	}
	c := &collector{sink: s.sink, ctx: context.WithoutCancel(ctx)}

	for _, w := range plan.Warnings {
		c.add(w)
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range plan.Loaders {
		if ctx.Err() != nil {
			c.add(canceledEntry(id, ctx))
			continue
		}
		g.Go(func() error {
			c.add(s.runLoader(ctx, id))
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() == nil && s.cfg.Prune {
		if n, err := s.cache.Retain(ctx, plan.Keys()); err == nil {
			rep.Evicted = n
		} else {
			rep.EvictError = err.Error()
		}
	}

	rep.Entries = c.entries
	rep.FinishedAt = time.Now()
	rep.Finalize()

	if s.sink != nil {
		if err := s.sink.WriteSummary(c.ctx, rep); err != nil && c.sinkErr == nil {
			c.sinkErr = err
		}
	}

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if c.sinkErr != nil {
		return rep, fmt.Errorf("write report record: %w", c.sinkErr)
	}
	return rep, nil
}

// runLoader takes one loader through cache, runner and writer.
func (s *Scheduler) runLoader(ctx context.Context, id resolve.Identity) report.Entry {
	began := time.Now()
	entry := report.Entry{
		Source:      id.SourcePath,
		Output:      id.LogicalPath,
		ContentType: id.ContentType.MIME,
	}
	finish := func(status report.Status, outcome string, err error) report.Entry {
		entry.Status = status
		entry.Outcome = outcome
		if err != nil {
			entry.Error = err.Error()
		}
		entry.Duration = time.Since(began)
		return entry
	}

	abs := filepath.Join(s.cfg.Root, filepath.FromSlash(id.SourcePath))
	fpArgv := s.resolver.Command(id, id.SourcePath)

	fingerprintFn := func(context.Context) (fingerprint.Fingerprint, error) {
		return s.fp.Compute(id, fpArgv)
	}
	computeFn := func(ctx context.Context) *runner.Result {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				now := time.Now()
				return &runner.Result{
					Identity: id, Outcome: runner.OutcomeCanceled, ExitCode: -1,
					StartedAt: now, FinishedAt: now,
					Err: fmt.Errorf("%w: %v", runner.ErrCanceled, err),
				}
			}
		}
		return s.runner.Run(ctx, runner.Spec{
			Identity:       id,
			Command:        s.resolver.Command(id, abs),
			Dir:            s.cfg.Root,
			Env:            s.fp.DeclaredEnv(),
			Timeout:        s.cfg.Timeout,
			MaxOutputBytes: s.cfg.MaxOutputBytes,
		})
	}

	ce, hit, err := s.cache.GetOrCompute(ctx, id, fingerprintFn, computeFn)
	if err != nil {
		if ctx.Err() != nil {
			return finish(report.StatusFailed, string(runner.OutcomeCanceled), fmt.Errorf("%w: %v", runner.ErrCanceled, err))
		}
		return finish(report.StatusFailed, report.OutcomeInputError, err)
	}

	entry.Cached = hit
	entry.Network = ce.Fingerprint.Volatile
	res := ce.Result
	entry.ExitCode = res.ExitCode
	if !ce.OK() {
		entry.Stderr = tail(res.Stderr, maxReportedStderr)
		return finish(report.StatusFailed, string(res.Outcome), res.Err)
	}

	data := ce.Artifact()
	dest, err := s.writer.Commit(ctx, id, data)
	if err != nil {
		return finish(report.StatusFailed, report.OutcomeWriteFailed, err)
	}
	entry.Destination = dest
	entry.Bytes = int64(len(data))

	if kind, ok := archive.KindOf(id); ok && s.cfg.ExtractArchives {
		members, err := s.extract(ctx, id, kind, data)
		entry.Members = members
		if err != nil {
			return finish(report.StatusFailed, report.OutcomeWriteFailed, fmt.Errorf("extract %s: %w", id.LogicalPath, err))
		}
	}

	return finish(report.StatusOK, string(runner.OutcomeSuccess), nil)
}

// extract commits archive members and returns their logical paths.
func (s *Scheduler) extract(ctx context.Context, id resolve.Identity, kind archive.Kind, data []byte) ([]string, error) {
	members, err := archive.Extract(kind, data, s.cfg.Archive)
	if err != nil {
		return nil, err
	}
	var written []string
	for _, m := range members {
		mid := archive.MemberIdentity(id, m.Name, s.resolver.Types())
		if _, err := s.writer.Commit(ctx, mid, m.Data); err != nil {
			return written, err
		}
		written = append(written, mid.LogicalPath)
	}
	return written, nil
}

func canceledEntry(id resolve.Identity, ctx context.Context) report.Entry {
	return report.Entry{
		Source:      id.SourcePath,
		Output:      id.LogicalPath,
		ContentType: id.ContentType.MIME,
		Outcome:     string(runner.OutcomeCanceled),
		Status:      report.StatusFailed,
		Error:       fmt.Sprintf("%v: %v", runner.ErrCanceled, context.Cause(ctx)),
	}
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

// collector gathers entries from workers and forwards them to the sink.
type collector struct {
	ctx  context.Context
	sink report.Sink

	mu      sync.Mutex
	entries []report.Entry
	sinkErr error
}

func (c *collector) add(e report.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	if c.sink == nil {
		return
	}
	if err := c.sink.WriteEntry(c.ctx, &e); err != nil && c.sinkErr == nil {
		c.sinkErr = err
	}
}
