package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/3leaps/golade/pkg/match"
	"github.com/3leaps/golade/pkg/report"
	"github.com/3leaps/golade/pkg/resolve"
)

var (
	// ErrUnreadableRoot indicates the loader root cannot be walked.
	ErrUnreadableRoot = errors.New("unreadable loader root")

	// ErrDuplicateOutputPath indicates two loaders produce the same artifact.
	ErrDuplicateOutputPath = errors.New("duplicate output path")

	// ErrOutputContainsRoot indicates the output directory is the loader root
	// or one of its ancestors, so artifacts would land among the loaders and
	// shadow them on the next pass.
	ErrOutputContainsRoot = errors.New("output directory contains the loader root")
)

// DuplicateOutputError names the loaders that collide on one output path.
type DuplicateOutputError struct {
	Output  string
	Sources []string
}

func (e *DuplicateOutputError) Error() string {
	return fmt.Sprintf("duplicate output path %s produced by %s", e.Output, strings.Join(e.Sources, ", "))
}

func (e *DuplicateOutputError) Unwrap() error {
	return ErrDuplicateOutputPath
}

// foldCase reports whether output paths are compared case-insensitively,
// matching the default filesystems of the host.
var foldCase = runtime.GOOS == "darwin" || runtime.GOOS == "windows"

// canonicalPath is the comparison form of a root-relative output path.
func canonicalPath(p string) string {
	p = path.Clean(p)
	if foldCase {
		p = strings.ToLower(p)
	}
	return p
}

// Plan is the result of discovery.
type Plan struct {
	Root string

	// Loaders are the runnable loaders, ordered by source path.
	Loaders []resolve.Identity

	// Warnings are unresolvable files and shadowed loaders.
	Warnings []report.Entry

	// Statics are plain files of a recognized type, root-relative.
	Statics []string
}

// Keys returns the cache keys of the planned loaders.
func (p *Plan) Keys() []string {
	keys := make([]string, 0, len(p.Loaders))
	for _, id := range p.Loaders {
		keys = append(keys, id.Key())
	}
	return keys
}

// Discover walks the root and classifies every selected file. It fails on an
// unreadable root or when two loaders share an output path.
func (s *Scheduler) Discover(ctx context.Context) (*Plan, error) {
	root := s.cfg.Root
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadableRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrUnreadableRoot, root)
	}

	var (
		candidates []resolve.Identity
		statics    = map[string]string{}
		warnings   []report.Entry
	)

	visit := func(rel string, d fs.DirEntry) error {
		if _, ok := s.ignore[rel]; ok || !s.matcher.Match(rel) {
			return nil
		}

		id, resolveErr := s.resolver.Resolve(rel)
		if resolveErr == nil && (id.Strategy == resolve.StrategyInterpreter || isExecutable(d)) {
			candidates = append(candidates, id)
			return nil
		}
		if _, ok := s.resolver.StaticType(rel); ok {
			statics[canonicalPath(rel)] = rel
			return nil
		}
		if resolveErr == nil {
			resolveErr = &resolve.UnresolvableError{Path: rel, Reason: "no interpreter for ." + id.Marker + " and file is not executable"}
		}
		warnings = append(warnings, report.Entry{
			Source:  rel,
			Outcome: report.OutcomeUnresolvable,
			Status:  report.StatusWarning,
			Error:   resolveErr.Error(),
		})
		return nil
	}

	seen := map[string]struct{}{}
	for _, walkRoot := range s.walkRoots() {
		start := filepath.Join(root, filepath.FromSlash(walkRoot))
		if _, err := os.Stat(start); errors.Is(err, fs.ErrNotExist) && walkRoot != "" {
			continue
		}
		err := filepath.WalkDir(start, func(p string, d fs.DirEntry, walkErr error) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if walkErr != nil {
				if p == start {
					return walkErr
				}
				// Unreadable subtrees are reported, not fatal.
				warnings = append(warnings, report.Entry{
					Source:  s.rel(p),
					Outcome: report.OutcomeUnresolvable,
					Status:  report.StatusWarning,
					Error:   walkErr.Error(),
				})
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			rel := s.rel(p)
			if d.IsDir() {
				if p != start && s.skipDir(p, rel) {
					return filepath.SkipDir
				}
				return nil
			}
			if !isRegular(p, d) {
				return nil
			}
			if _, dup := seen[rel]; dup {
				return nil
			}
			seen[rel] = struct{}{}
			return visit(rel, d)
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %w", ErrUnreadableRoot, err)
		}
	}

	plan := &Plan{Root: root}
	byOutput := map[string][]resolve.Identity{}
	for _, id := range candidates {
		key := canonicalPath(id.LogicalPath)
		if static, ok := statics[key]; ok {
			warnings = append(warnings, report.Entry{
				Source:      id.SourcePath,
				Output:      id.LogicalPath,
				ContentType: id.ContentType.MIME,
				Outcome:     report.OutcomeShadowed,
				Status:      report.StatusWarning,
				Error:       "shadowed by static file " + static,
			})
			continue
		}
		byOutput[key] = append(byOutput[key], id)
	}

	var dups []*DuplicateOutputError
	for _, ids := range byOutput {
		if len(ids) > 1 {
			sources := make([]string, 0, len(ids))
			for _, id := range ids {
				sources = append(sources, id.SourcePath)
			}
			sort.Strings(sources)
			dups = append(dups, &DuplicateOutputError{Output: ids[0].LogicalPath, Sources: sources})
			continue
		}
		plan.Loaders = append(plan.Loaders, ids[0])
	}
	if len(dups) > 0 {
		sort.Slice(dups, func(i, j int) bool { return dups[i].Output < dups[j].Output })
		return nil, dups[0]
	}

	sort.Slice(plan.Loaders, func(i, j int) bool { return plan.Loaders[i].SourcePath < plan.Loaders[j].SourcePath })
	sort.Slice(warnings, func(i, j int) bool { return warnings[i].Source < warnings[j].Source })
	plan.Warnings = warnings
	for _, rel := range statics {
		plan.Statics = append(plan.Statics, rel)
	}
	sort.Strings(plan.Statics)
	return plan, nil
}

// walkRoots returns the directories to walk. Overlapping roots are fine;
// Discover visits each file once.
func (s *Scheduler) walkRoots() []string {
	roots := s.matcher.WalkRoots()
	if len(roots) == 0 {
		return []string{""}
	}
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		if r == "" {
			return []string{""}
		}
		out = append(out, r)
	}
	return out
}

// rel converts an absolute walk path to a root-relative slash path.
func (s *Scheduler) rel(p string) string {
	r, err := filepath.Rel(s.cfg.Root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(r)
}

func (s *Scheduler) skipDir(abs, rel string) bool {
	if !s.includeHidden && match.IsHidden(path.Base(rel)) {
		return true
	}
	for _, dir := range s.skipDirs {
		if abs == dir {
			return true
		}
	}
	return false
}

// isRegular reports whether the entry is a regular file, following symlinks.
func isRegular(p string, d fs.DirEntry) bool {
	if d.Type().IsRegular() {
		return true
	}
	if d.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func isExecutable(d fs.DirEntry) bool {
	if runtime.GOOS == "windows" {
		return true
	}
	info, err := d.Info()
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
