package scheduler

import (
	"runtime"
	"time"

	"github.com/3leaps/golade/pkg/archive"
)

// Config configures a build pass.
type Config struct {
	// Root is the loader root directory.
	Root string

	// OutputDir is where artifacts are materialized. It is never walked
	// when it lies inside Root, and must not be Root or an ancestor of it.
	OutputDir string

	// SkipDirs lists further directories that discovery never enters,
	// typically the cache directory.
	SkipDirs []string

	// Ignore lists root-relative files that discovery skips silently,
	// typically the project file.
	Ignore []string

	// IncludeHidden lets discovery enter dot-directories. The matcher must
	// agree for hidden files to be selected.
	IncludeHidden bool

	// Concurrency is the worker pool size. Default: DefaultConcurrency().
	Concurrency int

	// LaunchRate caps loader launches per second. Zero means unlimited.
	LaunchRate float64

	// Timeout bounds each loader invocation. Zero disables it.
	Timeout time.Duration

	// MaxOutputBytes bounds each loader's stdout. Zero disables it.
	MaxOutputBytes int64

	// ExtractArchives commits zip/tar/tgz members alongside the archive.
	ExtractArchives bool

	// Archive bounds member extraction.
	Archive archive.Options

	// RunID labels reports. Default: a random UUID per pass.
	RunID string

	// Prune evicts cache entries whose identities were not discovered. Set it
	// only when discovery covers the whole root.
	Prune bool
}

// DefaultConcurrency returns max(min(NumCPU*2, 8), 2).
func DefaultConcurrency() int {
	return max(min(runtime.NumCPU()*2, 8), 2)
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency()
	}
	return c
}
