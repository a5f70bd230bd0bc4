package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/golade/internal/observability"
	"github.com/3leaps/golade/pkg/artifactcache"
	"github.com/3leaps/golade/pkg/cachestore"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the artifact cache",
	Long: `Inspect and maintain the durable artifact cache of a project.

Examples:
  golade cache stats
  golade cache prune site/
  golade cache clear --cache-dir /tmp/golade-cache`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats [project-dir]",
	Short: "Show cache statistics",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCacheStats,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune [project-dir]",
	Short: "Evict entries for loaders that no longer exist",
	Long: `Discover the project's loaders and drop cached artifacts and failures
for every identity that was not found, then remove unreferenced blobs.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCachePrune,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [project-dir]",
	Short: "Remove every cached artifact",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCacheClear,
}

var (
	cacheDirFlag string
	cacheJSON    bool
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd, cachePruneCmd, cacheClearCmd)

	cacheCmd.PersistentFlags().StringVar(&cacheDirFlag, "cache-dir", "", "Override cache directory")
	cacheStatsCmd.Flags().BoolVar(&cacheJSON, "json", false, "Output as JSON")
}

// openProjectStore loads the project and opens its cache store.
func openProjectStore(cmd *cobra.Command, args []string) (*project, *cachestore.Store, error) {
	p, err := loadProject(projectDir(args), projectOverrides{CacheDir: cacheDirFlag})
	if err != nil {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid project configuration", err)
	}
	if p.Settings.CacheDisabled {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Cache is disabled", errors.New("cache.disabled is set for this project"))
	}
	store, err := cachestore.Open(cmd.Context(), cachestore.Config{Dir: p.Settings.CacheDir})
	if err != nil {
		return nil, nil, exitError(foundry.ExitFileReadError, "Failed to open cache", err)
	}
	return p, store, nil
}

// cacheStatsOutput is the JSON form of cache stats.
type cacheStatsOutput struct {
	Dir         string     `json:"dir"`
	Entries     int64      `json:"entries"`
	Failures    int64      `json:"failures"`
	Bytes       int64      `json:"bytes"`
	Volatile    int64      `json:"volatile"`
	OldestEntry *time.Time `json:"oldest_entry,omitempty"`
	NewestEntry *time.Time `json:"newest_entry,omitempty"`
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	_, store, err := openProjectStore(cmd, args)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	st, err := store.Stats(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read cache", err)
	}

	out := cacheStatsOutput{
		Dir:      store.Dir(),
		Entries:  st.Entries,
		Failures: st.Failures,
		Bytes:    st.Bytes,
		Volatile: st.Volatile,
	}
	if !st.OldestEntry.IsZero() {
		out.OldestEntry = &st.OldestEntry
		out.NewestEntry = &st.NewestEntry
	}

	if cacheJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	return printCacheStats(os.Stdout, out)
}

func printCacheStats(w io.Writer, st cacheStatsOutput) error {
	_, _ = fmt.Fprintf(w, "Cache: %s\n", st.Dir)
	_, _ = fmt.Fprintf(w, "  Entries:   %d (%d network-backed)\n", st.Entries, st.Volatile)
	_, _ = fmt.Fprintf(w, "  Failures:  %d\n", st.Failures)
	_, _ = fmt.Fprintf(w, "  Size:      %s\n", humanize.IBytes(uint64(max(st.Bytes, 0))))
	if st.OldestEntry != nil {
		_, _ = fmt.Fprintf(w, "  Oldest:    %s (%s)\n", st.OldestEntry.Format(time.RFC3339), humanize.Time(*st.OldestEntry))
		_, _ = fmt.Fprintf(w, "  Newest:    %s (%s)\n", st.NewestEntry.Format(time.RFC3339), humanize.Time(*st.NewestEntry))
	}
	return nil
}

func runCachePrune(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, store, err := openProjectStore(cmd, args)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// Discovery needs no durable cache; an in-memory one keeps the store free.
	sched, err := newScheduler(ctx, p, schedulerOptions{
		Cache:     artifactcache.New(artifactcache.Options{}),
		NoPublish: true,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid project configuration", err)
	}
	plan, err := sched.Discover(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Discovery failed", err)
	}

	res, err := store.Retain(ctx, plan.Keys())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to prune cache", err)
	}
	observability.CLILogger.Info("Cache pruned",
		zap.Int("loaders", len(plan.Loaders)),
		zap.Int("entries_evicted", res.Entries),
		zap.Int("failures_evicted", res.Failures),
		zap.Int("blobs_removed", res.Blobs))
	_, _ = fmt.Fprintf(os.Stdout, "Evicted %d entries, %d failures, %d blobs\n", res.Entries, res.Failures, res.Blobs)
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	_, store, err := openProjectStore(cmd, args)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Clear(cmd.Context()); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to clear cache", err)
	}
	observability.CLILogger.Info("Cache cleared", zap.String("dir", store.Dir()))
	_, _ = fmt.Fprintf(os.Stdout, "Cleared %s\n", store.Dir())
	return nil
}
