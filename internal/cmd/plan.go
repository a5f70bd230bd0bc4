package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/golade/pkg/report"
	"github.com/3leaps/golade/pkg/scheduler"
)

var planCmd = &cobra.Command{
	Use:   "plan [project-dir]",
	Short: "Show which loaders would run",
	Long: `Discover loaders and report, for each one, whether its cached artifact is
still fresh. Nothing is executed or written.

States:
  fresh    the cached artifact matches the current inputs
  stale    inputs changed, or a network-backed result aged out
  missing  no cached artifact
  error    the fingerprint could not be computed

Examples:
  golade plan
  golade plan site/ --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlan,
}

var (
	planJSON     bool
	planCacheDir string
)

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Output as JSON")
	planCmd.Flags().StringVar(&planCacheDir, "cache-dir", "", "Override cache directory")
}

// planOutput is the JSON form of a plan.
type planOutput struct {
	Root     string                   `json:"root"`
	Loaders  []scheduler.LoaderStatus `json:"loaders"`
	Warnings []report.Entry           `json:"warnings,omitempty"`
	Statics  []string                 `json:"statics,omitempty"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	p, err := loadProject(projectDir(args), projectOverrides{CacheDir: planCacheDir})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid project configuration", err)
	}
	sched, err := newScheduler(ctx, p, schedulerOptions{NoPublish: true})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid project configuration", err)
	}
	defer func() { _ = sched.Cache().Close() }()

	plan, err := sched.Discover(ctx)
	if err != nil {
		if errors.Is(err, scheduler.ErrDuplicateOutputPath) {
			return exitError(foundry.ExitInvalidArgument, "Conflicting loaders", err)
		}
		return exitError(foundry.ExitFileReadError, "Discovery failed", err)
	}
	statuses, err := sched.Status(ctx, plan)
	if err != nil {
		return exitError(foundry.ExitSignalInt, "Plan cancelled", err)
	}

	if planJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(planOutput{Root: plan.Root, Loaders: statuses, Warnings: plan.Warnings, Statics: plan.Statics})
	}
	return printPlanTable(os.Stdout, plan, statuses)
}

func printPlanTable(w io.Writer, plan *scheduler.Plan, statuses []scheduler.LoaderStatus) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STATE\tSOURCE\tOUTPUT\tTYPE\tNETWORK\tDIGEST")
	for _, st := range statuses {
		network := ""
		if st.Network {
			network = "yes"
		}
		digest := st.Digest
		if st.Error != "" {
			digest = st.Error
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			st.State, st.Identity.SourcePath, st.Identity.LogicalPath, st.Identity.ContentType.Token, network, digest)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(plan.Warnings) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, "Warnings:")
		for _, e := range plan.Warnings {
			_, _ = fmt.Fprintf(w, "  %s  %s: %s\n", e.Outcome, e.Source, e.Error)
		}
	}

	_, _ = fmt.Fprintf(w, "\n%d loaders, %d warnings, %d static files\n", len(statuses), len(plan.Warnings), len(plan.Statics))
	return nil
}
