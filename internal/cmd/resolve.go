package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/golade/pkg/resolve"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <path>...",
	Short: "Show how file names resolve to loaders",
	Long: `Resolve loader file names without touching the filesystem. For each path,
print the artifact it would produce, its content type, and the command that
would run it. Interpreters and content types come from the project file.

Examples:
  golade resolve data/quakes.json.py
  golade resolve a.csv.sh b.zip.exe notes.txt --json
  golade resolve --project site/ data/report.csv.R`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResolve,
}

var (
	resolveProject string
	resolveJSON    bool
)

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().StringVar(&resolveProject, "project", ".", "Project directory holding golade.yaml")
	resolveCmd.Flags().BoolVar(&resolveJSON, "json", false, "Output as JSON lines")
}

// resolution is one row of resolve output.
type resolution struct {
	Path     string            `json:"path"`
	Identity *resolve.Identity `json:"identity,omitempty"`
	Command  []string          `json:"command,omitempty"`
	Error    string            `json:"error,omitempty"`
}

func runResolve(cmd *cobra.Command, args []string) error {
	p, err := loadProject(resolveProject, projectOverrides{})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid project configuration", err)
	}
	r, err := newResolver(p.Settings)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid project configuration", err)
	}

	rows := resolvePaths(r, args)
	if resolveJSON {
		err = printResolveJSON(os.Stdout, rows)
	} else {
		err = printResolveTable(os.Stdout, rows)
	}
	if err != nil {
		return err
	}

	unresolved := 0
	for _, row := range rows {
		if row.Error != "" {
			unresolved++
		}
	}
	if unresolved > 0 {
		return exitError(foundry.ExitInvalidArgument, "Some paths are not loaders", fmt.Errorf("unresolvable=%d", unresolved))
	}
	return nil
}

func resolvePaths(r *resolve.Resolver, paths []string) []resolution {
	rows := make([]resolution, 0, len(paths))
	for _, path := range paths {
		id, err := r.Resolve(path)
		if err != nil {
			row := resolution{Path: path, Error: err.Error()}
			var ue *resolve.UnresolvableError
			if errors.As(err, &ue) {
				row.Error = ue.Reason
			}
			rows = append(rows, row)
			continue
		}
		rows = append(rows, resolution{Path: path, Identity: &id, Command: r.Command(id, id.SourcePath)})
	}
	return rows
}

func printResolveJSON(w io.Writer, rows []resolution) error {
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

func printResolveTable(w io.Writer, rows []resolution) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SOURCE\tOUTPUT\tTYPE\tSTRATEGY\tCOMMAND")
	for _, row := range rows {
		if row.Identity == nil {
			_, _ = fmt.Fprintf(tw, "%s\t-\t-\t-\t%s\n", row.Path, row.Error)
			continue
		}
		id := row.Identity
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			id.SourcePath, id.LogicalPath, id.ContentType.MIME, id.Strategy, strings.Join(row.Command, " "))
	}
	return tw.Flush()
}
